package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/z-wentao/subflow/pkg/models"
)

var (
	// ErrUnauthorizedContentType 服务端拒绝该文件类型
	ErrUnauthorizedContentType = errors.New("文件类型不被允许")

	// ErrUploadTransport 网络或存储故障，需要用户手动重试
	ErrUploadTransport = errors.New("上传传输失败")
)

// Client 临时对象存储客户端
// 只负责授权、上传、删除三个动作，失败不做自动重试
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient 创建客户端，baseURL 形如 http://localhost:8080
func NewClient(baseURL string, httpClient *http.Client, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger.With().Str("component", "gateway").Logger(),
	}
}

type grantRequest struct {
	Pathname      string `json:"pathname"`
	ContentType   string `json:"contentType,omitempty"`
	ClientPayload string `json:"clientPayload,omitempty"`
}

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// RequestUploadGrant 申请上传授权
func (c *Client) RequestUploadGrant(ctx context.Context, desiredName, contentType, clientPayload string) (models.SignedUploadTarget, error) {
	body, err := json.Marshal(grantRequest{
		Pathname:      desiredName,
		ContentType:   contentType,
		ClientPayload: clientPayload,
	})
	if err != nil {
		return models.SignedUploadTarget{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload", bytes.NewReader(body))
	if err != nil {
		return models.SignedUploadTarget{}, fmt.Errorf("创建授权请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.SignedUploadTarget{}, fmt.Errorf("%w: %v", ErrUploadTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest {
		return models.SignedUploadTarget{}, fmt.Errorf("%w: %s", ErrUnauthorizedContentType, readError(resp))
	}
	if resp.StatusCode != http.StatusOK {
		return models.SignedUploadTarget{}, fmt.Errorf("%w: 授权请求返回 %d: %s", ErrUploadTransport, resp.StatusCode, readError(resp))
	}

	var target models.SignedUploadTarget
	if err := json.NewDecoder(resp.Body).Decode(&target); err != nil {
		return models.SignedUploadTarget{}, fmt.Errorf("%w: 解析授权失败: %v", ErrUploadTransport, err)
	}
	if target.UploadURL == "" {
		return models.SignedUploadTarget{}, fmt.Errorf("%w: 授权缺少上传地址", ErrUploadTransport)
	}
	return target, nil
}

// Upload 把文件直接写入对象存储
func (c *Client) Upload(ctx context.Context, file models.LocalFile, target models.SignedUploadTarget) (models.MediaReference, error) {
	f, err := file.Open()
	if err != nil {
		return models.MediaReference{}, fmt.Errorf("打开文件失败: %w", err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.UploadURL, f)
	if err != nil {
		return models.MediaReference{}, fmt.Errorf("创建上传请求失败: %w", err)
	}
	req.ContentLength = file.SizeBytes
	req.Header.Set("Content-Type", file.ContentType)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.MediaReference{}, fmt.Errorf("%w: %v", ErrUploadTransport, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnsupportedMediaType:
		return models.MediaReference{}, fmt.Errorf("%w: %s", ErrUnauthorizedContentType, readError(resp))
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		return models.MediaReference{}, fmt.Errorf("%w: 上传返回 %d: %s", ErrUploadTransport, resp.StatusCode, readError(resp))
	}

	var ref models.MediaReference
	if err := json.NewDecoder(resp.Body).Decode(&ref); err != nil {
		return models.MediaReference{}, fmt.Errorf("%w: 解析上传结果失败: %v", ErrUploadTransport, err)
	}
	if ref.FetchURL() == "" {
		return models.MediaReference{}, fmt.Errorf("%w: 上传结果缺少下载地址", ErrUploadTransport)
	}
	if ref.ContentType == "" {
		ref.ContentType = file.ContentType
	}
	ref.OriginalFileName = file.Name

	c.logger.Info().
		Str("pathname", ref.Pathname).
		Int64("size", ref.SizeBytes).
		Dur("elapsed", time.Since(start)).
		Msg("✓ 上传完成")

	return ref, nil
}

// Delete 按签名删除对象，对象已不存在视为成功
func (c *Client) Delete(ctx context.Context, ref models.MediaReference) error {
	if ref.DeleteURL == "" {
		return fmt.Errorf("缺少删除地址: %s", ref.Pathname)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, ref.DeleteURL, nil)
	if err != nil {
		return fmt.Errorf("创建删除请求失败: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("删除请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("删除返回 %d: %s", resp.StatusCode, readError(resp))
	}
	return nil
}

// readError 提取 {error} 字段，取不到时返回原始内容
func readError(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body errorBody
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		if body.Details != "" {
			return body.Error + ": " + body.Details
		}
		return body.Error
	}
	return strings.TrimSpace(string(data))
}
