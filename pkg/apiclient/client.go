package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/z-wentao/subflow/pkg/models"
	"github.com/z-wentao/subflow/pkg/pipeline"
	"github.com/z-wentao/subflow/pkg/subtitle"
)

// GenerateRequest /api/generate 请求体
type GenerateRequest struct {
	MimeType    string `json:"mimeType"`
	DownloadURL string `json:"downloadUrl"`
}

// ErrorResponse 服务端错误响应
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// Client 远程转写：由服务端执行转写并释放对象
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient 创建客户端
func NewClient(baseURL string, httpClient *http.Client, logger zerolog.Logger) *Client {
	if httpClient == nil {
		// 服务端模型调用最多 5 分钟，这里留出余量
		httpClient = &http.Client{Timeout: 6 * time.Minute}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger.With().Str("component", "apiclient").Logger(),
	}
}

// Process 请求服务端转写
func (c *Client) Process(ctx context.Context, ref models.MediaReference) (subtitle.Document, error) {
	body, err := json.Marshal(GenerateRequest{
		MimeType:    ref.ContentType,
		DownloadURL: ref.FetchURL(),
	})
	if err != nil {
		return subtitle.Document{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return subtitle.Document{}, fmt.Errorf("%w: 创建请求失败: %v", pipeline.ErrUndelivered, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return subtitle.Document{}, &pipeline.Error{
			Kind:    pipeline.KindAICallFailure,
			Stage:   pipeline.StageTranscribe,
			Message: "请求转写服务失败",
			Err:     fmt.Errorf("%w: %v", pipeline.ErrUndelivered, err),
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return subtitle.Document{}, &pipeline.Error{
			Kind:    pipeline.KindAICallFailure,
			Stage:   pipeline.StageTranscribe,
			Message: "读取转写结果失败",
			Err:     err,
		}
	}

	if resp.StatusCode != http.StatusOK {
		return subtitle.Document{}, responseError(resp.StatusCode, data)
	}

	doc, err := subtitle.ParseResponse(data)
	if err != nil {
		return subtitle.Document{}, &pipeline.Error{
			Kind:    pipeline.KindTranscriptionEmptyOrMalformed,
			Stage:   pipeline.StageParse,
			Message: "转写结果为空或格式错误",
			Err:     err,
		}
	}

	c.logger.Debug().
		Str("pathname", ref.Pathname).
		Int("segments", doc.Len()).
		Dur("elapsed", time.Since(start)).
		Msg("收到转写结果")
	return doc, nil
}

// responseError 把服务端错误还原成分类错误
func responseError(status int, data []byte) *pipeline.Error {
	var body ErrorResponse
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
		if body.Error == "" {
			body.Error = http.StatusText(status)
		}
	}

	kind := pipeline.Kind(body.Kind)
	if body.Kind == "" {
		switch status {
		case http.StatusBadRequest:
			kind = pipeline.KindMissingRequestField
		default:
			kind = pipeline.KindAICallFailure
		}
	}

	detail := body.Error
	if body.Details != "" {
		detail = body.Details
	}
	return &pipeline.Error{
		Kind:    kind,
		Stage:   pipeline.StageTranscribe,
		Message: body.Error,
		Err:     fmt.Errorf("服务端返回 %d: %s", status, detail),
	}
}
