package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/z-wentao/subflow/pkg/blob"
	"github.com/z-wentao/subflow/pkg/models"
	"github.com/z-wentao/subflow/pkg/pipeline"
	"github.com/z-wentao/subflow/pkg/storage"
)

const (
	msgMissingKey    = "API_KEY environment variable is not set on the server."
	msgMissingFields = "Missing mimeType or downloadUrl in request body."
	msgAIFailure     = "Failed to process file with AI model."
)

type uploadGrantRequest struct {
	Pathname      string `json:"pathname"`
	ContentType   string `json:"contentType"`
	ClientPayload string `json:"clientPayload"`
}

type generateRequest struct {
	MimeType    string `json:"mimeType"`
	DownloadURL string `json:"downloadUrl"`
}

// handleUploadGrant 签发上传授权
// 任何失败都返回 400 {error}
func (s *Server) handleUploadGrant(c *gin.Context) {
	var req uploadGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body."})
		return
	}
	if strings.TrimSpace(req.Pathname) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pathname is required."})
		return
	}

	target, err := s.blobs.Grant(c.Request.Context(), req.Pathname, req.ContentType, req.ClientPayload)
	if err != nil {
		s.requestLog(c).Warn().Err(err).Str("pathname", req.Pathname).Str("content_type", req.ContentType).
			Msg("⚠️ 拒绝上传授权")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, target)
}

// handlePutBlob 按签名写入对象
func (s *Server) handlePutBlob(c *gin.Context) {
	pathname := strings.TrimPrefix(c.Param("pathname"), "/")

	ref, err := s.blobs.Put(c.Request.Context(), pathname, c.Query("token"), c.GetHeader("Content-Type"), c.Request.Body)
	if err != nil {
		status := blobStatus(err)
		s.requestLog(c).Warn().Err(err).Str("pathname", pathname).Int("status", status).Msg("⚠️ 上传失败")
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, ref)
}

// handleGetBlob 下载对象（支持 Range）
func (s *Server) handleGetBlob(c *gin.Context) {
	pathname := strings.TrimPrefix(c.Param("pathname"), "/")

	f, meta, err := s.blobs.Open(c.Request.Context(), pathname)
	if err != nil {
		c.JSON(blobStatus(err), gin.H{"error": err.Error()})
		return
	}
	defer f.Close()

	c.Header("Content-Type", meta.ContentType)
	c.Header("Cache-Control", "no-store")
	http.ServeContent(c.Writer, c.Request, pathname, meta.CreatedAt, f)
}

// handleDeleteBlob 凭删除令牌删除对象
func (s *Server) handleDeleteBlob(c *gin.Context) {
	pathname := strings.TrimPrefix(c.Param("pathname"), "/")

	if err := s.blobs.DeleteWithToken(c.Request.Context(), pathname, c.Query("token")); err != nil {
		c.JSON(blobStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func blobStatus(err error) int {
	switch {
	case errors.Is(err, blob.ErrInvalidToken):
		return http.StatusForbidden
	case errors.Is(err, blob.ErrUnauthorizedContentType), errors.Is(err, blob.ErrInvalidPathname):
		return http.StatusBadRequest
	case errors.Is(err, blob.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, blob.ErrObjectExists):
		return http.StatusConflict
	case errors.Is(err, blob.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// handleGenerate 转写已上传的媒体
// 成功时返回 segment 数组；对象无论成败都会被释放一次
func (s *Server) handleGenerate(c *gin.Context) {
	log := s.requestLog(c)

	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgMissingFields})
		return
	}
	req.MimeType = strings.TrimSpace(req.MimeType)
	req.DownloadURL = strings.TrimSpace(req.DownloadURL)

	// 只接受本存储签发的地址
	var ref models.MediaReference
	if req.DownloadURL != "" {
		pathname, err := s.blobs.PathnameFromURL(req.DownloadURL)
		if err != nil {
			log.Warn().Err(err).Str("download_url", req.DownloadURL).Msg("⚠️ 拒绝外部地址")
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "downloadUrl must point to the temporary object store.",
				"kind":  pipeline.KindMissingRequestField,
			})
			return
		}
		ref = models.MediaReference{
			Pathname:    pathname,
			URL:         req.DownloadURL,
			DownloadURL: req.DownloadURL,
			ContentType: req.MimeType,
		}
	}

	if !s.hasAPIKey {
		s.releaseEarly(ref, "missing_credential")
		log.Error().Msg("❌ 未配置 OPENAI_API_KEY")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": msgMissingKey,
			"kind":  pipeline.KindMissingServerCredential,
		})
		return
	}

	if req.MimeType == "" || req.DownloadURL == "" {
		s.releaseEarly(ref, "missing_field")
		c.JSON(http.StatusBadRequest, gin.H{
			"error": msgMissingFields,
			"kind":  pipeline.KindMissingRequestField,
		})
		return
	}

	run := &models.RunRecord{
		RunID:     uuid.NewString(),
		Pathname:  ref.Pathname,
		MimeType:  ref.ContentType,
		Status:    models.RunProcessing,
		CreatedAt: time.Now(),
	}
	ctx := c.Request.Context()
	if err := s.runs.Save(ctx, run); err != nil {
		log.Warn().Err(err).Msg("⚠️ 保存转写记录失败")
	}

	doc, err := s.processor.Process(ctx, ref)
	if err != nil {
		var perr *pipeline.Error
		if !errors.As(err, &perr) {
			perr = &pipeline.Error{Kind: pipeline.KindAICallFailure, Err: err}
		}

		s.finishRun(c, run.RunID, func(r *models.RunRecord) {
			r.Status = models.RunFailed
			r.Error = msgAIFailure
			r.Details = perr.Detail()
		})

		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   msgAIFailure,
			"details": perr.Detail(),
			"kind":    perr.Kind,
		})
		return
	}

	s.finishRun(c, run.RunID, func(r *models.RunRecord) {
		r.Status = models.RunCompleted
		r.SegmentCount = doc.Len()
	})

	c.JSON(http.StatusOK, doc.Segments)
}

// releaseEarly 未进入转写就返回时释放对象
func (s *Server) releaseEarly(ref models.MediaReference, reason string) {
	if ref.Pathname == "" || s.releaser == nil {
		return
	}
	s.releaser.Release(ref, reason)
}

func (s *Server) finishRun(c *gin.Context, runID string, fn func(*models.RunRecord)) {
	err := s.runs.Update(c.Request.Context(), runID, func(r *models.RunRecord) {
		fn(r)
		r.CompletedAt = time.Now()
	})
	if err != nil {
		s.requestLog(c).Warn().Err(err).Str("run_id", runID).Msg("⚠️ 更新转写记录失败")
	}
}

// handleListRuns 最近的转写记录
func (s *Server) handleListRuns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	runs, err := s.runs.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取转写记录失败", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"total": len(runs),
	})
}

// handleGetRun 单条转写记录
func (s *Server) handleGetRun(c *gin.Context) {
	run, err := s.runs.Get(c.Request.Context(), c.Param("run_id"))
	if errors.Is(err, storage.ErrRunNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, run)
}
