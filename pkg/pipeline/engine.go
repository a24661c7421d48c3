package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/z-wentao/subflow/pkg/models"
	"github.com/z-wentao/subflow/pkg/subtitle"
	"github.com/z-wentao/subflow/pkg/transcriber"
)

// DefaultTimeout 模型调用的硬超时
const DefaultTimeout = 5 * time.Minute

// Releaser 释放临时对象，不阻塞、不返回错误
type Releaser interface {
	Release(ref models.MediaReference, reason string)
}

// Processor 处理已上传的媒体，返回字幕文档
type Processor interface {
	Process(ctx context.Context, ref models.MediaReference) (subtitle.Document, error)
}

// Engine 在本进程内执行：组装请求、调用模型、解析校验，最后释放对象
type Engine struct {
	transcriber transcriber.Transcriber
	releaser    Releaser
	timeout     time.Duration
	logger      zerolog.Logger
	metrics     *Metrics
}

// NewEngine 创建 Engine，timeout <= 0 时使用 DefaultTimeout
func NewEngine(t transcriber.Transcriber, releaser Releaser, timeout time.Duration, logger zerolog.Logger, metrics *Metrics) *Engine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Engine{
		transcriber: t,
		releaser:    releaser,
		timeout:     timeout,
		logger:      logger.With().Str("component", "engine").Logger(),
		metrics:     metrics,
	}
}

// Process 执行转写；无论成败，返回前都会登记一次对象释放
func (e *Engine) Process(ctx context.Context, ref models.MediaReference) (doc subtitle.Document, err error) {
	defer func() {
		reason := "completed"
		if err != nil {
			reason = "failed"
		}
		e.releaser.Release(ref, reason)
	}()

	log := e.logger.With().Str("pathname", ref.Pathname).Str("content_type", ref.ContentType).Logger()

	// 1. 组装请求
	req, err := transcriber.Build(ref)
	if err != nil {
		return subtitle.Document{}, classify(StageBuild, err)
	}

	// 2. 调用模型（硬超时）
	start := time.Now()
	raw, err := e.transcribe(ctx, req)
	e.metrics.observeStage(StageTranscribe, start, err)
	if err != nil {
		log.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("❌ 模型调用失败")
		return subtitle.Document{}, classify(StageTranscribe, err)
	}

	// 3. 解析并校验
	doc, err = subtitle.ParseResponse([]byte(raw))
	if err != nil {
		log.Warn().Err(err).Int("raw_bytes", len(raw)).Msg("⚠️ 模型输出不可用")
		return subtitle.Document{}, classify(StageParse, err)
	}

	// 不重新排序，只记录
	for _, issue := range subtitle.CheckOrder(doc) {
		log.Warn().Int("segment", issue.Index).Str("issue", issue.Reason).Msg("字幕时间顺序异常")
	}

	log.Info().Int("segments", doc.Len()).Dur("elapsed", time.Since(start)).Msg("✅ 转写完成")
	return doc, nil
}

// transcribe 在独立的 Goroutine 里调用模型
// 超时后立即返回，不等待不配合 ctx 的实现
func (e *Engine) transcribe(ctx context.Context, req transcriber.ModelRequest) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type result struct {
		raw string
		err error
	}
	done := make(chan result, 1)
	go func() {
		raw, err := e.transcriber.Transcribe(callCtx, req)
		done <- result{raw, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && callCtx.Err() != nil {
			return "", fmt.Errorf("%w: %v", callCtx.Err(), r.err)
		}
		return r.raw, r.err
	case <-callCtx.Done():
		return "", fmt.Errorf("模型调用超过 %s: %w", e.timeout, callCtx.Err())
	}
}
