package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/z-wentao/subflow/pkg/models"
	"github.com/z-wentao/subflow/pkg/subtitle"
)

// ErrDiscarded 转写期间执行了 Reset，结果被丢弃
var ErrDiscarded = errors.New("转写结果已被重置丢弃")

// Uploader 客户端侧的对象存储操作
// Delete 必须是幂等的，对象已不存在视为成功
type Uploader interface {
	RequestUploadGrant(ctx context.Context, desiredName, contentType, clientPayload string) (models.SignedUploadTarget, error)
	Upload(ctx context.Context, file models.LocalFile, target models.SignedUploadTarget) (models.MediaReference, error)
	Delete(ctx context.Context, ref models.MediaReference) error
}

// discardTimeout 客户端补删对象的超时
const discardTimeout = 15 * time.Second

// Orchestrator 单个会话的流水线控制器
// 同一时间只允许一个转写在进行；Reset 不等待、也不取消进行中的转写
type Orchestrator struct {
	mu         sync.Mutex
	state      State
	generation uint64

	uploader  Uploader
	processor Processor
	format    subtitle.Format
	logger    zerolog.Logger
	metrics   *Metrics
}

// NewOrchestrator 创建控制器
func NewOrchestrator(uploader Uploader, processor Processor, format subtitle.Format, logger zerolog.Logger, metrics *Metrics) *Orchestrator {
	if format == "" {
		format = subtitle.FormatSRT
	}
	return &Orchestrator{
		state:     Idle(),
		uploader:  uploader,
		processor: processor,
		format:    format,
		logger:    logger.With().Str("component", "orchestrator").Logger(),
		metrics:   metrics,
	}
}

// Snapshot 当前状态
func (o *Orchestrator) Snapshot() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Select 选择文件；超过上限进入 Error，不会发起任何网络请求
func (o *Orchestrator) Select(file models.LocalFile) (State, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	next, err := Select(o.state, file)
	if err != nil {
		return o.state, err
	}
	o.state = next

	if next.Err != nil {
		o.logger.Warn().Str("file", file.Name).Int64("size", file.SizeBytes).Msg("⚠️ 文件过大")
		return next, next.Err
	}
	return next, nil
}

// Generate 依次执行授权、上传、转写
// 只能从 FileSelected 开始；处理中再次调用返回 ErrBusy
func (o *Orchestrator) Generate(ctx context.Context) (State, error) {
	o.mu.Lock()
	next, err := Begin(o.state)
	if err != nil {
		state := o.state
		o.mu.Unlock()
		return state, err
	}
	o.state = next
	gen := o.generation
	file := *next.File
	o.mu.Unlock()

	log := o.logger.With().Str("file", file.Name).Logger()
	log.Info().Int64("size", file.SizeBytes).Str("content_type", file.ContentType).Msg("🚀 开始转写")

	start := time.Now()
	doc, runErr := o.run(ctx, gen, file)
	o.metrics.observeRun(runErr)

	o.mu.Lock()
	defer o.mu.Unlock()

	if gen != o.generation {
		log.Info().Msg("转写期间已重置，丢弃结果")
		return o.state, ErrDiscarded
	}

	if runErr != nil {
		perr := classify(StageTranscribe, runErr)
		o.state, _ = Fail(o.state, perr)
		log.Error().Err(runErr).Str("kind", string(perr.Kind)).Dur("elapsed", time.Since(start)).Msg("❌ 转写失败")
		return o.state, perr
	}

	o.state, _ = Succeed(o.state, doc, o.format)
	log.Info().Int("segments", doc.Len()).Dur("elapsed", time.Since(start)).Msg("✅ 字幕已生成")
	return o.state, nil
}

// run 执行阶段 (a)(b)，然后交给 Processor
// Processor 负责释放上传得到的对象；请求未送达时由客户端自己删除
func (o *Orchestrator) run(ctx context.Context, gen uint64, file models.LocalFile) (subtitle.Document, error) {
	// (a) 申请上传授权
	start := time.Now()
	target, err := o.uploader.RequestUploadGrant(ctx, file.Name, file.ContentType, "")
	o.metrics.observeStage(StageGrant, start, err)
	if err != nil {
		return subtitle.Document{}, classify(StageGrant, err)
	}

	// (b) 上传
	start = time.Now()
	ref, err := o.uploader.Upload(ctx, file, target)
	o.metrics.observeStage(StageUpload, start, err)
	if err != nil {
		return subtitle.Document{}, classify(StageUpload, err)
	}

	o.mu.Lock()
	if gen == o.generation {
		o.state, _ = Attach(o.state, ref)
	}
	o.mu.Unlock()

	// (c)-(g)
	doc, err := o.processor.Process(ctx, ref)
	if errors.Is(err, ErrUndelivered) {
		o.discard(ctx, ref)
	}
	return doc, err
}

// discard 删除服务端没有接手的对象
// 调用方的 ctx 可能已经取消，这里另起一个有超时的 ctx
func (o *Orchestrator) discard(ctx context.Context, ref models.MediaReference) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), discardTimeout)
	defer cancel()

	log := o.logger.With().Str("pathname", ref.Pathname).Logger()
	if err := o.uploader.Delete(ctx, ref); err != nil {
		log.Warn().Err(err).Msg("⚠️ 删除未处理的临时对象失败，等待过期清理")
		return
	}
	log.Info().Msg("🧹 转写请求未送达，已删除临时对象")
}

// Edit 替换字幕文本
func (o *Orchestrator) Edit(text string) (State, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	next, err := Edit(o.state, text)
	if err != nil {
		return o.state, err
	}
	o.state = next
	return next, nil
}

// Download 返回当前文本和文件名，不改变状态
func (o *Orchestrator) Download() (Output, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Download(o.state)
}

// Reset 回到 Idle
// 进行中的转写会继续执行并释放对象，但结果不再生效
func (o *Orchestrator) Reset() State {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state.Phase == PhaseProcessing {
		o.logger.Info().Msg("处理中执行重置，结果将被丢弃")
	}
	o.generation++
	o.state = Reset(o.state)
	return o.state
}
