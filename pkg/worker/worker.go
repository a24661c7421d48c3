package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/z-wentao/subflow/pkg/models"
	"github.com/z-wentao/subflow/pkg/queue"
)

// Deleter 删除临时对象
type Deleter interface {
	Delete(ctx context.Context, ref models.MediaReference) error
}

// DeleterFunc 函数适配器
type DeleterFunc func(ctx context.Context, ref models.MediaReference) error

func (f DeleterFunc) Delete(ctx context.Context, ref models.MediaReference) error {
	return f(ctx, ref)
}

type cleanerMetrics struct {
	deletes  *prometheus.CounterVec
	fallback prometheus.Counter
}

func newCleanerMetrics(reg prometheus.Registerer) *cleanerMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &cleanerMetrics{
		deletes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "subflow_cleanup_deletes_total",
			Help: "Temporary object deletions by result (deleted/failed).",
		}, []string{"result"}),
		fallback: factory.NewCounter(prometheus.CounterOpts{
			Name: "subflow_cleanup_fallback_total",
			Help: "Deletions run directly because the cleanup queue rejected the task.",
		}),
	}
}

// Cleaner 异步删除临时对象
// Release 立即返回；删除失败只记录日志和指标，不会返回给调用方
type Cleaner struct {
	queue   queue.Queue
	deleter Deleter
	logger  zerolog.Logger
	metrics *cleanerMetrics
	timeout time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	loop     sync.WaitGroup
	inflight sync.WaitGroup
}

// NewCleaner 创建 Cleaner
// 注意: Stop 会关闭传入的队列
func NewCleaner(q queue.Queue, deleter Deleter, logger zerolog.Logger, reg prometheus.Registerer) *Cleaner {
	ctx, cancel := context.WithCancel(context.Background())

	return &Cleaner{
		queue:   q,
		deleter: deleter,
		logger:  logger.With().Str("component", "cleaner").Logger(),
		metrics: newCleanerMetrics(reg),
		timeout: 30 * time.Second,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start 启动消费循环（在独立的 Goroutine 中运行）
func (c *Cleaner) Start() {
	c.loop.Add(1)
	go c.run()
}

// Release 登记一次删除，不阻塞调用方
func (c *Cleaner) Release(ref models.MediaReference, reason string) {
	task := &models.DeleteTask{
		Pathname:   ref.Pathname,
		URL:        ref.FetchURL(),
		DeleteURL:  ref.DeleteURL,
		Reason:     reason,
		EnqueuedAt: time.Now(),
	}

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()

		if err := c.queue.Enqueue(task); err != nil {
			// 队列不可用时直接删除，保证每个对象仍然只删一次
			c.logger.Warn().Err(err).Str("pathname", task.Pathname).Msg("⚠️ 删除任务入队失败，直接删除")
			c.metrics.fallback.Inc()
			c.deleteOnce(task)
		}
	}()
}

// Stop 关闭队列并等待剩余任务处理完，最多等到 ctx 结束
func (c *Cleaner) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		// 先等入队动作结束，再关闭队列
		c.inflight.Wait()
		c.queue.Close()
		c.loop.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		c.logger.Info().Msg("Cleaner 已停止")
		return nil
	case <-ctx.Done():
		c.cancel()
		c.logger.Warn().Msg("⚠️ Cleaner 停止超时，部分临时对象将由过期清理处理")
		return ctx.Err()
	}
}

// run 消费循环
func (c *Cleaner) run() {
	defer c.loop.Done()

	for {
		task, err := c.queue.Dequeue(c.ctx)
		if err != nil {
			if errors.Is(err, queue.ErrQueueClosed) || c.ctx.Err() != nil {
				return
			}
			c.logger.Warn().Err(err).Msg("从队列获取删除任务失败")
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if c.deleteOnce(task) {
			c.queue.Ack(task)
		} else {
			// 不重试，残留对象交给过期清理
			c.queue.Nack(task, false)
		}
	}
}

// deleteOnce 执行一次删除，返回是否成功
func (c *Cleaner) deleteOnce(task *models.DeleteTask) bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.deleter.Delete(ctx, task.Reference()); err != nil {
		c.logger.Error().Err(err).Str("pathname", task.Pathname).Str("reason", task.Reason).
			Msg("❌ 删除临时对象失败")
		c.metrics.deletes.WithLabelValues("failed").Inc()
		return false
	}

	c.logger.Debug().Str("pathname", task.Pathname).Str("reason", task.Reason).
		Dur("queued_for", time.Since(task.EnqueuedAt)).Msg("🧹 临时对象已删除")
	c.metrics.deletes.WithLabelValues("deleted").Inc()
	return true
}
