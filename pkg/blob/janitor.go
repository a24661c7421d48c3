package blob

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Janitor 定期清理过期的临时对象
// 异步删除丢失时，对象最多保留 ObjectTTL 加一个清理周期
type Janitor struct {
	service  *Service
	interval time.Duration
	logger   zerolog.Logger
}

// NewJanitor 创建清理器
func NewJanitor(service *Service, interval time.Duration, logger zerolog.Logger) *Janitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Janitor{
		service:  service,
		interval: interval,
		logger:   logger.With().Str("component", "janitor").Logger(),
	}
}

// Run 阻塞运行，直到 ctx 取消
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.sweepOnce(ctx)
		}
	}
}

func (j *Janitor) sweepOnce(ctx context.Context) {
	removed, err := j.service.Sweep(ctx, j.service.now())
	if err != nil {
		j.logger.Warn().Err(err).Msg("过期对象清理失败")
		return
	}
	if removed > 0 {
		j.logger.Info().Int("removed", removed).Msg("🧹 已清理过期对象")
	}
}
