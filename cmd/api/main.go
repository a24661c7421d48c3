package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/z-wentao/subflow/pkg/api"
	"github.com/z-wentao/subflow/pkg/blob"
	"github.com/z-wentao/subflow/pkg/config"
	"github.com/z-wentao/subflow/pkg/logging"
	"github.com/z-wentao/subflow/pkg/pipeline"
	"github.com/z-wentao/subflow/pkg/queue"
	"github.com/z-wentao/subflow/pkg/storage"
	"github.com/z-wentao/subflow/pkg/transcriber"
	"github.com/z-wentao/subflow/pkg/worker"
)

const shutdownTimeout = 30 * time.Second

// App 应用上下文
type App struct {
	config  *config.Config
	logger  zerolog.Logger
	index   blob.Index
	blobs   *blob.Service
	cleaner *worker.Cleaner
	runs    storage.RunStore
	server  *api.Server
}

func main() {
	// 1. 加载配置
	configPath := "config/config.yaml"
	if v := strings.TrimSpace(os.Getenv("SUBFLOW_CONFIG")); v != "" {
		configPath = v
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ 加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	logger.Info().Str("path", configPath).Msg("✓ 配置加载成功")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("❌ 初始化失败")
	}

	err = app.run(ctx)
	app.close()
	if err != nil {
		logger.Error().Err(err).Msg("❌ 服务异常退出")
		os.Exit(1)
	}
	logger.Info().Msg("✓ 服务器已关闭")
}

// newApp 按配置组装各组件
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	app := &App{config: cfg, logger: logger}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// 2. 对象元数据索引
	switch cfg.Index.Type {
	case "redis":
		index, err := blob.NewRedisIndex(ctx, cfg.Index.Redis.Addr, cfg.Index.Redis.Password, cfg.Index.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("连接 Redis 索引失败: %w", err)
		}
		app.index = index
		logger.Info().Str("addr", cfg.Index.Redis.Addr).Msg("✓ 使用 Redis 索引")
	default:
		app.index = blob.NewMemoryIndex()
		logger.Info().Msg("✓ 使用内存索引")
	}

	// 3. 临时对象存储
	blobs, err := blob.NewService(blob.Options{
		Dir:                 cfg.Blob.Dir,
		PublicURL:           cfg.Server.PublicURL,
		Secret:              []byte(cfg.Blob.SigningSecret),
		AllowedContentTypes: cfg.Blob.AllowedContentTypes,
		MaxSize:             cfg.Server.MaxUploadSize,
		GrantTTL:            time.Duration(cfg.Blob.GrantTTLSeconds) * time.Second,
		ObjectTTL:           time.Duration(cfg.Blob.ObjectTTLSeconds) * time.Second,
	}, app.index, logger)
	if err != nil {
		return nil, err
	}
	app.blobs = blobs

	// 4. 删除队列
	var q queue.Queue
	switch cfg.Queue.Type {
	case "rabbitmq":
		rq, err := queue.NewRabbitMQQueue(cfg.Queue.RabbitMQ.URL, cfg.Queue.RabbitMQ.QueueName, cfg.Queue.RabbitMQ.Prefetch, logger)
		if err != nil {
			return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
		}
		q = rq
		logger.Info().Str("queue", cfg.Queue.RabbitMQ.QueueName).Msg("✓ 使用 RabbitMQ 队列")
	default:
		q = queue.NewMemoryQueue(cfg.Queue.BufferSize)
		logger.Info().Int("buffer", cfg.Queue.BufferSize).Msg("✓ 使用内存队列")
	}
	app.cleaner = worker.NewCleaner(q, worker.DeleterFunc(blobs.DeleteReference), logger, reg)

	// 5. 转写记录
	switch cfg.History.Type {
	case "redis":
		runs, err := storage.NewRedisRunStore(ctx, cfg.History.Redis.Addr, cfg.History.Redis.Password, cfg.History.Redis.DB, cfg.History.Retention())
		if err != nil {
			return nil, fmt.Errorf("连接 Redis 记录存储失败: %w", err)
		}
		app.runs = runs
	case "postgres":
		runs, err := storage.NewPostgresRunStore(ctx, cfg.History.Postgres)
		if err != nil {
			return nil, fmt.Errorf("连接 PostgreSQL 失败: %w", err)
		}
		if err := runs.EnsureSchema(ctx); err != nil {
			runs.Close()
			return nil, err
		}
		app.runs = runs
	default:
		app.runs = storage.NewMemoryRunStore()
	}
	logger.Info().Str("type", cfg.History.Type).Msg("✓ 转写记录存储就绪")

	// 6. 转写引擎
	if !cfg.HasAPIKey() {
		logger.Warn().Msg("⚠️ 未设置 OPENAI_API_KEY，/api/generate 将返回 500")
	}
	ai := transcriber.NewOpenAITranscriber(transcriber.Options{
		APIKey:             cfg.OpenAI.APIKey,
		BaseURL:            cfg.OpenAI.BaseURL,
		Model:              cfg.OpenAI.Model,
		TranscriptionModel: cfg.OpenAI.TranscriptionModel,
	}, logger)
	engine := pipeline.NewEngine(ai, app.cleaner, cfg.Transcriber.Timeout(), logger, pipeline.NewMetrics(reg))

	// 7. HTTP 服务
	app.server = api.NewServer(api.Options{
		Blobs:      blobs,
		Processor:  engine,
		Releaser:   app.cleaner,
		Runs:       app.runs,
		HasAPIKey:  cfg.HasAPIKey(),
		GrantRate:  cfg.Server.GrantRate,
		GrantBurst: cfg.Server.GrantBurst,
		Gatherer:   reg,
		Logger:     logger,
	})

	return app, nil
}

// run 启动 HTTP 服务、删除 worker 和过期清理，收到信号后优雅关闭
func (app *App) run(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", app.config.Server.Port),
		Handler:           app.server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	app.cleaner.Start()
	app.logger.Info().
		Int("port", app.config.Server.Port).
		Str("public_url", app.config.Server.PublicURL).
		Str("queue", app.config.Queue.Type).
		Str("index", app.config.Index.Type).
		Dur("ai_timeout", app.config.Transcriber.Timeout()).
		Msg("🚀 SubFlow 服务器启动")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP 服务失败: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		janitor := blob.NewJanitor(app.blobs, time.Duration(app.config.Blob.SweepSeconds)*time.Second, app.logger)
		return janitor.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		app.logger.Info().Msg("🛑 正在关闭服务器...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// 先停止接收请求，再等待删除任务处理完
		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("关闭 HTTP 服务失败: %w", err))
		}
		if err := app.cleaner.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("停止删除 worker 失败: %w", err))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func (app *App) close() {
	if err := app.runs.Close(); err != nil {
		app.logger.Warn().Err(err).Msg("关闭记录存储失败")
	}
	if err := app.index.Close(); err != nil {
		app.logger.Warn().Err(err).Msg("关闭索引失败")
	}
}
