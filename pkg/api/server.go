package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/z-wentao/subflow/pkg/blob"
	"github.com/z-wentao/subflow/pkg/pipeline"
	"github.com/z-wentao/subflow/pkg/storage"
)

// Version 服务版本
const Version = "1.0.0"

// Options 服务依赖
type Options struct {
	Blobs     *blob.Service
	Processor pipeline.Processor
	Releaser  pipeline.Releaser // 提前返回时释放已上传的对象
	Runs      storage.RunStore
	HasAPIKey bool

	GrantRate  float64
	GrantBurst int

	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
}

// Server HTTP 服务
type Server struct {
	blobs     *blob.Service
	processor pipeline.Processor
	releaser  pipeline.Releaser
	runs      storage.RunStore
	hasAPIKey bool
	limiter   *ipLimiter
	gatherer  prometheus.Gatherer
	logger    zerolog.Logger
}

// NewServer 创建 HTTP 服务
func NewServer(opts Options) *Server {
	if opts.GrantRate <= 0 {
		opts.GrantRate = 2
	}
	if opts.GrantBurst <= 0 {
		opts.GrantBurst = 10
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Runs == nil {
		opts.Runs = storage.NewMemoryRunStore()
	}

	return &Server{
		blobs:     opts.Blobs,
		processor: opts.Processor,
		releaser:  opts.Releaser,
		runs:      opts.Runs,
		hasAPIKey: opts.HasAPIKey,
		limiter:   newIPLimiter(opts.GrantRate, opts.GrantBurst),
		gatherer:  opts.Gatherer,
		logger:    opts.Logger.With().Str("component", "api").Logger(),
	}
}

// Router 设置路由
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery(), s.requestLogger())

	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method Not Allowed"})
	})
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
	})

	// API 路由
	api := r.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.POST("/upload", s.limiter.middleware(), s.handleUploadGrant) // 签发上传授权
		api.POST("/generate", s.handleGenerate)                          // 转写
		api.GET("/runs", s.handleListRuns)                               // 转写记录
		api.GET("/runs/:run_id", s.handleGetRun)
	}

	// 临时对象存储
	blobs := r.Group("/blob")
	{
		blobs.PUT("/*pathname", s.handlePutBlob)
		blobs.GET("/*pathname", s.handleGetBlob)
		blobs.HEAD("/*pathname", s.handleGetBlob)
		blobs.DELETE("/*pathname", s.handleDeleteBlob)
	}

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	return r
}

// requestLogger 请求日志，附带请求 ID
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()

		status := c.Writer.Status()
		event := s.logger.Info()
		if status >= http.StatusInternalServerError {
			event = s.logger.Error()
		} else if status >= http.StatusBadRequest {
			event = s.logger.Warn()
		}
		event.
			Str("request_id", requestID).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Str("client_ip", c.ClientIP()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

// requestLog 带请求 ID 的日志器
func (s *Server) requestLog(c *gin.Context) *zerolog.Logger {
	logger := s.logger.With().Str("request_id", c.GetString("request_id")).Logger()
	return &logger
}

// handlePing 健康检查
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
		"version": Version,
	})
}
