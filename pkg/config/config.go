package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// MaxFileSize 单个媒体文件上限 50 MiB
const MaxFileSize int64 = 50 * 1024 * 1024

// Config 应用配置
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	OpenAI      OpenAIConfig      `yaml:"openai"`
	Transcriber TranscriberConfig `yaml:"transcriber"`
	Blob        BlobConfig        `yaml:"blob"`
	Index       IndexConfig       `yaml:"index"`
	Queue       QueueConfig       `yaml:"queue"`
	History     HistoryConfig     `yaml:"history"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port          int     `yaml:"port"`
	PublicURL     string  `yaml:"public_url"`      // 对外地址，用于生成签名上传/下载链接
	MaxUploadSize int64   `yaml:"max_upload_size"` // 字节
	GrantRate     float64 `yaml:"grant_rate"`      // 每个 IP 每秒允许的授权请求数
	GrantBurst    int     `yaml:"grant_burst"`
}

// OpenAIConfig OpenAI 配置
type OpenAIConfig struct {
	APIKey             string `yaml:"api_key"`
	BaseURL            string `yaml:"base_url"`
	Model              string `yaml:"model"`
	TranscriptionModel string `yaml:"transcription_model"`
}

// TranscriberConfig 转写配置
type TranscriberConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"` // AI 调用的硬超时
}

// Timeout AI 调用超时
func (t TranscriberConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// BlobConfig 临时对象存储配置
type BlobConfig struct {
	Dir                 string   `yaml:"dir"`
	SigningSecret       string   `yaml:"signing_secret"`
	GrantTTLSeconds     int      `yaml:"grant_ttl_seconds"`  // 上传授权有效期
	ObjectTTLSeconds    int      `yaml:"object_ttl_seconds"` // 临时对象最长保留时间
	SweepSeconds        int      `yaml:"sweep_seconds"`      // 过期清理间隔
	AllowedContentTypes []string `yaml:"allowed_content_types"`
}

// IndexConfig 对象元数据索引配置
type IndexConfig struct {
	Type  string      `yaml:"type"` // memory | redis
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QueueConfig 删除任务队列配置
type QueueConfig struct {
	Type       string         `yaml:"type"` // memory | rabbitmq
	BufferSize int            `yaml:"buffer_size"`
	RabbitMQ   RabbitMQConfig `yaml:"rabbitmq"`
}

// RabbitMQConfig RabbitMQ 配置
type RabbitMQConfig struct {
	URL       string `yaml:"url"`
	QueueName string `yaml:"queue_name"`
	Prefetch  int    `yaml:"prefetch"`
}

// HistoryConfig 转写记录存储配置
type HistoryConfig struct {
	Type           string      `yaml:"type"` // memory | redis | postgres
	Postgres       string      `yaml:"postgres_dsn"`
	Redis          RedisConfig `yaml:"redis"`
	RetentionHours int         `yaml:"retention_hours"`
}

// Retention Redis 中记录的保留时间
func (h HistoryConfig) Retention() time.Duration {
	return time.Duration(h.RetentionHours) * time.Hour
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

// LoadConfig 加载配置文件
// 文件不存在时使用默认值，环境变量优先于文件
func LoadConfig(configPath string) (*Config, error) {
	var config Config

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
	case os.IsNotExist(err):
		// 没有配置文件也能启动
	default:
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &config, nil
}

// applyEnv 环境变量覆盖
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" {
		c.OpenAI.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("SUBFLOW_SIGNING_SECRET")); v != "" {
		c.Blob.SigningSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("SUBFLOW_PUBLIC_URL")); v != "" {
		c.Server.PublicURL = v
	}
}

// HasAPIKey 是否配置了 OpenAI API Key
// 缺少 Key 不阻止启动，转写接口会返回 500
func (c *Config) HasAPIKey() bool {
	key := strings.TrimSpace(c.OpenAI.APIKey)
	return key != "" && key != "your-openai-api-key-here"
}

// Validate 验证配置并补全默认值
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		c.Server.Port = 8080
	}
	if c.Server.PublicURL == "" {
		c.Server.PublicURL = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}
	c.Server.PublicURL = strings.TrimRight(c.Server.PublicURL, "/")
	if c.Server.MaxUploadSize <= 0 || c.Server.MaxUploadSize > MaxFileSize {
		c.Server.MaxUploadSize = MaxFileSize
	}
	if c.Server.GrantRate <= 0 {
		c.Server.GrantRate = 2
	}
	if c.Server.GrantBurst <= 0 {
		c.Server.GrantBurst = 10
	}

	if c.OpenAI.Model == "" {
		c.OpenAI.Model = "gpt-4o-mini"
	}
	if c.OpenAI.TranscriptionModel == "" {
		c.OpenAI.TranscriptionModel = "whisper-1"
	}

	if c.Transcriber.TimeoutSeconds <= 0 {
		c.Transcriber.TimeoutSeconds = 300 // 5 分钟
	}

	if c.Blob.Dir == "" {
		c.Blob.Dir = "blobs"
	}
	if len(c.Blob.SigningSecret) < 16 {
		return fmt.Errorf("blob.signing_secret 至少 16 个字符（或设置 SUBFLOW_SIGNING_SECRET）")
	}
	if c.Blob.GrantTTLSeconds <= 0 {
		c.Blob.GrantTTLSeconds = 3600
	}
	if c.Blob.ObjectTTLSeconds <= 0 {
		c.Blob.ObjectTTLSeconds = 3600
	}
	if c.Blob.SweepSeconds <= 0 {
		c.Blob.SweepSeconds = 300
	}
	if len(c.Blob.AllowedContentTypes) == 0 {
		c.Blob.AllowedContentTypes = []string{"audio/*", "video/*"}
	}

	switch c.Index.Type {
	case "":
		c.Index.Type = "memory"
	case "memory":
	case "redis":
		if c.Index.Redis.Addr == "" {
			c.Index.Redis.Addr = "localhost:6379"
		}
	default:
		return fmt.Errorf("不支持的索引类型: %s", c.Index.Type)
	}

	switch c.Queue.Type {
	case "":
		c.Queue.Type = "memory"
	case "memory", "rabbitmq":
	default:
		return fmt.Errorf("不支持的队列类型: %s", c.Queue.Type)
	}
	if c.Queue.BufferSize <= 0 {
		c.Queue.BufferSize = 100
	}
	if c.Queue.Type == "rabbitmq" {
		if c.Queue.RabbitMQ.URL == "" {
			return fmt.Errorf("queue.rabbitmq.url 不能为空")
		}
		if c.Queue.RabbitMQ.QueueName == "" {
			c.Queue.RabbitMQ.QueueName = "subflow.blob.delete"
		}
		if c.Queue.RabbitMQ.Prefetch <= 0 {
			c.Queue.RabbitMQ.Prefetch = 3
		}
	}

	switch c.History.Type {
	case "":
		c.History.Type = "memory"
	case "memory":
	case "redis":
		if c.History.Redis.Addr == "" {
			c.History.Redis = c.Index.Redis
		}
		if c.History.Redis.Addr == "" {
			c.History.Redis.Addr = "localhost:6379"
		}
		if c.History.RetentionHours <= 0 {
			c.History.RetentionHours = 7 * 24
		}
	case "postgres":
		if c.History.Postgres == "" {
			return fmt.Errorf("history.postgres_dsn 不能为空")
		}
	default:
		return fmt.Errorf("不支持的记录存储类型: %s", c.History.Type)
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	return nil
}
