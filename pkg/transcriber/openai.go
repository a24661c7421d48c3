package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
	"github.com/z-wentao/subflow/pkg/subtitle"
)

// 语音识别接口单个文件的上限
const whisperMaxBytes = 25 * 1024 * 1024

// Options OpenAITranscriber 配置
type Options struct {
	APIKey             string
	BaseURL            string // 为空时使用官方地址
	Model              string
	TranscriptionModel string
	MaxMediaBytes      int64
	HTTPClient         *http.Client
}

// OpenAITranscriber 基于 OpenAI 的转写实现
// 先用 Whisper 得到带时间戳的语音片段，再让对话模型按字幕规则重新切分
type OpenAITranscriber struct {
	client     *openai.Client
	httpClient *http.Client
	opts       Options
	logger     zerolog.Logger
}

// NewOpenAITranscriber 创建转写客户端
func NewOpenAITranscriber(opts Options, logger zerolog.Logger) *OpenAITranscriber {
	if opts.Model == "" {
		opts.Model = openai.GPT4oMini
	}
	if opts.TranscriptionModel == "" {
		opts.TranscriptionModel = openai.Whisper1
	}
	if opts.MaxMediaBytes <= 0 || opts.MaxMediaBytes > whisperMaxBytes {
		opts.MaxMediaBytes = whisperMaxBytes
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	cfg.HTTPClient = opts.HTTPClient

	return &OpenAITranscriber{
		client:     openai.NewClientWithConfig(cfg),
		httpClient: opts.HTTPClient,
		opts:       opts,
		logger:     logger.With().Str("component", "transcriber").Logger(),
	}
}

// Transcribe 执行一次转写，返回 segment 数组的原始 JSON
func (t *OpenAITranscriber) Transcribe(ctx context.Context, req ModelRequest) (string, error) {
	start := time.Now()

	// 1. 下载媒体
	data, err := t.fetchMedia(ctx, req.Media.FetchURL())
	if err != nil {
		return "", err
	}

	// 2. 语音识别（verbose_json 带时间戳）
	speech, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    t.opts.TranscriptionModel,
		FilePath: mediaFileName(req.Media.Pathname, req.Media.ContentType),
		Reader:   bytes.NewReader(data),
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return "", fmt.Errorf("语音识别失败: %w", err)
	}

	timed := timedSpeech(speech)
	if timed == "" {
		// 没有识别到语音，交给上层按空结果处理
		t.logger.Warn().Str("pathname", req.Media.Pathname).Msg("⚠️ 未识别到语音")
		return "[]", nil
	}

	t.logger.Debug().
		Str("pathname", req.Media.Pathname).
		Int("speech_segments", len(speech.Segments)).
		Dur("elapsed", time.Since(start)).
		Msg("语音识别完成")

	// 3. 按字幕规则切分（严格 JSON Schema 输出）
	schema := wrapSchema(req.Schema)
	resp, err := t.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       t.opts.Model,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: req.Instruction,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: fmt.Sprintf("Media type: %s\n\nTimed speech:\n%s", req.Media.ContentType, timed),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "subtitle_segments",
				Schema: &schema,
				Strict: true,
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("调用模型失败: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("模型没有返回结果")
	}

	t.logger.Info().
		Str("pathname", req.Media.Pathname).
		Int("prompt_tokens", resp.Usage.PromptTokens).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Dur("elapsed", time.Since(start)).
		Msg("✅ 模型转写完成")

	return unwrapSegments(resp.Choices[0].Message.Content), nil
}

// fetchMedia 下载媒体内容，超过上限直接失败
func (t *OpenAITranscriber) fetchMedia(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("创建下载请求失败: %w", err)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("下载媒体失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("下载媒体失败 (状态码 %d): %s", resp.StatusCode, url)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, t.opts.MaxMediaBytes+1))
	if err != nil {
		return nil, fmt.Errorf("读取媒体失败: %w", err)
	}
	if int64(len(data)) > t.opts.MaxMediaBytes {
		return nil, fmt.Errorf("媒体文件超过语音识别上限 (%d 字节)", t.opts.MaxMediaBytes)
	}
	return data, nil
}

// wrapSchema 接口要求根节点是对象，把数组包进 segments 字段
func wrapSchema(items jsonschema.Definition) jsonschema.Definition {
	return jsonschema.Definition{
		Type: jsonschema.Object,
		Properties: map[string]jsonschema.Definition{
			"segments": items,
		},
		Required:             []string{"segments"},
		AdditionalProperties: false,
	}
}

// unwrapSegments 取出 segments 数组；结构不符时原样返回，交给解析器报错
func unwrapSegments(content string) string {
	var wrapped struct {
		Segments json.RawMessage `json:"segments"`
	}
	if err := json.Unmarshal([]byte(content), &wrapped); err != nil || len(wrapped.Segments) == 0 {
		return content
	}
	return string(wrapped.Segments)
}

// timedSpeech 把识别结果整理成带时间戳的文本
func timedSpeech(resp openai.AudioResponse) string {
	var b strings.Builder
	for _, seg := range resp.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "[%s --> %s] %s\n", seconds(seg.Start), seconds(seg.End), text)
	}

	if b.Len() == 0 {
		if text := strings.TrimSpace(resp.Text); text != "" {
			fmt.Fprintf(&b, "[%s --> %s] %s\n", seconds(0), seconds(resp.Duration), text)
		}
	}
	return b.String()
}

func seconds(s float64) string {
	return subtitle.FormatTimestamp(time.Duration(s * float64(time.Second)))
}

var knownExtensions = map[string]string{
	"audio/mpeg": ".mp3",
	"audio/mp4":  ".m4a",
	"audio/wav":  ".wav",
	"audio/webm": ".webm",
	"audio/ogg":  ".ogg",
	"video/mp4":  ".mp4",
	"video/webm": ".webm",
}

// mediaFileName 语音识别接口按扩展名判断格式
func mediaFileName(pathname, contentType string) string {
	name := path.Base(pathname)
	if name == "." || name == "/" {
		name = "media"
	}
	if filepath.Ext(name) == "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			contentType = mt
		}
		if ext, ok := knownExtensions[contentType]; ok {
			return name + ext
		}
		if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
			name += exts[0]
		}
	}
	return name
}
