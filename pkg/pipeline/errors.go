package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/z-wentao/subflow/pkg/gateway"
	"github.com/z-wentao/subflow/pkg/subtitle"
	"github.com/z-wentao/subflow/pkg/transcriber"
)

// Kind 错误分类
type Kind string

const (
	KindUnknown                       Kind = "unknown"
	KindFileTooLarge                  Kind = "file_too_large"
	KindUnauthorizedContentType       Kind = "unauthorized_content_type"
	KindUploadTransport               Kind = "upload_transport"
	KindMissingServerCredential       Kind = "missing_server_credential"
	KindMissingRequestField           Kind = "missing_request_field"
	KindTranscriptionEmptyOrMalformed Kind = "transcription_empty_or_malformed"
	KindAICallFailure                 Kind = "ai_call_failure"
)

// Stage 出错的阶段
type Stage string

const (
	StageSelect     Stage = "select"
	StageGrant      Stage = "grant"
	StageUpload     Stage = "upload"
	StageBuild      Stage = "build"
	StageTranscribe Stage = "transcribe"
	StageParse      Stage = "parse"
)

// Error 带分类和阶段信息的错误
type Error struct {
	Kind    Kind   `json:"kind"`
	Stage   Stage  `json:"stage,omitempty"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// 用于 errors.Is 按分类匹配
var (
	ErrFileTooLarge                  = &Error{Kind: KindFileTooLarge}
	ErrUnauthorizedContentType       = &Error{Kind: KindUnauthorizedContentType}
	ErrUploadTransport               = &Error{Kind: KindUploadTransport}
	ErrMissingServerCredential       = &Error{Kind: KindMissingServerCredential}
	ErrMissingRequestField           = &Error{Kind: KindMissingRequestField}
	ErrTranscriptionEmptyOrMalformed = &Error{Kind: KindTranscriptionEmptyOrMalformed}
	ErrAICallFailure                 = &Error{Kind: KindAICallFailure}
)

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Stage != "" {
		msg = fmt.Sprintf("%s: %s", e.Stage, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 同一分类即视为匹配
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Detail 底层错误信息，没有时退回 Message
func (e *Error) Detail() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// UserMessage 面向用户的统一提示
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindFileTooLarge:
		return "File is too large. Please select a file smaller than 50MB."
	case KindUnauthorizedContentType, KindUploadTransport:
		return fmt.Sprintf("Failed to upload file. Please try again. (%s)", e.Detail())
	case KindTranscriptionEmptyOrMalformed:
		return "Transcription failed or returned no content. The AI may not have been able to process this file."
	case KindAICallFailure, KindMissingServerCredential, KindMissingRequestField:
		return fmt.Sprintf("Failed to generate transcription. Please try again. (%s)", e.Detail())
	default:
		return "An unknown error occurred."
	}
}

// ErrUndelivered 转写请求没有得到服务端响应，对象由客户端删除
var ErrUndelivered = errors.New("转写请求未送达服务端")

// KindOf 返回错误分类，非 *Error 返回 KindUnknown
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// classify 把各组件的错误归类
func classify(stage Stage, err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		if e.Stage == "" {
			cp := *e
			cp.Stage = stage
			return &cp
		}
		return e
	}

	kind := KindUnknown
	message := "处理失败"
	switch {
	case errors.Is(err, gateway.ErrUnauthorizedContentType):
		kind, message = KindUnauthorizedContentType, "文件类型不被允许"
	case errors.Is(err, gateway.ErrUploadTransport):
		kind, message = KindUploadTransport, "上传失败"
	case errors.Is(err, transcriber.ErrMissingMedia):
		kind, message = KindMissingRequestField, "请求缺少必要字段"
	case errors.Is(err, subtitle.ErrEmpty), errors.Is(err, subtitle.ErrMalformed):
		kind, message = KindTranscriptionEmptyOrMalformed, "转写结果为空或格式错误"
	case stage == StageTranscribe && errors.Is(err, context.DeadlineExceeded):
		kind, message = KindAICallFailure, "转写超时"
	case stage == StageGrant || stage == StageUpload:
		kind, message = KindUploadTransport, "上传失败"
	case stage == StageTranscribe:
		kind, message = KindAICallFailure, "调用转写服务失败"
	}

	return &Error{Kind: kind, Stage: stage, Message: message, Err: err}
}
