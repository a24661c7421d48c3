package transcriber

import "context"

// Transcriber AI 转写能力
// 返回模型输出的原始 JSON 文本（segment 数组），由调用方负责校验
type Transcriber interface {
	Transcribe(ctx context.Context, req ModelRequest) (string, error)
}

// Func 函数适配器
type Func func(ctx context.Context, req ModelRequest) (string, error)

func (f Func) Transcribe(ctx context.Context, req ModelRequest) (string, error) {
	return f(ctx, req)
}
