package subtitle

import (
	"fmt"
	"strings"
)

// Format 输出格式
type Format string

const (
	FormatSRT Format = "srt"
	FormatVTT Format = "vtt"
)

// ParseFormat 解析命令行/请求中的格式名
func ParseFormat(name string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(name))) {
	case "", FormatSRT:
		return FormatSRT, nil
	case FormatVTT:
		return FormatVTT, nil
	default:
		return "", fmt.Errorf("不支持的字幕格式: %s", name)
	}
}

// Extension 文件扩展名
func (f Format) Extension() string {
	if f == FormatVTT {
		return ".vtt"
	}
	return ".srt"
}

// ContentType 下载时使用的 MIME
func (f Format) ContentType() string {
	if f == FormatVTT {
		return "text/vtt;charset=utf-8"
	}
	return "text/plain;charset=utf-8"
}

// Serialize 按格式序列化
func Serialize(doc Document, format Format) string {
	if format == FormatVTT {
		return SerializeVTT(doc)
	}
	return SerializeSRT(doc)
}

// SerializeSRT 生成 SRT 文本
// 输入假定已经通过 Validate，这里不再重新格式化时间戳
func SerializeSRT(doc Document) string {
	var builder strings.Builder

	for i, seg := range doc.Segments {
		// 1
		// 00:00:00,000 --> 00:00:05,200
		// 字幕文本
		//
		builder.WriteString(fmt.Sprintf("%d\n", i+1))
		builder.WriteString(fmt.Sprintf("%s --> %s\n", seg.Start, seg.End))
		builder.WriteString(fmt.Sprintf("%s\n\n", seg.Text))
	}

	return builder.String()
}
