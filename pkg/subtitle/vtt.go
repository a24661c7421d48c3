package subtitle

import (
	"fmt"
	"strings"
)

// SerializeVTT 生成 WebVTT 文本（用于 HTML5 video 播放）
func SerializeVTT(doc Document) string {
	var builder strings.Builder

	// VTT 文件必须以 "WEBVTT" 开头
	builder.WriteString("WEBVTT\n\n")

	for i, seg := range doc.Segments {
		builder.WriteString(fmt.Sprintf("%d\n", i+1))
		builder.WriteString(fmt.Sprintf("%s --> %s\n", toVTTTime(seg.Start), toVTTTime(seg.End)))
		builder.WriteString(fmt.Sprintf("%s\n\n", seg.Text))
	}

	return builder.String()
}

// toVTTTime VTT 使用点号(.)而不是逗号(,)
// 例如: 00:01:05,500 -> 00:01:05.500
func toVTTTime(ts string) string {
	return strings.Replace(ts, ",", ".", 1)
}
