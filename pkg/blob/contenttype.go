package blob

import (
	"mime"
	"strings"
)

// NormalizeContentType 去掉参数并转小写
// 例如: "Audio/MPEG; charset=binary" -> "audio/mpeg"
func NormalizeContentType(ct string) string {
	ct = strings.TrimSpace(ct)
	if ct == "" {
		return ""
	}
	if mediaType, _, err := mime.ParseMediaType(ct); err == nil {
		return mediaType
	}
	return strings.ToLower(ct)
}

// MatchContentType 检查 content type 是否在允许列表中
// 支持 "audio/*" 这样的通配
func MatchContentType(ct string, patterns []string) bool {
	ct = NormalizeContentType(ct)
	major, minor, ok := strings.Cut(ct, "/")
	if !ok || major == "" || minor == "" {
		return false
	}

	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == ct || p == "*/*" {
			return true
		}
		if prefix, found := strings.CutSuffix(p, "/*"); found && prefix == major {
			return true
		}
	}
	return false
}
