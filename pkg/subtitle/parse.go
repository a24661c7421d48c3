package subtitle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// rawSegment 用指针区分"缺失"与"空字符串"
type rawSegment struct {
	Start *string `json:"start"`
	End   *string `json:"end"`
	Text  *string `json:"text"`
}

// ParseResponse 解析模型返回的 JSON 数组并校验
// 解析失败、缺字段、多余字段都算 ErrMalformed；空数组算 ErrEmpty
func ParseResponse(raw []byte) (Document, error) {
	payload := stripCodeFence(raw)
	if len(payload) == 0 {
		return Document{}, fmt.Errorf("%w: 响应为空", ErrMalformed)
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()

	var items []rawSegment
	if err := dec.Decode(&items); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return Document{}, fmt.Errorf("%w: 数组之后还有多余内容", ErrMalformed)
	}
	if len(items) == 0 {
		return Document{}, ErrEmpty
	}

	segments := make([]Segment, 0, len(items))
	for i, item := range items {
		if item.Start == nil || item.End == nil || item.Text == nil {
			return Document{}, fmt.Errorf("%w: 第 %d 条缺少 start/end/text", ErrMalformed, i+1)
		}
		segments = append(segments, Segment{
			Start: strings.TrimSpace(*item.Start),
			End:   strings.TrimSpace(*item.End),
			Text:  strings.TrimSpace(*item.Text),
		})
	}

	if err := Validate(segments); err != nil {
		return Document{}, err
	}
	return Document{Segments: segments}, nil
}

// stripCodeFence 去掉模型偶尔加上的 ```json 代码块
func stripCodeFence(raw []byte) []byte {
	s := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(s, "```") {
		return []byte(s)
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return []byte(strings.TrimSpace(s))
}
