package subtitle

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrEmpty 模型返回了空数组
	ErrEmpty = errors.New("转写结果为空")
	// ErrMalformed 模型返回的内容无法解析或字段不完整
	ErrMalformed = errors.New("转写结果格式错误")
)

// Segment 一条带时间戳的字幕
// 时间戳格式固定为 HH:MM:SS,mmm
type Segment struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Text  string `json:"text"`
}

// Document 有序的字幕列表，生成后不再修改
type Document struct {
	Segments []Segment `json:"segments"`
}

// Len 字幕条数
func (d Document) Len() int {
	return len(d.Segments)
}

// ParseTimestamp 解析 HH:MM:SS,mmm 格式的时间戳
// 例如: 00:01:05,500 -> 65.5s
func ParseTimestamp(value string) (time.Duration, error) {
	// 固定 12 个字符: 2+1+2+1+2+1+3
	if len(value) != 12 || value[2] != ':' || value[5] != ':' || value[8] != ',' {
		return 0, fmt.Errorf("时间戳格式错误 %q", value)
	}

	fields := []string{value[0:2], value[3:5], value[6:8], value[9:12]}
	nums := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 || strings.ContainsAny(f, "+-") {
			return 0, fmt.Errorf("时间戳格式错误 %q", value)
		}
		nums[i] = n
	}
	if nums[1] > 59 || nums[2] > 59 {
		return 0, fmt.Errorf("时间戳超出范围 %q", value)
	}

	return time.Duration(nums[0])*time.Hour +
		time.Duration(nums[1])*time.Minute +
		time.Duration(nums[2])*time.Second +
		time.Duration(nums[3])*time.Millisecond, nil
}

// FormatTimestamp 将时长格式化为 SRT 时间戳
// 例如: 65.5s -> 00:01:05,500
func FormatTimestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	hours := ms / 3_600_000
	minutes := (ms % 3_600_000) / 60_000
	secs := (ms % 60_000) / 1000
	millis := ms % 1000

	return fmt.Sprintf("%02d:%02d:%02d,%03d", hours, minutes, secs, millis)
}

// Validate 检查单条字幕：时间戳合法、start < end、文本非空
func (s Segment) Validate() error {
	start, err := ParseTimestamp(s.Start)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	end, err := ParseTimestamp(s.End)
	if err != nil {
		return fmt.Errorf("end: %w", err)
	}
	if start >= end {
		return fmt.Errorf("start %s 不早于 end %s", s.Start, s.End)
	}
	if strings.TrimSpace(s.Text) == "" {
		return fmt.Errorf("文本为空")
	}
	return nil
}

// Validate 检查整份字幕，空列表视为失败
func Validate(segments []Segment) error {
	if len(segments) == 0 {
		return ErrEmpty
	}
	for i, seg := range segments {
		if err := seg.Validate(); err != nil {
			return fmt.Errorf("%w: 第 %d 条: %v", ErrMalformed, i+1, err)
		}
	}
	return nil
}

// OrderIssue 顺序或重叠问题
type OrderIssue struct {
	Index  int // 出问题的那一条（从 1 开始）
	Reason string
}

// CheckOrder 报告乱序和重叠的相邻字幕，不做任何修正
// 调用方只记录警告，字幕保持模型返回的顺序
func CheckOrder(doc Document) []OrderIssue {
	var issues []OrderIssue
	for i := 1; i < len(doc.Segments); i++ {
		prev, cur := doc.Segments[i-1], doc.Segments[i]
		prevStart, err1 := ParseTimestamp(prev.Start)
		prevEnd, err2 := ParseTimestamp(prev.End)
		curStart, err3 := ParseTimestamp(cur.Start)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		switch {
		case curStart < prevStart:
			issues = append(issues, OrderIssue{Index: i + 1, Reason: "out_of_order"})
		case curStart < prevEnd:
			issues = append(issues, OrderIssue{Index: i + 1, Reason: "overlap"})
		}
	}
	return issues
}
