package models

import "time"

type RunStatus string

const (
	RunProcessing RunStatus = "processing"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
)

// RunRecord 一次转写调用的记录
type RunRecord struct {
	RunID        string    `json:"run_id"`
	Pathname     string    `json:"pathname"`
	MimeType     string    `json:"mime_type"`
	Status       RunStatus `json:"status"`
	SegmentCount int       `json:"segment_count"`
	Error        string    `json:"error,omitempty"`
	Details      string    `json:"details,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	CompletedAt  time.Time `json:"completed_at"`
}

// Finished 是否已结束（成功或失败）
func (r *RunRecord) Finished() bool {
	return r.Status == RunCompleted || r.Status == RunFailed
}
