package storage

import (
	"context"
	"errors"

	"github.com/z-wentao/subflow/pkg/models"
)

// ErrRunNotFound 记录不存在
var ErrRunNotFound = errors.New("转写记录不存在")

// RunStore 转写记录存储接口
type RunStore interface {
	// Save 保存记录（已存在则覆盖）
	Save(ctx context.Context, run *models.RunRecord) error

	// Get 获取记录
	Get(ctx context.Context, runID string) (*models.RunRecord, error)

	// Update 更新记录（使用回调函数模式）
	Update(ctx context.Context, runID string, updateFn func(*models.RunRecord)) error

	// List 按创建时间倒序列出最近的记录
	List(ctx context.Context, limit int) ([]*models.RunRecord, error)

	// Close 关闭存储连接
	Close() error
}

const defaultListLimit = 100

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}
