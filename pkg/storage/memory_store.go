package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/z-wentao/subflow/pkg/models"
)

// MemoryRunStore 转写记录存储（内存实现）
// 存取都复制一份，调用方拿到的记录不会和存储共享
type MemoryRunStore struct {
	runs map[string]*models.RunRecord
	mu   sync.RWMutex
}

// NewMemoryRunStore 创建内存存储
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{
		runs: make(map[string]*models.RunRecord),
	}
}

// Save 保存记录
func (s *MemoryRunStore) Save(_ context.Context, run *models.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *run
	s.runs[run.RunID] = &cp
	return nil
}

// Get 获取记录
func (s *MemoryRunStore) Get(_ context.Context, runID string) (*models.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.runs[runID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	cp := *run
	return &cp, nil
}

// Update 更新记录
func (s *MemoryRunStore) Update(_ context.Context, runID string, updateFn func(*models.RunRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, exists := s.runs[runID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	updateFn(run)
	return nil
}

// List 列出最近的记录
func (s *MemoryRunStore) List(_ context.Context, limit int) ([]*models.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]*models.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		cp := *run
		runs = append(runs, &cp)
	}

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].RunID > runs[j].RunID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})

	if limit = normalizeLimit(limit); len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// Close 内存存储无需关闭
func (s *MemoryRunStore) Close() error {
	return nil
}
