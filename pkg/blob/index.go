package blob

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/z-wentao/subflow/pkg/models"
)

var ErrNotFound = errors.New("对象不存在")

// Index 临时对象元数据索引
type Index interface {
	// Put 记录对象
	Put(ctx context.Context, meta models.ObjectMeta) error

	// Get 获取对象元数据
	Get(ctx context.Context, pathname string) (models.ObjectMeta, error)

	// Delete 删除记录（不存在时不报错）
	Delete(ctx context.Context, pathname string) error

	// Expired 列出在 before 之前过期的对象
	Expired(ctx context.Context, before time.Time) ([]string, error)

	// Close 关闭连接
	Close() error
}

// MemoryIndex 内存索引（单实例部署）
type MemoryIndex struct {
	objects map[string]models.ObjectMeta
	mu      sync.RWMutex
}

// NewMemoryIndex 创建内存索引
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		objects: make(map[string]models.ObjectMeta),
	}
}

func (m *MemoryIndex) Put(_ context.Context, meta models.ObjectMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.objects[meta.Pathname] = meta
	return nil
}

func (m *MemoryIndex) Get(_ context.Context, pathname string) (models.ObjectMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	meta, ok := m.objects[pathname]
	if !ok {
		return models.ObjectMeta{}, ErrNotFound
	}
	return meta, nil
}

func (m *MemoryIndex) Delete(_ context.Context, pathname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.objects, pathname)
	return nil
}

func (m *MemoryIndex) Expired(_ context.Context, before time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	for name, meta := range m.objects {
		if !meta.ExpiresAt.After(before) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Close 内存索引无需关闭
func (m *MemoryIndex) Close() error {
	return nil
}
