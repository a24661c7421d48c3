package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/z-wentao/subflow/pkg/models"
)

const runIndexKey = "subflow:runs:index"

// RedisRunStore Redis 转写记录存储
// 记录按 TTL 过期，索引用 Sorted Set（score 为创建时间）
type RedisRunStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRunStore 创建 Redis 记录存储
func NewRedisRunStore(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisRunStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}

	return NewRedisRunStoreWithClient(client, ttl), nil
}

// NewRedisRunStoreWithClient 使用已有的客户端
func NewRedisRunStoreWithClient(client *redis.Client, ttl time.Duration) *RedisRunStore {
	return &RedisRunStore{client: client, ttl: ttl}
}

// runKey 格式: "subflow:run:{runID}"
func runKey(runID string) string {
	return fmt.Sprintf("subflow:run:%s", runID)
}

// Save 保存记录到 Redis，设置过期时间
func (s *RedisRunStore) Save(ctx context.Context, run *models.RunRecord) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("序列化记录失败: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, runKey(run.RunID), data, s.ttl)
	pipe.ZAdd(ctx, runIndexKey, redis.Z{
		Score:  float64(run.CreatedAt.UnixMilli()),
		Member: run.RunID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("保存到 Redis 失败: %w", err)
	}
	return nil
}

// Get 从 Redis 获取记录
func (s *RedisRunStore) Get(ctx context.Context, runID string) (*models.RunRecord, error) {
	data, err := s.client.Get(ctx, runKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("从 Redis 获取失败: %w", err)
	}

	var run models.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("反序列化记录失败: %w", err)
	}
	return &run, nil
}

// Update 读取-修改-写回
// 同一条记录只会被一个请求更新，这里不做乐观锁
func (s *RedisRunStore) Update(ctx context.Context, runID string, updateFn func(*models.RunRecord)) error {
	run, err := s.Get(ctx, runID)
	if err != nil {
		return err
	}

	updateFn(run)
	return s.Save(ctx, run)
}

// List 按时间倒序列出记录，顺便清理索引中已过期的条目
func (s *RedisRunStore) List(ctx context.Context, limit int) ([]*models.RunRecord, error) {
	limit = normalizeLimit(limit)

	runIDs, err := s.client.ZRevRange(ctx, runIndexKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("获取记录索引失败: %w", err)
	}

	runs := make([]*models.RunRecord, 0, len(runIDs))
	for _, runID := range runIDs {
		run, err := s.Get(ctx, runID)
		if errors.Is(err, ErrRunNotFound) {
			s.client.ZRem(ctx, runIndexKey, runID)
			continue
		}
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// Close 关闭 Redis 连接
func (s *RedisRunStore) Close() error {
	return s.client.Close()
}
