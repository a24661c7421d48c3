package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/z-wentao/subflow/pkg/models"
)

const (
	redisKeyPrefix = "subflow:blob:"
	redisExpiryKey = "subflow:blob:expiry"
	// 元数据比对象本身多保留一段时间，保证清理任务能看到它
	redisGrace = 24 * time.Hour
)

// RedisIndex Redis 元数据索引
// 多实例部署时共享同一份临时对象视图
type RedisIndex struct {
	client *redis.Client
}

// NewRedisIndex 连接 Redis 并创建索引
func NewRedisIndex(ctx context.Context, addr, password string, db int) (*RedisIndex, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}

	return NewRedisIndexWithClient(client), nil
}

// NewRedisIndexWithClient 使用已有客户端
func NewRedisIndexWithClient(client *redis.Client) *RedisIndex {
	return &RedisIndex{client: client}
}

// getKey 格式: "subflow:blob:{pathname}"
func (ri *RedisIndex) getKey(pathname string) string {
	return redisKeyPrefix + pathname
}

func (ri *RedisIndex) Put(ctx context.Context, meta models.ObjectMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("序列化元数据失败: %w", err)
	}

	ttl := time.Until(meta.ExpiresAt) + redisGrace
	if ttl <= 0 {
		ttl = redisGrace
	}

	// 数据和过期索引一起写入
	pipe := ri.client.TxPipeline()
	pipe.Set(ctx, ri.getKey(meta.Pathname), data, ttl)
	pipe.ZAdd(ctx, redisExpiryKey, redis.Z{
		Score:  float64(meta.ExpiresAt.Unix()),
		Member: meta.Pathname,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("写入 Redis 失败: %w", err)
	}
	return nil
}

func (ri *RedisIndex) Get(ctx context.Context, pathname string) (models.ObjectMeta, error) {
	data, err := ri.client.Get(ctx, ri.getKey(pathname)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.ObjectMeta{}, ErrNotFound
	}
	if err != nil {
		return models.ObjectMeta{}, fmt.Errorf("从 Redis 获取失败: %w", err)
	}

	var meta models.ObjectMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return models.ObjectMeta{}, fmt.Errorf("反序列化元数据失败: %w", err)
	}
	return meta, nil
}

func (ri *RedisIndex) Delete(ctx context.Context, pathname string) error {
	pipe := ri.client.TxPipeline()
	pipe.Del(ctx, ri.getKey(pathname))
	pipe.ZRem(ctx, redisExpiryKey, pathname)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("从 Redis 删除失败: %w", err)
	}
	return nil
}

func (ri *RedisIndex) Expired(ctx context.Context, before time.Time) ([]string, error) {
	names, err := ri.client.ZRangeByScore(ctx, redisExpiryKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(before.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("查询过期对象失败: %w", err)
	}
	return names, nil
}

// Close 关闭 Redis 连接
func (ri *RedisIndex) Close() error {
	return ri.client.Close()
}
