package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStoreConfig 描述 Redis 幂等存储的连接参数。
type RedisStoreConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore 基于 Redis SET NX PX 实现跨实例的幂等防线。
// 多个服务实例共享同一键空间时，首个 SETNX 成功者获得执行权。
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore 创建 Redis 幂等存储。
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "agentpay:idem:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + key
}

// Begin 通过 SETNX 抢占首次执行权。抢占失败时读回已有记录。
func (s *RedisStore) Begin(ctx context.Context, key, requestHash string, ttl time.Duration) (*Record, bool, error) {
	now := time.Now()
	rec := &Record{
		Key:         key,
		RequestHash: requestHash,
		Status:      StatusProcessing,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, false, fmt.Errorf("编码幂等记录失败: %w", err)
	}
	created, err := s.client.SetNX(ctx, s.redisKey(key), payload, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("Redis 写入幂等记录失败: %w", err)
	}
	if created {
		return rec, true, nil
	}
	existing, err := s.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Update 覆盖记录内容，TTL 保持首次写入时的剩余时长。
func (s *RedisStore) Update(ctx context.Context, rec *Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("编码幂等记录失败: %w", err)
	}
	ok, err := s.client.SetXX(ctx, s.redisKey(rec.Key), payload, redis.KeepTTL).Result()
	if err != nil {
		return fmt.Errorf("Redis 更新幂等记录失败: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Get 读取幂等记录。
func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	payload, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("Redis 读取幂等记录失败: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("解析幂等记录失败: %w", err)
	}
	return &rec, nil
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
