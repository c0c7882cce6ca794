package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDeduperConfig 描述 Redis 去重原语的连接参数。
type RedisDeduperConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisDeduper 用 SET NX PX 实现跨进程的引用占位。短 TTL 只为挡住
// 并发窗口内的重复校验，持久化唯一性由 RefStore 兜底。
type RedisDeduper struct {
	client *redis.Client
	prefix string
}

var _ Deduper = (*RedisDeduper)(nil)

// NewRedisDeduper 创建 Redis 去重原语。
func NewRedisDeduper(cfg RedisDeduperConfig) (*RedisDeduper, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "agentpay:txref:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisDeduper{client: client, prefix: prefix}, nil
}

// TryClaim 尝试为订单占住引用。占位已存在时返回当前持有者。
func (d *RedisDeduper) TryClaim(ctx context.Context, txRef, orderID string, ttl time.Duration) (string, bool, error) {
	key := d.prefix + txRef
	claimed, err := d.client.SetNX(ctx, key, orderID, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("Redis 占位失败: %w", err)
	}
	if claimed {
		return orderID, true, nil
	}
	owner, err := d.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// 占位在读取前过期，按未占用处理，交给持久化兜底。
			return "", true, nil
		}
		return "", false, fmt.Errorf("Redis 读取占位失败: %w", err)
	}
	return owner, owner == orderID, nil
}

// Close 关闭 Redis 连接。
func (d *RedisDeduper) Close() error {
	if d == nil || d.client == nil {
		return nil
	}
	return d.client.Close()
}
