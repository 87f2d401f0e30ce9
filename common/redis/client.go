package redis

import (
	"context"
	"fmt"
	"time"

	"rome-sync/common/config"

	"github.com/go-redis/redis/v8"
)

// Connect 创建 Redis 客户端并在 timeout 内完成一次 PING；失败时关闭客户端
func Connect(ctx context.Context, cfg *config.RedisConfig, timeout time.Duration) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}
