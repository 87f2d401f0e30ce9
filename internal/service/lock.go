package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrProjectLocked 另一个进程正在同步该项目
var ErrProjectLocked = errors.New("project sync already running")

// DefaultLockTTL 同步锁过期时间，进程崩溃后锁自动释放
const DefaultLockTTL = 30 * time.Minute

// Locker 项目级互斥锁
type Locker interface {
	// Acquire 成功时返回释放函数；已被占用时 ok 为 false
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(ctx context.Context), ok bool, err error)
}

// 只删除自己持有的锁
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisLocker 基于 SETNX 的锁
type RedisLocker struct {
	client redis.Cmdable
	logger *zap.Logger
}

func NewRedisLocker(client redis.Cmdable, logger *zap.Logger) *RedisLocker {
	return &RedisLocker{client: client, logger: logger}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(ctx context.Context), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) {
		if err := l.client.Eval(ctx, releaseScript, []string{key}, token).Err(); err != nil && err != redis.Nil {
			l.logger.Warn("Failed to release sync lock", zap.String("key", key), zap.Error(err))
		}
	}
	return release, true, nil
}

func projectLockKey(projectID int64) string {
	return "rome-sync:lock:project:" + strconv.FormatInt(projectID, 10)
}
