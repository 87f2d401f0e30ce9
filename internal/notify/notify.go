// Package notify 项目同步完成后的事件通知。
package notify

import (
	"context"
	"fmt"
	"strconv"
	"time"

	rediscommon "rome-sync/common/redis"

	"github.com/go-redis/redis/v8"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// 通知方式
const (
	ModeNone  = "none"
	ModeRedis = "redis"
	ModeMQTT  = "mqtt"
)

// FeedCounts 单个数据源在一次项目同步中的处理计数
type FeedCounts struct {
	Fetched int `json:"fetched"`
	Stored  int `json:"stored"`
	Skipped int `json:"skipped"`
}

// SyncEvent 一个项目同步结束时发布的事件
type SyncEvent struct {
	RunID      string                `json:"run_id"`
	ProjectID  int64                 `json:"project_id"`
	Status     string                `json:"status"`
	Counts     map[string]FeedCounts `json:"counts"`
	Error      string                `json:"error,omitempty"`
	FinishedAt time.Time             `json:"finished_at"`
}

// Notifier 同步事件发布者
type Notifier interface {
	Notify(ctx context.Context, event *SyncEvent) error
}

// Nop 不发布任何事件
type Nop struct{}

func (Nop) Notify(context.Context, *SyncEvent) error { return nil }

// RedisNotifier 以 XADD 写入 Redis Stream
type RedisNotifier struct {
	client redis.Cmdable
	stream string
}

func NewRedisNotifier(client redis.Cmdable, stream string) *RedisNotifier {
	return &RedisNotifier{client: client, stream: stream}
}

func (n *RedisNotifier) Notify(ctx context.Context, event *SyncEvent) error {
	if _, err := rediscommon.PublishJSONToStream(ctx, n.client, n.stream, event); err != nil {
		return fmt.Errorf("failed to publish sync event to stream %s: %w", n.stream, err)
	}
	return nil
}

// Publisher MQTT 发布接口（common/mqtt.Client 实现）
type Publisher interface {
	Publish(topic string, retained bool, payload []byte) error
}

// MQTTNotifier 发布到 <topic>/<project_id>
type MQTTNotifier struct {
	publisher Publisher
	topic     string
}

func NewMQTTNotifier(publisher Publisher, topic string) *MQTTNotifier {
	return &MQTTNotifier{publisher: publisher, topic: topic}
}

func (n *MQTTNotifier) Notify(_ context.Context, event *SyncEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode sync event: %w", err)
	}
	return n.publisher.Publish(Topic(n.topic, event.ProjectID), false, payload)
}

// Topic 项目级主题
func Topic(base string, projectID int64) string {
	return base + "/" + strconv.FormatInt(projectID, 10)
}

// Logged 包装 Notifier：发布失败只记录日志，不影响同步结果
type Logged struct {
	next   Notifier
	logger *zap.Logger
}

func NewLogged(next Notifier, logger *zap.Logger) *Logged {
	if next == nil {
		next = Nop{}
	}
	return &Logged{next: next, logger: logger}
}

func (l *Logged) Notify(ctx context.Context, event *SyncEvent) error {
	if err := l.next.Notify(ctx, event); err != nil {
		l.logger.Warn("Failed to publish sync event",
			zap.String("run_id", event.RunID),
			zap.Int64("project_id", event.ProjectID),
			zap.Error(err),
		)
	}
	return nil
}
