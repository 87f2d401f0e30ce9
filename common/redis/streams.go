package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	json "github.com/goccy/go-json"
)

// StreamValues 将任意值转换为 Redis Streams 字段（全部为字符串）
func StreamValues(values map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		var strValue string
		switch val := v.(type) {
		case string:
			strValue = val
		case []byte:
			strValue = string(val)
		case int:
			strValue = strconv.Itoa(val)
		case int64:
			strValue = strconv.FormatInt(val, 10)
		case float64:
			strValue = fmt.Sprintf("%f", val)
		case bool:
			strValue = strconv.FormatBool(val)
		default:
			jsonBytes, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			strValue = string(jsonBytes)
		}
		out[k] = strValue
	}
	return out, nil
}

// PublishToStream 发布消息到 Redis Streams
func PublishToStream(ctx context.Context, client redis.Cmdable, stream string, values map[string]interface{}) (string, error) {
	streamValues, err := StreamValues(values)
	if err != nil {
		return "", err
	}

	return client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: streamValues,
	}).Result()
}

// PublishJSONToStream 发布 JSON 消息到 Redis Streams
func PublishJSONToStream(ctx context.Context, client redis.Cmdable, stream string, data interface{}) (string, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return "", err
	}

	return PublishToStream(ctx, client, stream, map[string]interface{}{
		"data":      string(jsonBytes),
		"timestamp": time.Now().Unix(),
	})
}
