package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"rome-sync/common/config"
	"rome-sync/internal/notify"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ConfigFileEnv 可选 YAML 配置文件路径；文件中的键与环境变量同名（小写），环境变量优先
const ConfigFileEnv = "ROME_SYNC_CONFIG"

// Config 同步服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig
	Feed     config.FeedConfig

	Sync struct {
		BatchSize   int
		Timezone    string
		Location    *time.Location
		LockEnabled bool // 需要 Redis
		LockTTL     time.Duration
	}

	// Notify 同步事件通知：none、redis 或 mqtt
	Notify struct {
		Mode   string
		Stream string
		Topic  string
	}

	Metrics struct {
		Addr string // 为空时不启动 /metrics 服务
	}

	Log struct {
		Level  string
		Format string
		Output string
	}
}

// Load 加载配置：默认值 < YAML 文件 < 环境变量
func Load() (*Config, error) {
	k := koanf.New(".")
	if path := os.Getenv(ConfigFileEnv); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider("", ".", strings.ToLower), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}
	src := source{k: k}

	cfg := &Config{}

	cfg.Database.Host = src.getEnv("DB_HOST", "localhost")
	cfg.Database.Port = src.getEnvInt("DB_PORT", 5432)
	cfg.Database.User = src.getEnv("DB_USER", "postgres")
	cfg.Database.Password = src.getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = src.getEnv("DB_NAME", "rome")
	cfg.Database.SSLMode = src.getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = src.getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = src.getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = src.getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = src.getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = src.getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = src.getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = src.getEnv("MQTT_CLIENT_ID", "rome-sync")
	cfg.MQTT.Username = src.getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = src.getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = byte(src.getEnvInt("MQTT_QOS", 1))

	cfg.Feed.BaseURL = strings.TrimRight(src.getEnv("FEED_BASE_URL", "https://api.rome.example.com/v1"), "/")
	for _, key := range []string{"FEED_API_KEY_1", "FEED_API_KEY_2"} {
		if v := src.getEnv(key, ""); v != "" {
			cfg.Feed.APIKeys = append(cfg.Feed.APIKeys, v)
		}
	}
	cfg.Feed.Timeout = src.getEnvDuration("FEED_TIMEOUT", 60*time.Second)
	cfg.Feed.RatePerSec = src.getEnvFloat("FEED_RATE_PER_SEC", 5)
	cfg.Feed.RetryCount = src.getEnvInt("FEED_RETRY_COUNT", 2)

	cfg.Sync.BatchSize = src.getEnvInt("SYNC_BATCH_SIZE", 1000)
	cfg.Sync.Timezone = src.getEnv("SYNC_TIMEZONE", "UTC")
	loc, err := time.LoadLocation(cfg.Sync.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid SYNC_TIMEZONE %q: %w", cfg.Sync.Timezone, err)
	}
	cfg.Sync.Location = loc
	cfg.Sync.LockEnabled = src.getEnv("SYNC_LOCK_ENABLED", "false") == "true"
	cfg.Sync.LockTTL = src.getEnvDuration("SYNC_LOCK_TTL", 30*time.Minute)

	cfg.Notify.Mode = src.getEnv("NOTIFY_MODE", notify.ModeNone)
	switch cfg.Notify.Mode {
	case notify.ModeNone, notify.ModeRedis, notify.ModeMQTT:
	default:
		return nil, fmt.Errorf("unsupported NOTIFY_MODE: %s", cfg.Notify.Mode)
	}
	cfg.Notify.Stream = src.getEnv("NOTIFY_STREAM", "rome:sync:events")
	cfg.Notify.Topic = src.getEnv("NOTIFY_TOPIC", "rome/sync")

	cfg.Metrics.Addr = src.getEnv("METRICS_ADDR", "")

	cfg.Log.Level = src.getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = src.getEnv("LOG_FORMAT", "json")
	cfg.Log.Output = src.getEnv("LOG_OUTPUT", "stdout")

	return cfg, nil
}

// source 按环境变量名读取已合并的配置
type source struct {
	k *koanf.Koanf
}

func (s source) getEnv(key, defaultValue string) string {
	if value := s.k.String(strings.ToLower(key)); value != "" {
		return value
	}
	return defaultValue
}

func (s source) getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(s.getEnv(key, "")); err == nil {
		return v
	}
	return defaultValue
}

func (s source) getEnvFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(s.getEnv(key, ""), 64); err == nil && v > 0 {
		return v
	}
	return defaultValue
}

func (s source) getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(s.getEnv(key, "")); err == nil && v > 0 {
		return v
	}
	return defaultValue
}
