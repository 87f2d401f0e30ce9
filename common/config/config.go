package config

import (
	"fmt"
	"time"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// FeedConfig 上游遥测数据源配置
// APIKeys 按顺序使用，每个 key 对应一轮完整同步
type FeedConfig struct {
	BaseURL    string
	APIKeys    []string
	Timeout    time.Duration
	RatePerSec float64
	RetryCount int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// HasKeys 是否配置了至少一个 API key
func (c *FeedConfig) HasKeys() bool {
	for _, k := range c.APIKeys {
		if k != "" {
			return true
		}
	}
	return false
}
