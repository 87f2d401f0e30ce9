package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options 日志配置
type Options struct {
	Level    string // debug、info、warn、error，无法识别时为 info
	Format   string // json 或 console
	Output   string // stdout、stderr 或文件路径，默认 stdout
	Service  string
	Timezone string // 同步时区，记录中的业务时间均按此解释
}

// New 创建 Logger；每条日志带 service、hostname 与 sync_timezone 字段
func New(opts Options) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		level = zapcore.InfoLevel
	}

	var cfg zap.Config
	if opts.Format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		// 不采样：每条被跳过的记录都要输出
		cfg.Sampling = nil
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	output := opts.Output
	if output == "" {
		output = "stdout"
	}
	cfg.OutputPaths = []string{output}
	cfg.ErrorOutputPaths = []string{"stderr"}

	base, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	var fields []zap.Field
	if opts.Service != "" {
		fields = append(fields, zap.String("service", opts.Service))
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		fields = append(fields, zap.String("hostname", hostname))
	}
	if opts.Timezone != "" {
		fields = append(fields, zap.String("sync_timezone", opts.Timezone))
	}
	return base.With(fields...), nil
}

// ForProject 单个项目一次同步的日志字段
func ForProject(l *zap.Logger, runID string, projectID int64, keyIndex int) *zap.Logger {
	return l.With(
		zap.String("run_id", runID),
		zap.Int64("project_id", projectID),
		zap.Int("key_index", keyIndex),
	)
}
