// Package metrics 同步过程的 Prometheus 指标。
// 所有记录方法在 *Manager 为 nil 时不做任何事，调用方无需判空。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 记录处理结果
const (
	OutcomeStored  = "stored"
	OutcomeSkipped = "skipped"
)

// Option 配置 Manager
type Option func(*Manager)

// WithNamespace 指标命名空间
func WithNamespace(namespace string) Option {
	return func(m *Manager) {
		if namespace != "" {
			m.namespace = namespace
		}
	}
}

// WithRegistry 指定注册表（测试中使用独立注册表）
func WithRegistry(registry *prometheus.Registry) Option {
	return func(m *Manager) {
		if registry != nil {
			m.registry = registry
		}
	}
}

// WithHistogramBuckets 项目同步耗时的分桶（秒）
func WithHistogramBuckets(buckets []float64) Option {
	return func(m *Manager) {
		if len(buckets) > 0 {
			m.buckets = buckets
		}
	}
}

// Manager 同步指标
type Manager struct {
	namespace string
	registry  *prometheus.Registry
	buckets   []float64

	records         *prometheus.CounterVec
	projects        *prometheus.CounterVec
	projectDuration prometheus.Histogram
	lastSuccess     prometheus.Gauge
	breakerState    *prometheus.GaugeVec
	breakerRequests *prometheus.CounterVec
	feedRequests    *prometheus.CounterVec
}

// NewManager 创建并注册全部指标
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace: "rome_sync",
		registry:  prometheus.NewRegistry(),
		buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}
	for _, opt := range opts {
		opt(m)
	}

	auto := promauto.With(m.registry)

	m.records = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "records_total",
		Help:      "Telemetry records handled per feed and outcome",
	}, []string{"feed", "outcome", "reason"})

	m.projects = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "projects_total",
		Help:      "Project sync runs by status",
	}, []string{"status"})

	m.projectDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Name:      "project_sync_duration_seconds",
		Help:      "Wall time of one project sync",
		Buckets:   m.buckets,
	})

	m.lastSuccess = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix time of the last successful project sync",
	})

	m.breakerState = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "feed_circuit_breaker_state",
		Help:      "Feed circuit breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"name"})

	m.breakerRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "feed_circuit_breaker_requests_total",
		Help:      "Feed calls through the circuit breaker by result",
	}, []string{"name", "result"})

	m.feedRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "feed_requests_total",
		Help:      "Feed HTTP requests by endpoint and status class",
	}, []string{"endpoint", "status"})

	return m
}

// Registry 用于暴露 /metrics
func (m *Manager) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordStored 记录已写入的记录数
func (m *Manager) RecordStored(feed string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.records.WithLabelValues(feed, OutcomeStored, "").Add(float64(n))
}

// RecordSkipped 记录被跳过的单条记录及原因
func (m *Manager) RecordSkipped(feed, reason string) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(feed, OutcomeSkipped, reason).Inc()
}

// ProjectFinished 记录一次项目同步
func (m *Manager) ProjectFinished(status string, elapsed time.Duration, finishedAt time.Time) {
	if m == nil {
		return
	}
	m.projects.WithLabelValues(status).Inc()
	m.projectDuration.Observe(elapsed.Seconds())
	if status == "success" {
		m.lastSuccess.Set(float64(finishedAt.Unix()))
	}
}

// BreakerState 熔断器状态变化
func (m *Manager) BreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(state)
}

// BreakerRequest 熔断器调用结果：success / failure / rejected
func (m *Manager) BreakerRequest(name, result string) {
	if m == nil {
		return
	}
	m.breakerRequests.WithLabelValues(name, result).Inc()
}

// FeedRequest 上游请求结果
func (m *Manager) FeedRequest(endpoint, status string) {
	if m == nil {
		return
	}
	m.feedRequests.WithLabelValues(endpoint, status).Inc()
}
