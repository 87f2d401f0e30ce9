// Package feed 上游遥测数据源的 HTTP 客户端。
// 每个 Client 绑定一个 API key；多 key 轮换由调用方为每个 key 创建一个 Client。
package feed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"rome-sync/common/config"
	"rome-sync/internal/metrics"

	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout    = 60 * time.Second
	defaultRatePerSec = 5
	breakerName       = "feed"
	maxErrorBody      = 512
)

// Client 上游数据源客户端
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*resty.Response]
	metrics *metrics.Manager
	logger  *zap.Logger
}

// NewClient 创建客户端；apiKey 以 Bearer token 发送
func NewClient(cfg *config.FeedConfig, apiKey string, m *metrics.Manager, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ratePerSec := cfg.RatePerSec
	if ratePerSec <= 0 {
		ratePerSec = defaultRatePerSec
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		}).
		SetAuthToken(apiKey).
		SetHeader("Accept", "application/json").
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)

	return &Client{
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), 1),
		breaker: newBreaker(breakerName, m, logger),
		metrics: m,
		logger:  logger,
	}
}

// get 限流 + 熔断后请求 endpoint，2xx 时把响应体解码到 out
func (c *Client) get(ctx context.Context, endpoint string, query map[string]string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for feed rate limit: %w", err)
	}

	resp, err := c.breaker.Execute(func() (*resty.Response, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(query).
			Get(endpoint)
		if err != nil {
			return nil, fmt.Errorf("get %s: %w: %w", endpoint, ErrUpstream, err)
		}
		if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
			return resp, &UpstreamError{
				Endpoint:   endpoint,
				StatusCode: resp.StatusCode(),
				Body:       truncate(resp.String(), maxErrorBody),
			}
		}
		return resp, nil
	})
	c.metrics.BreakerRequest(breakerName, breakerResult(err))

	if err != nil {
		status := "error"
		if resp != nil {
			status = statusClass(resp.StatusCode())
		}
		c.metrics.FeedRequest(metricEndpoint(endpoint), status)
		c.logger.Error("Feed request failed",
			zap.String("endpoint", endpoint),
			zap.Error(err),
		)
		// 熔断器打开时的错误同样归为上游错误
		if !errors.Is(err, ErrUpstream) {
			return fmt.Errorf("get %s: %w: %w", endpoint, ErrUpstream, err)
		}
		return err
	}
	c.metrics.FeedRequest(metricEndpoint(endpoint), statusClass(resp.StatusCode()))

	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode %s response: %w: %w", endpoint, ErrUpstream, err)
	}
	return nil
}

// ListProjects 当前 key 可见的项目列表
func (c *Client) ListProjects(ctx context.Context) ([]*ProjectRef, error) {
	var env projectsEnvelope
	if err := c.get(ctx, "/projects", nil, &env); err != nil {
		return nil, err
	}
	return env.Projects, nil
}

// GetProject 项目详情
func (c *Client) GetProject(ctx context.Context, projectID int64) (*Project, error) {
	var p Project
	if err := c.get(ctx, projectPath(projectID, ""), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetStages 舞台及场次
func (c *Client) GetStages(ctx context.Context, projectID int64) ([]*Stage, error) {
	var env stagesEnvelope
	if err := c.get(ctx, projectPath(projectID, "/stages"), map[string]string{"include": "sessions"}, &env); err != nil {
		return nil, err
	}
	return env.Stages, nil
}

// GetBooths 展位及营业时间
func (c *Client) GetBooths(ctx context.Context, projectID int64) ([]*Booth, error) {
	var env boothsEnvelope
	if err := c.get(ctx, projectPath(projectID, "/booths"), map[string]string{"include": "operatingHours"}, &env); err != nil {
		return nil, err
	}
	return env.Booths, nil
}

// GetDevices 设备及按日分配
func (c *Client) GetDevices(ctx context.Context, projectID int64) ([]*Device, error) {
	var env devicesEnvelope
	if err := c.get(ctx, projectPath(projectID, "/devices"), map[string]string{"include": "assignments"}, &env); err != nil {
		return nil, err
	}
	return env.Devices, nil
}

// GetObservations 人流观测
func (c *Client) GetObservations(ctx context.Context, projectID int64) ([]*Observation, error) {
	var env observationsEnvelope
	if err := c.get(ctx, projectPath(projectID, "/observations"), nil, &env); err != nil {
		return nil, err
	}
	return env.Observations, nil
}

// GetImpressions 印象
func (c *Client) GetImpressions(ctx context.Context, projectID int64) ([]*Impression, error) {
	var env impressionsEnvelope
	if err := c.get(ctx, projectPath(projectID, "/impressions"), nil, &env); err != nil {
		return nil, err
	}
	return env.Impressions, nil
}

// GetUniqueImpressions 去重印象
func (c *Client) GetUniqueImpressions(ctx context.Context, projectID int64) ([]*UniqueImpression, error) {
	var env uniqueImpressionsEnvelope
	if err := c.get(ctx, projectPath(projectID, "/unique-impressions"), nil, &env); err != nil {
		return nil, err
	}
	return env.UniqueImpressions, nil
}

// GetQRScans 二维码扫描
func (c *Client) GetQRScans(ctx context.Context, projectID int64) ([]*QrScan, error) {
	var env qrEnvelope
	if err := c.get(ctx, projectPath(projectID, "/qr-sessions"), nil, &env); err != nil {
		return nil, err
	}
	return env.QRCodes, nil
}

func projectPath(projectID int64, suffix string) string {
	return "/projects/" + strconv.FormatInt(projectID, 10) + suffix
}

// metricEndpoint 去掉项目 id，避免指标标签基数随项目增长
func metricEndpoint(endpoint string) string {
	const prefix = "/projects/"
	if len(endpoint) <= len(prefix) || endpoint[:len(prefix)] != prefix {
		return endpoint
	}
	rest := endpoint[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return prefix + "{id}" + rest[i:]
		}
	}
	return prefix + "{id}"
}

func statusClass(code int) string {
	if code <= 0 {
		return "error"
	}
	return strconv.Itoa(code/100) + "xx"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
