package feed

import (
	"errors"
	"time"

	"rome-sync/internal/metrics"

	"github.com/go-resty/resty/v2"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// 熔断：1 分钟统计窗口内至少 10 次请求且失败率 >= 60% 时打开，2 分钟后半开
const (
	breakerMinRequests  = 10
	breakerFailureRatio = 0.6
	breakerInterval     = time.Minute
	breakerTimeout      = 2 * time.Minute
	breakerHalfOpenReqs = 3
)

func newBreaker(name string, m *metrics.Manager, logger *zap.Logger) *gobreaker.CircuitBreaker[*resty.Response] {
	m.BreakerState(name, stateToFloat(gobreaker.StateClosed))

	return gobreaker.NewCircuitBreaker[*resty.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: breakerHalfOpenReqs,
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < breakerMinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			if ratio >= breakerFailureRatio {
				logger.Warn("Opening feed circuit breaker",
					zap.Uint32("failures", counts.TotalFailures),
					zap.Float64("failure_ratio", ratio),
				)
				return true
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("Feed circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			m.BreakerState(name, stateToFloat(to))
		},
		// 4xx 是请求本身的问题，不算上游故障
		IsSuccessful: func(err error) bool {
			return err == nil || !serverSide(err)
		},
	})
}

func breakerResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "rejected"
	default:
		return "failure"
	}
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
