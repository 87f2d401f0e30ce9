package feed

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUpstream 上游数据源不可用或返回非 2xx
var ErrUpstream = errors.New("upstream feed error")

// UpstreamError 上游返回的非 2xx 响应
type UpstreamError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("feed %s returned %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

func (e *UpstreamError) Unwrap() error {
	return ErrUpstream
}

// IsNotFound 上游返回 404（例如当前 API key 看不到该项目）
func IsNotFound(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.StatusCode == http.StatusNotFound
}

// serverSide 5xx 计入熔断失败，4xx 不计入
func serverSide(err error) bool {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.StatusCode >= http.StatusInternalServerError
	}
	return true
}
