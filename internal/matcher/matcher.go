// Package matcher 时间区间匹配：给定时间点与一组候选窗口，返回命中的窗口。
package matcher

import "time"

// 宽松匹配的缓冲：开始前 30 分钟、结束后 15 分钟
const (
	DefaultLeadBuffer  = 30 * time.Minute
	DefaultTrailBuffer = 15 * time.Minute
)

// Window 闭区间 [Start, End]
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains 严格匹配：Start <= t <= End
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Expand 返回向两端扩展后的窗口
func (w Window) Expand(lead, trail time.Duration) Window {
	return Window{Start: w.Start.Add(-lead), End: w.End.Add(trail)}
}

// ContainsBuffered 宽松匹配：Start-lead <= t <= End+trail
func (w Window) ContainsBuffered(t time.Time, lead, trail time.Duration) bool {
	return w.Expand(lead, trail).Contains(t)
}

// Match 返回所有严格包含 t 的候选下标（保持候选顺序）
func Match[T any](t time.Time, candidates []T, window func(T) Window) []int {
	var hits []int
	for i, c := range candidates {
		if window(c).Contains(t) {
			hits = append(hits, i)
		}
	}
	return hits
}

// MatchUnique 严格匹配且恰好一个命中时返回该候选；零个或多个都视为未命中
func MatchUnique[T any](t time.Time, candidates []T, window func(T) Window) (T, bool) {
	var zero T
	hits := Match(t, candidates, window)
	if len(hits) != 1 {
		return zero, false
	}
	return candidates[hits[0]], true
}

// MatchFirstBuffered 线性扫描，返回第一个在缓冲窗口内的候选
func MatchFirstBuffered[T any](t time.Time, candidates []T, window func(T) Window, lead, trail time.Duration) (T, bool) {
	var zero T
	for _, c := range candidates {
		if window(c).ContainsBuffered(t, lead, trail) {
			return c, true
		}
	}
	return zero, false
}
