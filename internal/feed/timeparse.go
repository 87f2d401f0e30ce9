package feed

import (
	"fmt"
	"strings"
	"time"

	"rome-sync/internal/domain"
)

// 带时区偏移的格式
var offsetLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z07:00",
}

// 不带时区的格式，按同步时区解释
var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	domain.DateLayout,
}

// ParseTime 解析 ISO-8601 时间并转换到 loc。
// 带偏移的值保持同一时刻；不带偏移的值视为 loc 下的本地时间。
func ParseTime(value string, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(value)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty datetime: %w", domain.ErrMalformedInput)
	}
	for _, layout := range offsetLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.In(loc), nil
		}
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid datetime %q: %w", value, domain.ErrMalformedInput)
}

// ParseDate 解析后取 loc 下的日历日期 YYYY-MM-DD
func ParseDate(value string, loc *time.Location) (string, error) {
	t, err := ParseTime(value, loc)
	if err != nil {
		return "", err
	}
	return domain.DateKey(t), nil
}
