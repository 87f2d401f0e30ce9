package analytics

import (
	"fmt"
	"math"
	"sort"
	"time"

	"rome-sync/internal/domain"
)

// TimeIntervals 每天切分的区间数
const TimeIntervals = 15

const labelLayout = "15:04"

// ComputeImpressionAnalytics 按日期把 [first, last] 等分为 15 段并统计每段印象数。
// 区间两端都包含，相邻区间共享的边界时刻会被重复计数。
// 没有印象时返回日期/区间为空、总数为 0 的记录。
func ComputeImpressionAnalytics(projectID int64, zone string, impressions []*domain.Impression) *domain.ImpressionAnalytics {
	result := &domain.ImpressionAnalytics{
		ProjectID:       projectID,
		Zone:            zone,
		Dates:           []string{},
		ImpressionCount: []domain.DateBuckets{},
	}
	if len(impressions) == 0 {
		return result
	}

	byDate := make(map[string][]time.Time)
	for _, imp := range impressions {
		date := domain.DateKey(imp.LatestDatetime)
		if _, ok := byDate[date]; !ok {
			result.Dates = append(result.Dates, date)
		}
		byDate[date] = append(byDate[date], imp.LatestDatetime)
	}

	for _, date := range result.Dates {
		times := byDate[date]
		sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
		result.ImpressionCount = append(result.ImpressionCount, domain.DateBuckets{
			Date:            date,
			ImpressionCount: splitDay(times),
		})
	}

	result.TotalImpressions = len(impressions)
	return result
}

// splitDay times 已升序
func splitDay(times []time.Time) []domain.TimeBucket {
	first := times[0]
	last := times[len(times)-1]

	intervalMinutes := last.Sub(first).Seconds() / 60 / TimeIntervals

	buckets := make([]domain.TimeBucket, 0, TimeIntervals)
	for i := 0; i < TimeIntervals; i++ {
		start := first.Add(minutesOffset(float64(i) * intervalMinutes))
		end := first.Add(minutesOffset(float64(i+1) * intervalMinutes))

		count := 0
		for _, t := range times {
			if !t.Before(start) && !t.After(end) {
				count++
			}
		}

		buckets = append(buckets, domain.TimeBucket{
			Time:  fmt.Sprintf("%s-%s", start.Format(labelLayout), end.Format(labelLayout)),
			Count: count,
		})
	}
	return buckets
}

// minutesOffset 分钟数转为时长，精度到微秒（四舍六入五成双）
func minutesOffset(minutes float64) time.Duration {
	micros := math.RoundToEven(minutes * 60 * 1e6)
	return time.Duration(micros) * time.Microsecond
}
