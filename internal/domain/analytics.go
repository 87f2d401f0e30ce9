package domain

import "time"

// SessionAnalytics 场次级人口统计比例与平均能量，每次同步整体覆盖
type SessionAnalytics struct {
	ID        int64
	ProjectID int64
	SessionID int64

	MaleRatio    float64
	FemaleRatio  float64
	Under40Ratio float64
	Over40Ratio  float64

	EnergyAvg        float64
	MaleEnergyAvg    float64
	FemaleEnergyAvg  float64
	Under40EnergyAvg float64
	Over40EnergyAvg  float64

	UpdatedAt time.Time
}

// TimeBucket 一个时间区间内的印象数
type TimeBucket struct {
	Time  string `json:"time"`
	Count int    `json:"count"`
}

// DateBuckets 某一天的 15 个区间
type DateBuckets struct {
	Date            string       `json:"date"`
	ImpressionCount []TimeBucket `json:"impression_count"`
}

// ImpressionAnalytics 每个 (project, zone) 一行，每次同步整体覆盖
type ImpressionAnalytics struct {
	ID               int64
	ProjectID        int64
	Zone             string
	Dates            []string
	ImpressionCount  []DateBuckets
	TotalImpressions int
	UpdatedAt        time.Time
}
