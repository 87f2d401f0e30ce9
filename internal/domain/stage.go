package domain

import "time"

// Stage 舞台（对应 project_stages 表），ID 沿用上游 id
type Stage struct {
	ID        int64
	ProjectID int64
	Name      string
	// Type 最近一次解析到该舞台的遥测类型，空字符串表示尚未解析过
	Type Capability
}

// Session 舞台下的场次（对应 sessions 表）
type Session struct {
	ID            int64
	ProjectID     int64
	StageID       int64
	Name          string
	StartDatetime time.Time
	EndDatetime   time.Time
}
