package domain

import (
	"database/sql"
	"time"
)

// Zone 展位印象的空间分类
const (
	ZoneInternal = "internal"
	ZoneAisle    = "aisle"
)

// Zones 同步时计算印象分析的区域
var Zones = []string{ZoneInternal, ZoneAisle}

// DateLayout 日期分组使用的格式
const DateLayout = "2006-01-02"

// DateKey 时间所在的日历日期（调用方保证 t 已归一到同步时区）
func DateKey(t time.Time) string {
	return t.Format(DateLayout)
}

// Observation 人流观测（每设备每分钟），重复同步时只追加
type Observation struct {
	ID         int64
	ProjectID  int64
	SessionID  sql.NullInt64
	Datetime   time.Time
	DeviceID   string
	DeviceName string

	CountTotal   sql.NullFloat64
	CountMale    sql.NullFloat64
	CountFemale  sql.NullFloat64
	CountUnder40 sql.NullFloat64
	CountOver40  sql.NullFloat64

	Energy        sql.NullFloat64
	EnergyMale    sql.NullFloat64
	EnergyFemale  sql.NullFloat64
	EnergyUnder40 sql.NullFloat64
	EnergyOver40  sql.NullFloat64
}

// Impression 人脸追踪印象，按 (project, device_id, latest_datetime) 去重
type Impression struct {
	ID               int64
	ProjectID        int64
	BoothID          sql.NullInt64
	LatestDatetime   time.Time
	DeviceID         string
	DeviceName       string
	Zone             string
	DwellTime        float64
	EnergyMedian     float64
	FaceHeightMedian int
	BiologicalSex    string
	BiologicalAge    string
}

// UniqueImpression 每设备每天的聚合访问记录，按全部自然键去重
type UniqueImpression struct {
	ID               int64
	ProjectID        int64
	BoothID          sql.NullInt64
	Date             string
	DeviceID         string
	Zone             string
	IsStaff          bool
	ImpressionsTotal int
	VisitDuration    float64
	DwellTime        float64
	EnergyMedian     float64
	FaceHeightMedian float64
	BiologicalSex    string
	BiologicalAge    string
}

// QrScan 二维码扫描，DwellTime 单位为分钟（派生字段）
type QrScan struct {
	ID         int64
	ProjectID  int64
	SessionID  sql.NullInt64
	Datetime   time.Time
	DeviceID   string
	DeviceName string
	QRCode     string
	DwellTime  int
}
