package feed

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"rome-sync/internal/domain"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func check(kind string, v interface{}) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%s: %w: %v", kind, domain.ErrMalformedInput, err)
	}
	return nil
}

// ID 上游 id，兼容数字与字符串
type ID string

// UnmarshalJSON 数字 id 转为十进制字符串
func (id *ID) UnmarshalJSON(data []byte) error {
	s, err := domain.FlexibleID(data)
	if err != nil {
		return err
	}
	*id = ID(s)
	return nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

// 响应信封
type (
	projectsEnvelope struct {
		Projects []*ProjectRef `json:"projects"`
	}
	stagesEnvelope struct {
		Stages []*Stage `json:"stages"`
	}
	boothsEnvelope struct {
		Booths []*Booth `json:"booths"`
	}
	devicesEnvelope struct {
		Devices []*Device `json:"devices"`
	}
	observationsEnvelope struct {
		Observations []*Observation `json:"observations"`
	}
	impressionsEnvelope struct {
		Impressions []*Impression `json:"impressions"`
	}
	uniqueImpressionsEnvelope struct {
		UniqueImpressions []*UniqueImpression `json:"uniqueImpressions"`
	}
	qrEnvelope struct {
		QRCodes []*QrScan `json:"qr_codes"`
	}
)

// ProjectRef 项目列表中的条目
type ProjectRef struct {
	ID   int64  `json:"id" validate:"required"`
	Name string `json:"name"`
}

// Project 项目详情
type Project struct {
	ID                 int64    `json:"id" validate:"required"`
	Name               string   `json:"name" validate:"required"`
	StartDatetime      string   `json:"start_datetime" validate:"required"`
	EndDatetime        string   `json:"end_datetime" validate:"required"`
	DeploymentTimezone string   `json:"deployment_timezone"`
	Services           []string `json:"services"`
	Country            *string  `json:"country"`
	City               *string  `json:"city"`
}

// ToDomain 不含 type / unique_qr_codes，这两个字段由同步过程维护
func (p *Project) ToDomain(loc *time.Location) (*domain.Project, error) {
	if err := check("project", p); err != nil {
		return nil, err
	}
	start, err := ParseTime(p.StartDatetime, loc)
	if err != nil {
		return nil, fmt.Errorf("project %d start: %w", p.ID, err)
	}
	end, err := ParseTime(p.EndDatetime, loc)
	if err != nil {
		return nil, fmt.Errorf("project %d end: %w", p.ID, err)
	}
	services := p.Services
	if services == nil {
		services = []string{}
	}
	return &domain.Project{
		ID:                 p.ID,
		Name:               p.Name,
		StartDatetime:      start,
		EndDatetime:        end,
		DeploymentTimezone: p.DeploymentTimezone,
		Services:           services,
		Country:            nullString(p.Country),
		City:               nullString(p.City),
	}, nil
}

// Stage 舞台及其场次（include=sessions）
type Stage struct {
	ID       int64      `json:"id" validate:"required"`
	Name     string     `json:"name" validate:"required"`
	Sessions []*Session `json:"sessions"`
}

// ToDomain 舞台类型留空，由解析过程写入
func (s *Stage) ToDomain(projectID int64) (*domain.Stage, error) {
	if err := check("stage", s); err != nil {
		return nil, err
	}
	return &domain.Stage{ID: s.ID, ProjectID: projectID, Name: s.Name}, nil
}

// Session 场次
type Session struct {
	Name          string `json:"name" validate:"required"`
	StartDatetime string `json:"start_datetime" validate:"required"`
	EndDatetime   string `json:"end_datetime" validate:"required"`
}

func (s *Session) ToDomain(projectID, stageID int64, loc *time.Location) (*domain.Session, error) {
	if err := check("session", s); err != nil {
		return nil, err
	}
	start, err := ParseTime(s.StartDatetime, loc)
	if err != nil {
		return nil, fmt.Errorf("session %q start: %w", s.Name, err)
	}
	end, err := ParseTime(s.EndDatetime, loc)
	if err != nil {
		return nil, fmt.Errorf("session %q end: %w", s.Name, err)
	}
	return &domain.Session{
		ProjectID:     projectID,
		StageID:       stageID,
		Name:          s.Name,
		StartDatetime: start,
		EndDatetime:   end,
	}, nil
}

// Booth 展位（include=operatingHours）
type Booth struct {
	ID             ID                     `json:"id" validate:"required"`
	Name           string                 `json:"name"`
	Size           int                    `json:"size"`
	OperatingHours []domain.OperatingHour `json:"operating_hours"`
}

func (b *Booth) ToDomain(projectID int64) (*domain.Booth, error) {
	if err := check("booth", b); err != nil {
		return nil, err
	}
	hours := b.OperatingHours
	if hours == nil {
		hours = []domain.OperatingHour{}
	}
	return &domain.Booth{
		BoothID:        string(b.ID),
		ProjectID:      projectID,
		Name:           b.Name,
		Size:           b.Size,
		OperatingHours: hours,
	}, nil
}

// Device 设备（include=assignments）
type Device struct {
	ID          ID            `json:"id" validate:"required"`
	Name        string        `json:"name"`
	Service     string        `json:"service"`
	Assignments []*Assignment `json:"assignments"`
}

// Assignment 设备按日分配，date 可能是日期或完整时间
type Assignment struct {
	Date   string        `json:"date"`
	Active bool          `json:"active"`
	Areas  []domain.Area `json:"areas"`
}

// ToDomain 日期无法解析的分配条目被丢弃，返回丢弃条数
func (d *Device) ToDomain(projectID int64, loc *time.Location) (*domain.Device, int, error) {
	if err := check("device", d); err != nil {
		return nil, 0, err
	}
	dropped := 0
	assignments := make([]domain.Assignment, 0, len(d.Assignments))
	for _, a := range d.Assignments {
		if a == nil {
			continue
		}
		date, err := ParseDate(a.Date, loc)
		if err != nil {
			dropped++
			continue
		}
		areas := a.Areas
		if areas == nil {
			areas = []domain.Area{}
		}
		assignments = append(assignments, domain.Assignment{Date: date, Active: a.Active, Areas: areas})
	}
	return &domain.Device{
		DeviceID:    string(d.ID),
		ProjectID:   projectID,
		Name:        d.Name,
		Service:     d.Service,
		Assignments: assignments,
	}, dropped, nil
}

// Observation 每设备每分钟的人流观测
type Observation struct {
	Datetime      string   `json:"datetime" validate:"required"`
	DeviceID      ID       `json:"device_id" validate:"required"`
	DeviceName    string   `json:"device_name"`
	CountTotal    *float64 `json:"count_total"`
	CountMale     *float64 `json:"count_male"`
	CountFemale   *float64 `json:"count_female"`
	CountUnder40  *float64 `json:"count_under_40"`
	CountOver40   *float64 `json:"count_over_40"`
	Energy        *float64 `json:"energy"`
	EnergyMale    *float64 `json:"energy_male"`
	EnergyFemale  *float64 `json:"energy_female"`
	EnergyUnder40 *float64 `json:"energy_under_40"`
	EnergyOver40  *float64 `json:"energy_over_40"`
}

// ToDomain 不含场次，由调用方解析
func (o *Observation) ToDomain(projectID int64, loc *time.Location) (*domain.Observation, error) {
	if err := check("observation", o); err != nil {
		return nil, err
	}
	t, err := ParseTime(o.Datetime, loc)
	if err != nil {
		return nil, fmt.Errorf("observation %s: %w", o.DeviceID, err)
	}
	return &domain.Observation{
		ProjectID:     projectID,
		Datetime:      t,
		DeviceID:      string(o.DeviceID),
		DeviceName:    o.DeviceName,
		CountTotal:    nullFloat(o.CountTotal),
		CountMale:     nullFloat(o.CountMale),
		CountFemale:   nullFloat(o.CountFemale),
		CountUnder40:  nullFloat(o.CountUnder40),
		CountOver40:   nullFloat(o.CountOver40),
		Energy:        nullFloat(o.Energy),
		EnergyMale:    nullFloat(o.EnergyMale),
		EnergyFemale:  nullFloat(o.EnergyFemale),
		EnergyUnder40: nullFloat(o.EnergyUnder40),
		EnergyOver40:  nullFloat(o.EnergyOver40),
	}, nil
}

// Impression 人脸追踪印象
type Impression struct {
	LatestDatetime   string  `json:"latest_datetime" validate:"required"`
	DeviceID         ID      `json:"device_id" validate:"required"`
	DeviceName       string  `json:"device_name"`
	Zone             string  `json:"zone" validate:"required"`
	DwellTime        float64 `json:"dwell_time"`
	EnergyMedian     float64 `json:"energy_median"`
	FaceHeightMedian float64 `json:"face_height_median"`
	BiologicalSex    string  `json:"biological_sex"`
	BiologicalAge    string  `json:"biological_age"`
}

// ToDomain 不含展位，由调用方解析
func (i *Impression) ToDomain(projectID int64, loc *time.Location) (*domain.Impression, error) {
	if err := check("impression", i); err != nil {
		return nil, err
	}
	t, err := ParseTime(i.LatestDatetime, loc)
	if err != nil {
		return nil, fmt.Errorf("impression %s: %w", i.DeviceID, err)
	}
	return &domain.Impression{
		ProjectID:        projectID,
		LatestDatetime:   t,
		DeviceID:         string(i.DeviceID),
		DeviceName:       i.DeviceName,
		Zone:             i.Zone,
		DwellTime:        i.DwellTime,
		EnergyMedian:     i.EnergyMedian,
		FaceHeightMedian: int(math.Round(i.FaceHeightMedian)),
		BiologicalSex:    i.BiologicalSex,
		BiologicalAge:    i.BiologicalAge,
	}, nil
}

// UniqueImpression 每设备每天的访问聚合
type UniqueImpression struct {
	Date             string  `json:"date" validate:"required"`
	DeviceID         ID      `json:"device_id" validate:"required"`
	Zone             string  `json:"zone" validate:"required"`
	IsStaff          bool    `json:"is_staff"`
	ImpressionsTotal int     `json:"impressions_total"`
	VisitDuration    float64 `json:"visit_duration"`
	DwellTime        float64 `json:"dwell_time"`
	EnergyMedian     float64 `json:"energy_median"`
	FaceHeightMedian float64 `json:"face_height_median"`
	BiologicalSex    string  `json:"biological_sex"`
	BiologicalAge    string  `json:"biological_age"`
}

// ToDomain 返回记录与用于展位解析的时间点（当天 00:00）
func (u *UniqueImpression) ToDomain(projectID int64, loc *time.Location) (*domain.UniqueImpression, time.Time, error) {
	if err := check("unique impression", u); err != nil {
		return nil, time.Time{}, err
	}
	t, err := ParseTime(u.Date, loc)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("unique impression %s: %w", u.DeviceID, err)
	}
	return &domain.UniqueImpression{
		ProjectID:        projectID,
		Date:             domain.DateKey(t),
		DeviceID:         string(u.DeviceID),
		Zone:             u.Zone,
		IsStaff:          u.IsStaff,
		ImpressionsTotal: u.ImpressionsTotal,
		VisitDuration:    u.VisitDuration,
		DwellTime:        u.DwellTime,
		EnergyMedian:     u.EnergyMedian,
		FaceHeightMedian: u.FaceHeightMedian,
		BiologicalSex:    u.BiologicalSex,
		BiologicalAge:    u.BiologicalAge,
	}, t, nil
}

// QrScan 二维码扫描（qr-sessions）
type QrScan struct {
	Datetime   string `json:"datetime" validate:"required"`
	DeviceID   ID     `json:"device_id" validate:"required"`
	DeviceName string `json:"device_name"`
	QRCode     string `json:"qr_code" validate:"required"`
}

// ToDomain 不含场次，由调用方解析；停留时间初始为 0
func (q *QrScan) ToDomain(projectID int64, loc *time.Location) (*domain.QrScan, error) {
	if err := check("qr scan", q); err != nil {
		return nil, err
	}
	t, err := ParseTime(q.Datetime, loc)
	if err != nil {
		return nil, fmt.Errorf("qr scan %s: %w", q.QRCode, err)
	}
	return &domain.QrScan{
		ProjectID:  projectID,
		Datetime:   t,
		DeviceID:   string(q.DeviceID),
		DeviceName: q.DeviceName,
		QRCode:     q.QRCode,
	}, nil
}
