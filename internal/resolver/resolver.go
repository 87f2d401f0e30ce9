// Package resolver 根据设备的按日分配记录，把 (device_id, 时间) 解析到场次或展位。
package resolver

import (
	"context"
	"fmt"
	"time"

	"rome-sync/internal/domain"
	"rome-sync/internal/matcher"

	"go.uber.org/zap"
)

// StageTypeWriter 解析成功后回写舞台类型
type StageTypeWriter interface {
	UpdateStageType(ctx context.Context, stageID int64, kind domain.Capability) error
}

// Snapshot 一个项目在本轮同步时的参照数据
type Snapshot struct {
	ProjectID int64
	Devices   []*domain.Device
	Stages    []*domain.Stage
	Sessions  []*domain.Session
	Booths    []*domain.Booth
}

// dayAreas 设备在某一天的活跃区域
type dayAreas struct {
	stageIDs []int64
	boothIDs []string
}

// Resolver 单个项目、单轮同步内使用；索引在构造时一次建好
type Resolver struct {
	projectID int64

	devices         map[string]struct{}
	days            map[string]map[string]*dayAreas // device_id -> date -> areas
	stages          map[int64]*domain.Stage
	sessionsByStage map[int64][]*domain.Session
	booths          map[string]*domain.Booth

	stageWriter StageTypeWriter
	logger      *zap.Logger
}

// New 根据快照建立 (device, date) -> 区域 以及 stage -> sessions 索引
func New(snap Snapshot, stageWriter StageTypeWriter, logger *zap.Logger) *Resolver {
	r := &Resolver{
		projectID:       snap.ProjectID,
		devices:         make(map[string]struct{}, len(snap.Devices)),
		days:            make(map[string]map[string]*dayAreas, len(snap.Devices)),
		stages:          make(map[int64]*domain.Stage, len(snap.Stages)),
		sessionsByStage: make(map[int64][]*domain.Session),
		booths:          make(map[string]*domain.Booth, len(snap.Booths)),
		stageWriter:     stageWriter,
		logger:          logger,
	}

	for _, d := range snap.Devices {
		r.devices[d.DeviceID] = struct{}{}
		byDay := r.days[d.DeviceID]
		if byDay == nil {
			byDay = make(map[string]*dayAreas)
			r.days[d.DeviceID] = byDay
		}
		for _, a := range d.Assignments {
			if !a.Active {
				continue
			}
			day := byDay[a.Date]
			if day == nil {
				day = &dayAreas{}
				byDay[a.Date] = day
			}
			for _, area := range a.Areas {
				switch area.Kind {
				case domain.AreaStage:
					if id, ok := area.StageID(); ok && !containsInt(day.stageIDs, id) {
						day.stageIDs = append(day.stageIDs, id)
					}
				case domain.AreaBooth:
					if !containsString(day.boothIDs, area.ID) {
						day.boothIDs = append(day.boothIDs, area.ID)
					}
				}
			}
		}
	}

	for _, s := range snap.Stages {
		r.stages[s.ID] = s
	}
	for _, s := range snap.Sessions {
		r.sessionsByStage[s.StageID] = append(r.sessionsByStage[s.StageID], s)
	}
	for _, b := range snap.Booths {
		r.booths[b.BoothID] = b
	}

	return r
}

func (r *Resolver) areasFor(deviceID string, t time.Time) (*dayAreas, error) {
	if _, ok := r.devices[deviceID]; !ok {
		return nil, fmt.Errorf("device %s in project %d: %w", deviceID, r.projectID, domain.ErrNotFound)
	}
	return r.days[deviceID][domain.DateKey(t)], nil
}

// ResolveSession 严格规则：设备当天活跃舞台下，恰好一个场次满足 start <= t <= end。
// 设备不存在返回 ErrNotFound；未命中或多个命中返回 nil, nil。
// 命中时若舞台类型与 kind 不同则覆盖（后写者胜）。
func (r *Resolver) ResolveSession(ctx context.Context, t time.Time, deviceID string, kind domain.Capability) (*domain.Session, error) {
	day, err := r.areasFor(deviceID, t)
	if err != nil {
		return nil, err
	}
	if day == nil || len(day.stageIDs) == 0 {
		return nil, nil
	}

	var candidates []*domain.Session
	for _, stageID := range day.stageIDs {
		candidates = append(candidates, r.sessionsByStage[stageID]...)
	}

	session, ok := matcher.MatchUnique(t, candidates, SessionWindow)
	if !ok {
		return nil, nil
	}

	r.markStage(ctx, session.StageID, kind)
	return session, nil
}

func (r *Resolver) markStage(ctx context.Context, stageID int64, kind domain.Capability) {
	stage, ok := r.stages[stageID]
	if !ok || stage.Type == kind {
		return
	}
	previous := stage.Type
	stage.Type = kind
	if r.stageWriter == nil {
		return
	}
	if err := r.stageWriter.UpdateStageType(ctx, stageID, kind); err != nil {
		r.logger.Warn("Failed to update stage type",
			zap.Int64("stage_id", stageID),
			zap.String("from", string(previous)),
			zap.String("to", string(kind)),
			zap.Error(err),
		)
	}
}

// ResolveBooth 设备当天活跃展位中第一个存在的展位；不参考营业时间。
// 设备不存在时视为未命中。
func (r *Resolver) ResolveBooth(_ context.Context, t time.Time, deviceID string) (*domain.Booth, error) {
	if _, ok := r.devices[deviceID]; !ok {
		return nil, nil
	}
	day := r.days[deviceID][domain.DateKey(t)]
	if day == nil {
		return nil, nil
	}
	for _, id := range day.boothIDs {
		if b, ok := r.booths[id]; ok {
			return b, nil
		}
	}
	return nil, nil
}

// BufferedSession 宽松规则：按场次顺序返回第一个满足
// start-30m <= t <= end+15m 的场次，不看设备分配
func BufferedSession(sessions []*domain.Session, t time.Time) *domain.Session {
	s, ok := matcher.MatchFirstBuffered(t, sessions, SessionWindow, matcher.DefaultLeadBuffer, matcher.DefaultTrailBuffer)
	if !ok {
		return nil
	}
	return s
}

// SessionWindow 场次的时间窗口
func SessionWindow(s *domain.Session) matcher.Window {
	return matcher.Window{Start: s.StartDatetime, End: s.EndDatetime}
}

func containsInt(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func containsString(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
