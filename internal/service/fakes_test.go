package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"rome-sync/internal/domain"
	"rome-sync/internal/feed"
	"rome-sync/internal/notify"
	"rome-sync/internal/repository"
)

// memStore 内存仓库，实现全部仓库接口（仅用于单元测试）
type memStore struct {
	mu sync.Mutex

	nextID   int64
	projects map[int64]*domain.Project
	stages   []*domain.Stage
	sessions []*domain.Session
	booths   []*domain.Booth
	devices  []*domain.Device

	observations []*domain.Observation
	impressions  []*domain.Impression
	uniques      []*domain.UniqueImpression
	qrScans      []*domain.QrScan

	sessionAnalytics    map[int64]*domain.SessionAnalytics
	impressionAnalytics map[string]*domain.ImpressionAnalytics

	// rejectImpression 返回非 nil 时该条印象按数据库拒绝处理
	rejectImpression func(*domain.Impression) error

	observationBatches []int
	dwellUpdates       int
	stageTypeWrites    int
}

func newMemStore() *memStore {
	return &memStore{
		projects:            make(map[int64]*domain.Project),
		sessionAnalytics:    make(map[int64]*domain.SessionAnalytics),
		impressionAnalytics: make(map[string]*domain.ImpressionAnalytics),
	}
}

func (m *memStore) store() Store {
	return Store{Projects: m, Stages: m, Booths: m, Devices: m, Telemetry: m, QR: m, Analytics: m}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memStore) UpsertProject(_ context.Context, p *domain.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	if existing, ok := m.projects[p.ID]; ok {
		cp.Type = existing.Type
		cp.UniqueQRCodes = existing.UniqueQRCodes
	} else {
		cp.Type = []domain.Capability{}
	}
	m.projects[p.ID] = &cp
	return nil
}

func (m *memStore) GetProject(_ context.Context, projectID int64) (*domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[projectID]
	if !ok {
		return nil, fmt.Errorf("project %d: %w", projectID, domain.ErrNotFound)
	}
	cp := *p
	cp.Type = append([]domain.Capability{}, p.Type...)
	return &cp, nil
}

func (m *memStore) UpdateProjectType(_ context.Context, projectID int64, types []domain.Capability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[projectID]
	if !ok {
		return domain.ErrNotFound
	}
	p.Type = append([]domain.Capability{}, types...)
	return nil
}

func (m *memStore) UpdateUniqueQRCodes(_ context.Context, projectID int64, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[projectID]
	if !ok {
		return domain.ErrNotFound
	}
	p.UniqueQRCodes = count
	return nil
}

func (m *memStore) UpsertStage(_ context.Context, s *domain.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.stages {
		if existing.ID == s.ID {
			existing.ProjectID = s.ProjectID
			existing.Name = s.Name
			return nil
		}
	}
	cp := *s
	m.stages = append(m.stages, &cp)
	return nil
}

func (m *memStore) UpsertSession(_ context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if existing.ProjectID == s.ProjectID && existing.StageID == s.StageID && existing.Name == s.Name &&
			existing.StartDatetime.Equal(s.StartDatetime) && existing.EndDatetime.Equal(s.EndDatetime) {
			s.ID = existing.ID
			return nil
		}
	}
	s.ID = m.id()
	cp := *s
	m.sessions = append(m.sessions, &cp)
	return nil
}

func (m *memStore) ListStages(_ context.Context, projectID int64) ([]*domain.Stage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*domain.Stage{}
	for _, s := range m.stages {
		if s.ProjectID == projectID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) ListSessions(_ context.Context, projectID int64) ([]*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*domain.Session{}
	for _, s := range m.sessions {
		if s.ProjectID == projectID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) UpdateStageType(_ context.Context, stageID int64, kind domain.Capability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.stages {
		if s.ID == stageID {
			s.Type = kind
			m.stageTypeWrites++
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memStore) stageType(stageID int64) domain.Capability {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.stages {
		if s.ID == stageID {
			return s.Type
		}
	}
	return ""
}

func (m *memStore) UpsertBooth(_ context.Context, b *domain.Booth) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.booths {
		if existing.BoothID != b.BoothID {
			continue
		}
		if existing.ProjectID != b.ProjectID {
			return fmt.Errorf("booth %s belongs to another project: %w", b.BoothID, domain.ErrConflict)
		}
		existing.Name = b.Name
		existing.Size = b.Size
		existing.OperatingHours = b.OperatingHours
		b.ID = existing.ID
		return nil
	}
	b.ID = m.id()
	cp := *b
	m.booths = append(m.booths, &cp)
	return nil
}

func (m *memStore) ListBooths(_ context.Context, projectID int64) ([]*domain.Booth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*domain.Booth{}
	for _, b := range m.booths {
		if b.ProjectID == projectID {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) boothID(boothID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.booths {
		if b.BoothID == boothID {
			return b.ID
		}
	}
	return 0
}

func (m *memStore) UpsertDevice(_ context.Context, d *domain.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.devices {
		if existing.DeviceID == d.DeviceID && existing.ProjectID == d.ProjectID {
			existing.Name = d.Name
			existing.Service = d.Service
			existing.Assignments = d.Assignments
			d.ID = existing.ID
			return nil
		}
	}
	d.ID = m.id()
	cp := *d
	m.devices = append(m.devices, &cp)
	return nil
}

func (m *memStore) ListDevices(_ context.Context, projectID int64) ([]*domain.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*domain.Device{}
	for _, d := range m.devices {
		if d.ProjectID == projectID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) InsertObservations(_ context.Context, batch []*domain.Observation) (repository.BatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observationBatches = append(m.observationBatches, len(batch))
	for _, o := range batch {
		cp := *o
		cp.ID = m.id()
		m.observations = append(m.observations, &cp)
	}
	return repository.BatchResult{Written: len(batch)}, nil
}

func (m *memStore) ListSessionObservations(_ context.Context, projectID, sessionID int64) ([]*domain.Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*domain.Observation{}
	for _, o := range m.observations {
		if o.ProjectID == projectID && o.SessionID.Valid && o.SessionID.Int64 == sessionID {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) UpsertImpressions(_ context.Context, batch []*domain.Impression) (repository.BatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res repository.BatchResult
	for _, i := range batch {
		if m.rejectImpression != nil {
			if err := m.rejectImpression(i); err != nil {
				res.Rejected = append(res.Rejected, err)
				continue
			}
		}
		res.Written++
		cp := *i
		replaced := false
		for idx, existing := range m.impressions {
			if existing.ProjectID == i.ProjectID && existing.DeviceID == i.DeviceID && existing.LatestDatetime.Equal(i.LatestDatetime) {
				cp.ID = existing.ID
				m.impressions[idx] = &cp
				replaced = true
				break
			}
		}
		if !replaced {
			cp.ID = m.id()
			m.impressions = append(m.impressions, &cp)
		}
	}
	return res, nil
}

func (m *memStore) ListImpressions(_ context.Context, projectID int64, zone string) ([]*domain.Impression, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*domain.Impression{}
	for _, i := range m.impressions {
		if i.ProjectID == projectID && (zone == "" || i.Zone == zone) {
			cp := *i
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) UpsertUniqueImpressions(_ context.Context, batch []*domain.UniqueImpression) (repository.BatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range batch {
		cp := *u
		cp.ID = 0
		duplicate := false
		for _, existing := range m.uniques {
			probe := *existing
			probe.ID = 0
			if probe == cp {
				duplicate = true
				break
			}
		}
		if !duplicate {
			cp.ID = m.id()
			m.uniques = append(m.uniques, &cp)
		}
	}
	return repository.BatchResult{Written: len(batch)}, nil
}

func (m *memStore) ListUniqueImpressions(_ context.Context, projectID int64) ([]*domain.UniqueImpression, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*domain.UniqueImpression{}
	for _, u := range m.uniques {
		if u.ProjectID == projectID {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) UpsertQRScans(_ context.Context, batch []*domain.QrScan) (repository.BatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range batch {
		found := false
		for _, existing := range m.qrScans {
			if existing.ProjectID == q.ProjectID && existing.DeviceID == q.DeviceID && existing.SessionID == q.SessionID &&
				existing.Datetime.Equal(q.Datetime) && existing.QRCode == q.QRCode {
				existing.DeviceName = q.DeviceName
				found = true
				break
			}
		}
		if !found {
			cp := *q
			cp.ID = m.id()
			m.qrScans = append(m.qrScans, &cp)
		}
	}
	return repository.BatchResult{Written: len(batch)}, nil
}

func (m *memStore) ListQRScans(_ context.Context, projectID int64) ([]*domain.QrScan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*domain.QrScan{}
	for _, q := range m.qrScans {
		if q.ProjectID == projectID {
			cp := *q
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].QRCode != out[j].QRCode {
			return out[i].QRCode < out[j].QRCode
		}
		return out[i].Datetime.Before(out[j].Datetime)
	})
	return out, nil
}

func (m *memStore) UpdateDwellTimes(_ context.Context, scans []*domain.QrScan) (repository.BatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range scans {
		for _, existing := range m.qrScans {
			if existing.ID == s.ID {
				existing.DwellTime = s.DwellTime
				m.dwellUpdates++
			}
		}
	}
	return repository.BatchResult{Written: len(scans)}, nil
}

func (m *memStore) UpdateSession(_ context.Context, scanID int64, sessionID sql.NullInt64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.qrScans {
		if existing.ID == scanID {
			existing.SessionID = sessionID
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memStore) UpsertSessionAnalytics(_ context.Context, a *domain.SessionAnalytics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	cp.UpdatedAt = time.Now()
	m.sessionAnalytics[a.SessionID] = &cp
	return nil
}

func (m *memStore) GetSessionAnalytics(_ context.Context, sessionID int64) (*domain.SessionAnalytics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.sessionAnalytics[sessionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) UpsertImpressionAnalytics(_ context.Context, a *domain.ImpressionAnalytics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.impressionAnalytics[fmt.Sprintf("%d/%s", a.ProjectID, a.Zone)] = &cp
	return nil
}

func (m *memStore) GetImpressionAnalytics(_ context.Context, projectID int64, zone string) (*domain.ImpressionAnalytics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.impressionAnalytics[fmt.Sprintf("%d/%s", projectID, zone)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// fakeFeed 按项目返回固定数据；errs 按接口名注入错误
type fakeFeed struct {
	refs              []*feed.ProjectRef
	projects          map[int64]*feed.Project
	stages            []*feed.Stage
	booths            []*feed.Booth
	devices           []*feed.Device
	observations      []*feed.Observation
	impressions       []*feed.Impression
	uniqueImpressions []*feed.UniqueImpression
	qrScans           []*feed.QrScan

	errs  map[string]error
	calls []string
}

func (f *fakeFeed) call(name string) error {
	f.calls = append(f.calls, name)
	if f.errs == nil {
		return nil
	}
	return f.errs[name]
}

func (f *fakeFeed) ListProjects(context.Context) ([]*feed.ProjectRef, error) {
	if err := f.call("projects"); err != nil {
		return nil, err
	}
	return f.refs, nil
}

func (f *fakeFeed) GetProject(_ context.Context, projectID int64) (*feed.Project, error) {
	if err := f.call(fmt.Sprintf("project/%d", projectID)); err != nil {
		return nil, err
	}
	p, ok := f.projects[projectID]
	if !ok {
		return nil, &feed.UpstreamError{Endpoint: fmt.Sprintf("projects/%d", projectID), StatusCode: 404}
	}
	return p, nil
}

func (f *fakeFeed) GetStages(context.Context, int64) ([]*feed.Stage, error) {
	return f.stages, f.call("stages")
}

func (f *fakeFeed) GetBooths(context.Context, int64) ([]*feed.Booth, error) {
	return f.booths, f.call("booths")
}

func (f *fakeFeed) GetDevices(context.Context, int64) ([]*feed.Device, error) {
	return f.devices, f.call("devices")
}

func (f *fakeFeed) GetObservations(context.Context, int64) ([]*feed.Observation, error) {
	return f.observations, f.call("observations")
}

func (f *fakeFeed) GetImpressions(context.Context, int64) ([]*feed.Impression, error) {
	return f.impressions, f.call("impressions")
}

func (f *fakeFeed) GetUniqueImpressions(context.Context, int64) ([]*feed.UniqueImpression, error) {
	return f.uniqueImpressions, f.call("unique-impressions")
}

func (f *fakeFeed) GetQRScans(context.Context, int64) ([]*feed.QrScan, error) {
	return f.qrScans, f.call("qr-sessions")
}

// fakeLocker 内存锁
type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]bool)}
}

func (l *fakeLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(context.Context), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	return func(context.Context) {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, true, nil
}

// recordingNotifier 记录发布的事件
type recordingNotifier struct {
	events []*notify.SyncEvent
}

func (n *recordingNotifier) Notify(_ context.Context, event *notify.SyncEvent) error {
	n.events = append(n.events, event)
	return nil
}
