package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"rome-sync/internal/domain"
	"rome-sync/internal/feed"
	"rome-sync/internal/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func f64(v float64) *float64 { return &v }

func stageArea(id string) domain.Area { return domain.Area{Kind: domain.AreaStage, ID: id} }
func boothArea(id string) domain.Area { return domain.Area{Kind: domain.AreaBooth, ID: id} }

// expoFeed 一个项目、两个舞台、两个展位、三台设备
func expoFeed() *fakeFeed {
	return &fakeFeed{
		refs: []*feed.ProjectRef{{ID: 1, Name: "Expo"}},
		projects: map[int64]*feed.Project{
			1: {ID: 1, Name: "Expo", StartDatetime: "2024-05-01T08:00:00Z", EndDatetime: "2024-05-02T18:00:00Z", DeploymentTimezone: "UTC"},
		},
		stages: []*feed.Stage{
			{ID: 10, Name: "Hall - Main", Sessions: []*feed.Session{
				{Name: "Opening", StartDatetime: "2024-05-01T10:00:00", EndDatetime: "2024-05-01T11:00:00"},
				{Name: "Keynote", StartDatetime: "2024-05-01T11:30:00", EndDatetime: "2024-05-01T12:30:00"},
				{Name: "", StartDatetime: "2024-05-01T13:00:00", EndDatetime: "2024-05-01T14:00:00"},
			}},
			{ID: 11, Name: "Hall - Side", Sessions: []*feed.Session{
				{Name: "Workshop", StartDatetime: "2024-05-01T10:00:00", EndDatetime: "2024-05-01T12:00:00"},
			}},
		},
		booths: []*feed.Booth{
			{ID: "b-1", Name: "Booth One", Size: 9},
			{ID: "b-2", Name: "Booth Two", Size: 12},
		},
		devices: []*feed.Device{
			{ID: "cam-1", Name: "Main cam", Service: "obs", Assignments: []*feed.Assignment{
				{Date: "2024-05-01", Active: true, Areas: []domain.Area{stageArea("10")}},
				{Date: "not-a-date", Active: true, Areas: []domain.Area{stageArea("11")}},
			}},
			{ID: "cam-2", Name: "Booth cam", Service: "imp", Assignments: []*feed.Assignment{
				{Date: "2024-05-01T00:00:00", Active: true, Areas: []domain.Area{boothArea("b-9"), boothArea("b-2"), boothArea("b-1")}},
			}},
			{ID: "qr-1", Name: "QR Side", Service: "qr", Assignments: []*feed.Assignment{
				{Date: "2024-05-01", Active: true, Areas: []domain.Area{stageArea("11")}},
			}},
		},
		observations: []*feed.Observation{
			{Datetime: "2024-05-01T10:15:00", DeviceID: "cam-1", CountTotal: f64(10), CountMale: f64(5), CountFemale: f64(5), Energy: f64(0.5)},
			{Datetime: "2024-05-01T11:15:00", DeviceID: "cam-1", CountTotal: f64(4)},
			{Datetime: "2024-05-01T10:15:00", DeviceID: "ghost", CountTotal: f64(1)},
			{Datetime: "yesterday", DeviceID: "cam-1"},
			{Datetime: "2024-05-01T10:45:00", DeviceID: "cam-1", CountTotal: f64(10), CountMale: f64(0)},
		},
		impressions: []*feed.Impression{
			{LatestDatetime: "2024-05-01T10:00:00", DeviceID: "cam-2", Zone: domain.ZoneInternal, DwellTime: 20},
			{LatestDatetime: "2024-05-01T10:30:00", DeviceID: "cam-2", Zone: domain.ZoneInternal, DwellTime: 5},
			{LatestDatetime: "2024-05-01T10:10:00", DeviceID: "cam-2", Zone: domain.ZoneAisle, DwellTime: 30, EnergyMedian: 0.4},
			{LatestDatetime: "2024-05-01T10:20:00", Zone: domain.ZoneAisle},
		},
		uniqueImpressions: []*feed.UniqueImpression{
			{Date: "2024-05-01", DeviceID: "cam-2", Zone: domain.ZoneInternal, ImpressionsTotal: 3, DwellTime: 90, EnergyMedian: 0.6},
		},
		qrScans: []*feed.QrScan{
			{Datetime: "2024-05-01T10:00:00", DeviceID: "qr-1", DeviceName: "QR Side", QRCode: "A"},
			{Datetime: "2024-05-01T10:45:30", DeviceID: "qr-1", DeviceName: "QR Side", QRCode: "A"},
			{Datetime: "2024-05-01T11:00:00", DeviceID: "qr-1", DeviceName: "QR Side", QRCode: "B"},
			{Datetime: "2024-05-01T11:00:00", DeviceID: "ghost", DeviceName: "QR Side", QRCode: "C"},
		},
	}
}

func newTestSyncer(store *memStore, feeds map[string]*fakeFeed, batchSize int, options ...Option) *Syncer {
	keys := make([]string, 0, len(feeds))
	for _, k := range []string{"key-1", "key-2"} {
		if _, ok := feeds[k]; ok {
			keys = append(keys, k)
		}
	}
	factory := func(apiKey string) Feed { return feeds[apiKey] }
	return NewSyncer(factory, store.store(), Options{APIKeys: keys, BatchSize: batchSize, Location: time.UTC}, zap.NewNop(), options...)
}

func sessionByName(t *testing.T, store *memStore, name string) *domain.Session {
	t.Helper()
	for _, s := range store.sessions {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("session %q not stored", name)
	return nil
}

func TestSyncProject_FullPass(t *testing.T) {
	store := newMemStore()
	notifier := &recordingNotifier{}
	s := newTestSyncer(store, map[string]*fakeFeed{"key-1": expoFeed()}, 2,
		WithNotifier(notifier), WithMetrics(metrics.NewManager()))

	outcome := s.SyncProject(context.Background(), 1)
	require.NoError(t, outcome.Err)
	assert.Equal(t, StatusSuccess, outcome.Status)

	// 参照数据
	assert.Len(t, store.stages, 2)
	assert.Len(t, store.sessions, 3)
	assert.Equal(t, 1, outcome.Counts[feedSessions].Skipped)
	assert.Len(t, store.booths, 2)
	assert.Len(t, store.devices, 3)
	require.Len(t, store.devices[0].Assignments, 1)

	// 观测：幽灵设备与无法解析的时间被跳过，未命中场次的记录仍然写入
	assert.Equal(t, 5, outcome.Counts[feedObservations].Fetched)
	assert.Equal(t, 3, outcome.Counts[feedObservations].Stored)
	assert.Equal(t, 2, outcome.Counts[feedObservations].Skipped)
	assert.Equal(t, []int{2, 1}, store.observationBatches)

	opening := sessionByName(t, store, "Opening")
	linked := 0
	for _, o := range store.observations {
		if o.SessionID.Valid {
			assert.Equal(t, opening.ID, o.SessionID.Int64)
			linked++
		}
	}
	assert.Equal(t, 2, linked)

	// 场次分析只为有观测的场次写入
	require.Len(t, store.sessionAnalytics, 1)
	assert.InDelta(t, 0.25, store.sessionAnalytics[opening.ID].MaleRatio, 1e-9)

	// 印象：缺少设备 id 的记录被跳过，展位取当天第一个存在的展位
	assert.Equal(t, 1, outcome.Counts[feedImpressions].Skipped)
	require.Len(t, store.impressions, 3)
	boothTwo := store.boothID("b-2")
	for _, imp := range store.impressions {
		assert.Equal(t, boothTwo, imp.BoothID.Int64)
	}
	require.Len(t, store.uniques, 1)
	assert.Equal(t, boothTwo, store.uniques[0].BoothID.Int64)
	assert.Equal(t, "2024-05-01", store.uniques[0].Date)

	internal := store.impressionAnalytics["1/internal"]
	require.NotNil(t, internal)
	assert.Equal(t, 2, internal.TotalImpressions)
	assert.Equal(t, []string{"2024-05-01"}, internal.Dates)
	assert.Equal(t, 1, store.impressionAnalytics["1/aisle"].TotalImpressions)

	// 二维码：场次由 qr-1 的舞台 11 解析，停留时间回写，去重数缓存到项目
	workshop := sessionByName(t, store, "Workshop")
	require.Len(t, store.qrScans, 3)
	dwell := map[string][]int{}
	for _, q := range store.qrScans {
		assert.Equal(t, workshop.ID, q.SessionID.Int64)
		dwell[q.QRCode] = append(dwell[q.QRCode], q.DwellTime)
	}
	assert.Equal(t, []int{45, 0}, dwell["A"])
	assert.Equal(t, []int{0}, dwell["B"])

	project := store.projects[1]
	assert.Equal(t, []domain.Capability{domain.CapabilityObservation, domain.CapabilityImpression, domain.CapabilityQR}, project.Type)
	assert.Equal(t, 2, project.UniqueQRCodes)

	// 舞台类型：最后一次解析的遥测类型
	assert.Equal(t, domain.CapabilityObservation, store.stageType(10))
	assert.Equal(t, domain.CapabilityQR, store.stageType(11))

	require.Len(t, notifier.events, 1)
	assert.Equal(t, StatusSuccess, notifier.events[0].Status)
	assert.Equal(t, int64(1), notifier.events[0].ProjectID)
	assert.Equal(t, 3, notifier.events[0].Counts[feedObservations].Stored)
}

func TestSyncProject_RerunConverges(t *testing.T) {
	store := newMemStore()
	s := newTestSyncer(store, map[string]*fakeFeed{"key-1": expoFeed()}, 1000)

	require.NoError(t, s.SyncProject(context.Background(), 1).Err)
	writes := store.stageTypeWrites
	dwellWrites := store.dwellUpdates

	require.NoError(t, s.SyncProject(context.Background(), 1).Err)

	assert.Len(t, store.sessions, 3)
	assert.Len(t, store.booths, 2)
	assert.Len(t, store.impressions, 3)
	assert.Len(t, store.uniques, 1)
	assert.Len(t, store.qrScans, 3)
	// 观测只追加
	assert.Len(t, store.observations, 6)
	assert.Equal(t, writes, store.stageTypeWrites)
	assert.Equal(t, dwellWrites, store.dwellUpdates)
	assert.Len(t, store.projects[1].Type, 3)
}

func TestSyncProject_ZeroImpressionZone(t *testing.T) {
	f := expoFeed()
	f.impressions = f.impressions[:2]
	store := newMemStore()
	s := newTestSyncer(store, map[string]*fakeFeed{"key-1": f}, 1000)

	require.NoError(t, s.SyncProject(context.Background(), 1).Err)

	aisle := store.impressionAnalytics["1/aisle"]
	require.NotNil(t, aisle)
	assert.Equal(t, 0, aisle.TotalImpressions)
	assert.Empty(t, aisle.Dates)
	assert.Empty(t, aisle.ImpressionCount)
}

func TestSyncProject_NoImpressionCapability(t *testing.T) {
	f := expoFeed()
	f.impressions = nil
	f.uniqueImpressions = nil
	store := newMemStore()
	s := newTestSyncer(store, map[string]*fakeFeed{"key-1": f}, 1000)

	require.NoError(t, s.SyncProject(context.Background(), 1).Err)

	assert.Empty(t, store.impressionAnalytics)
	assert.False(t, store.projects[1].HasCapability(domain.CapabilityImpression))
}

func TestSyncProject_UniqueImpressionsDoNotTagImpressionCapability(t *testing.T) {
	f := expoFeed()
	f.impressions = nil
	store := newMemStore()
	s := newTestSyncer(store, map[string]*fakeFeed{"key-1": f}, 1000)

	outcome := s.SyncProject(context.Background(), 1)
	require.NoError(t, outcome.Err)

	require.Len(t, store.uniques, 1)
	assert.Equal(t, 1, outcome.Counts[feedUniqueImpressions].Stored)
	assert.False(t, store.projects[1].HasCapability(domain.CapabilityImpression))
	assert.Empty(t, store.impressionAnalytics)
}

func TestSyncProject_RowsRejectedByDatabaseAreSkipped(t *testing.T) {
	store := newMemStore()
	store.rejectImpression = func(i *domain.Impression) error {
		if i.Zone == domain.ZoneAisle {
			return fmt.Errorf(`impression %s: pq: invalid byte sequence for encoding "UTF8": 0x00: %w`, i.DeviceID, domain.ErrMalformedInput)
		}
		return nil
	}
	s := newTestSyncer(store, map[string]*fakeFeed{"key-1": expoFeed()}, 2)

	outcome := s.SyncProject(context.Background(), 1)
	require.NoError(t, outcome.Err)
	assert.Equal(t, StatusSuccess, outcome.Status)

	// 同批的其余记录照常写入，后续步骤继续执行
	assert.Equal(t, 2, outcome.Counts[feedImpressions].Stored)
	assert.Equal(t, 2, outcome.Counts[feedImpressions].Skipped)
	require.Len(t, store.impressions, 2)
	assert.Equal(t, 2, store.impressionAnalytics["1/internal"].TotalImpressions)
	assert.Equal(t, 0, store.impressionAnalytics["1/aisle"].TotalImpressions)
	assert.Len(t, store.qrScans, 3)
}

func TestSyncProject_FallsBackToNextKey(t *testing.T) {
	first := expoFeed()
	first.projects = map[int64]*feed.Project{}
	store := newMemStore()
	s := newTestSyncer(store, map[string]*fakeFeed{"key-1": first, "key-2": expoFeed()}, 1000)

	outcome := s.SyncProject(context.Background(), 1)
	require.NoError(t, outcome.Err)
	assert.Equal(t, 1, outcome.KeyIndex)
	assert.Equal(t, []string{"project/1"}, first.calls)
}

func TestSyncProject_UpstreamFailureDoesNotTryNextKey(t *testing.T) {
	first := expoFeed()
	first.errs = map[string]error{"observations": &feed.UpstreamError{Endpoint: "projects/1/observations", StatusCode: 502}}
	second := expoFeed()
	store := newMemStore()
	s := newTestSyncer(store, map[string]*fakeFeed{"key-1": first, "key-2": second}, 1000)

	outcome := s.SyncProject(context.Background(), 1)
	require.Error(t, outcome.Err)
	assert.True(t, errors.Is(outcome.Err, feed.ErrUpstream))
	assert.Contains(t, outcome.Err.Error(), "observations")
	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Empty(t, second.calls)

	// 失败前的步骤已经生效
	assert.Len(t, store.sessions, 3)
	assert.Empty(t, store.qrScans)
}

func TestSyncProject_Locked(t *testing.T) {
	locker := newFakeLocker()
	release, ok, err := locker.Acquire(context.Background(), projectLockKey(1), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	f := expoFeed()
	store := newMemStore()
	s := newTestSyncer(store, map[string]*fakeFeed{"key-1": f}, 1000, WithLocker(locker))

	outcome := s.SyncProject(context.Background(), 1)
	assert.Equal(t, StatusLocked, outcome.Status)
	assert.True(t, errors.Is(outcome.Err, ErrProjectLocked))
	assert.Empty(t, f.calls)

	release(context.Background())
	outcome = s.SyncProject(context.Background(), 1)
	assert.Equal(t, StatusSuccess, outcome.Status)
	assert.False(t, locker.held[projectLockKey(1)])
}

func TestSyncAll_IsolatesProjectFailures(t *testing.T) {
	f := expoFeed()
	f.refs = append(f.refs, &feed.ProjectRef{ID: 2, Name: "Broken"})
	f.errs = map[string]error{"project/2": &feed.UpstreamError{Endpoint: "projects/2", StatusCode: 500}}
	store := newMemStore()
	s := newTestSyncer(store, map[string]*fakeFeed{"key-1": f}, 1000)

	report := s.SyncAll(context.Background())
	require.NotEmpty(t, report.RunID)
	require.Len(t, report.Projects, 2)
	assert.Equal(t, StatusSuccess, report.Projects[0].Status)
	assert.Equal(t, StatusFailed, report.Projects[1].Status)

	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, int64(2), failed[0].ProjectID)
	assert.Empty(t, report.Errors)
}

func TestSyncAll_ListFailureRecorded(t *testing.T) {
	broken := expoFeed()
	broken.errs = map[string]error{"projects": &feed.UpstreamError{Endpoint: "projects", StatusCode: 503}}
	store := newMemStore()
	s := newTestSyncer(store, map[string]*fakeFeed{"key-1": broken, "key-2": expoFeed()}, 1000)

	report := s.SyncAll(context.Background())
	require.Len(t, report.Errors, 1)
	require.Len(t, report.Projects, 1)
	assert.Equal(t, 1, report.Projects[0].KeyIndex)
	assert.Equal(t, StatusSuccess, report.Projects[0].Status)
}

func TestSyncProjectList(t *testing.T) {
	f := expoFeed()
	f.refs = append(f.refs, &feed.ProjectRef{ID: 3, Name: "Missing"})
	store := newMemStore()
	s := newTestSyncer(store, map[string]*fakeFeed{"key-1": f}, 1000)

	ids, err := s.SyncProjectList(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)
	assert.Equal(t, "Expo", store.projects[1].Name)
	assert.Empty(t, store.sessions)
}

func TestRelinkQRSessions(t *testing.T) {
	store := newMemStore()
	s := newTestSyncer(store, map[string]*fakeFeed{"key-1": expoFeed()}, 1000)
	require.NoError(t, s.SyncProject(context.Background(), 1).Err)

	store.qrScans = append(store.qrScans, &domain.QrScan{
		ID: 999, ProjectID: 1, DeviceID: "qr-2", QRCode: "C",
		Datetime: time.Date(2024, 5, 1, 9, 40, 0, 0, time.UTC),
	}, &domain.QrScan{
		ID: 1000, ProjectID: 1, DeviceID: "qr-2", QRCode: "D",
		Datetime: time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC),
	})

	// 宽松规则按项目场次顺序取第一个，Opening 的窗口为 09:30-11:15
	updated, err := s.RelinkQRSessions(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 4, updated)

	opening := sessionByName(t, store, "Opening")
	for _, q := range store.qrScans {
		if q.QRCode == "D" {
			assert.False(t, q.SessionID.Valid)
			continue
		}
		assert.Equal(t, opening.ID, q.SessionID.Int64)
	}

	updated, err = s.RelinkQRSessions(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, updated)
}

func TestBuildReport(t *testing.T) {
	store := newMemStore()
	s := newTestSyncer(store, map[string]*fakeFeed{"key-1": expoFeed()}, 1000)
	require.NoError(t, s.SyncProject(context.Background(), 1).Err)

	report, err := s.BuildReport(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, int64(1), report.ProjectID)
	assert.Equal(t, 3, report.QR.TotalScans)
	assert.Equal(t, 2, report.QR.UniqueScans)
	assert.Equal(t, 2, report.QR.UniqueStageQRCodes["Hall - Side"])
	assert.Equal(t, 45, report.QR.MaxDwellTime)

	assert.Equal(t, 1, report.Booths.UniqueImpressions.Visits)
	assert.Equal(t, 1, report.Booths.UniqueImpressions.DwellVisits)
	assert.Equal(t, 1, report.Booths.Impressions.TotalImpressions)
	assert.Equal(t, 1.0, report.Booths.Impressions.StopRate)
}
