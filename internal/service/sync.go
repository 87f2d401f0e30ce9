// Package service 同步编排：按依赖顺序拉取上游数据、解析归属、写入并计算派生分析。
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	logpkg "rome-sync/common/logger"
	"rome-sync/internal/domain"
	"rome-sync/internal/feed"
	"rome-sync/internal/metrics"
	"rome-sync/internal/notify"
	"rome-sync/internal/resolver"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 项目同步结果状态
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusLocked  = "locked"
)

// 计数使用的数据源名称
const (
	feedStages            = "stages"
	feedSessions          = "sessions"
	feedBooths            = "booths"
	feedDevices           = "devices"
	feedObservations      = "observations"
	feedImpressions       = "impressions"
	feedUniqueImpressions = "unique_impressions"
	feedQRScans           = "qr_scans"
)

// errProjectMissing 当前 API key 下不存在该项目
var errProjectMissing = errors.New("project not available for api key")

// Options 同步参数
type Options struct {
	APIKeys   []string
	BatchSize int
	Location  *time.Location
	LockTTL   time.Duration
}

// Option Syncer 可选依赖
type Option func(*Syncer)

// WithLocker 启用项目级锁
func WithLocker(l Locker) Option {
	return func(s *Syncer) { s.locker = l }
}

// WithNotifier 项目同步结束后发布事件
func WithNotifier(n notify.Notifier) Option {
	return func(s *Syncer) { s.notifier = n }
}

// WithMetrics 记录同步指标
func WithMetrics(m *metrics.Manager) Option {
	return func(s *Syncer) { s.metrics = m }
}

// Syncer 同步编排器；单 goroutine 顺序处理项目
type Syncer struct {
	feeds    FeedFactory
	store    Store
	opts     Options
	locker   Locker
	notifier notify.Notifier
	metrics  *metrics.Manager
	logger   *zap.Logger
	now      func() time.Time
}

// NewSyncer 创建同步编排器
func NewSyncer(feeds FeedFactory, store Store, opts Options, logger *zap.Logger, options ...Option) *Syncer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	s := &Syncer{
		feeds:    feeds,
		store:    store,
		opts:     opts,
		notifier: notify.Nop{},
		logger:   logger,
		now:      time.Now,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// ProjectOutcome 单个项目的同步结果
type ProjectOutcome struct {
	ProjectID int64
	KeyIndex  int
	Status    string
	Counts    map[string]notify.FeedCounts
	Duration  time.Duration
	Err       error
}

// RunReport 一次运行的全部项目结果
type RunReport struct {
	RunID    string
	Projects []*ProjectOutcome
	// Errors 项目列表拉取失败等项目之外的错误
	Errors []error
}

// Failed 同步失败的项目
func (r *RunReport) Failed() []*ProjectOutcome {
	var out []*ProjectOutcome
	for _, p := range r.Projects {
		if p.Status == StatusFailed {
			out = append(out, p)
		}
	}
	return out
}

// SyncAll 对每个 API key 拉取项目列表并逐个同步；单个项目失败不影响其他项目
func (s *Syncer) SyncAll(ctx context.Context) *RunReport {
	report := &RunReport{RunID: uuid.NewString()}
	logger := s.logger.With(zap.String("run_id", report.RunID))

	for i, key := range s.opts.APIKeys {
		if key == "" {
			continue
		}
		client := s.feeds(key)
		refs, err := client.ListProjects(ctx)
		if err != nil {
			logger.Error("Failed to list projects", zap.Int("key_index", i), zap.Error(err))
			report.Errors = append(report.Errors, fmt.Errorf("list projects with key %d: %w", i, err))
			continue
		}
		logger.Info("Syncing projects", zap.Int("key_index", i), zap.Int("count", len(refs)))

		for _, ref := range refs {
			if ctx.Err() != nil {
				report.Errors = append(report.Errors, ctx.Err())
				return report
			}
			report.Projects = append(report.Projects, s.runProject(ctx, client, report.RunID, i, ref.ID))
		}
	}
	return report
}

// SyncProject 按顺序尝试每个 API key，直到某个 key 能取到该项目
func (s *Syncer) SyncProject(ctx context.Context, projectID int64) *ProjectOutcome {
	runID := uuid.NewString()
	outcome := &ProjectOutcome{
		ProjectID: projectID,
		Status:    StatusFailed,
		Err:       fmt.Errorf("project %d: no api key configured", projectID),
	}
	for i, key := range s.opts.APIKeys {
		if key == "" {
			continue
		}
		outcome = s.runProject(ctx, s.feeds(key), runID, i, projectID)
		if !errors.Is(outcome.Err, errProjectMissing) {
			return outcome
		}
		s.logger.Info("Project not available, trying next api key",
			zap.String("run_id", runID),
			zap.Int64("project_id", projectID),
			zap.Int("key_index", i),
		)
	}
	return outcome
}

// SyncProjectList 只同步项目详情，返回成功写入的项目 id
func (s *Syncer) SyncProjectList(ctx context.Context) ([]int64, error) {
	var (
		ids  []int64
		errs []error
	)
	for i, key := range s.opts.APIKeys {
		if key == "" {
			continue
		}
		client := s.feeds(key)
		refs, err := client.ListProjects(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("list projects with key %d: %w", i, err))
			continue
		}
		for _, ref := range refs {
			if err := s.syncDetail(ctx, client, ref.ID); err != nil {
				s.logger.Warn("Skipping project detail",
					zap.Int64("project_id", ref.ID),
					zap.Int("key_index", i),
					zap.Error(err),
				)
				continue
			}
			ids = append(ids, ref.ID)
		}
	}
	return ids, errors.Join(errs...)
}

// runProject 加锁、同步、记录指标并发布事件
func (s *Syncer) runProject(ctx context.Context, client Feed, runID string, keyIndex int, projectID int64) *ProjectOutcome {
	start := s.now()
	logger := logpkg.ForProject(s.logger, runID, projectID, keyIndex)
	st := newProjectState(projectID, logger)
	outcome := &ProjectOutcome{ProjectID: projectID, KeyIndex: keyIndex}

	if s.locker != nil {
		release, ok, err := s.locker.Acquire(ctx, projectLockKey(projectID), s.opts.LockTTL)
		switch {
		case err != nil:
			outcome.Err = err
		case !ok:
			outcome.Err = fmt.Errorf("project %d: %w", projectID, ErrProjectLocked)
		default:
			defer release(context.Background())
		}
	}

	if outcome.Err == nil {
		outcome.Err = s.syncProject(ctx, client, st)
	}

	finished := s.now()
	outcome.Duration = finished.Sub(start)
	outcome.Counts = st.snapshotCounts()
	switch {
	case outcome.Err == nil:
		outcome.Status = StatusSuccess
		logger.Info("Project synced", zap.Duration("duration", outcome.Duration))
	case errors.Is(outcome.Err, ErrProjectLocked):
		outcome.Status = StatusLocked
		logger.Warn("Project sync skipped", zap.Error(outcome.Err))
	default:
		outcome.Status = StatusFailed
		logger.Error("Project sync failed", zap.Duration("duration", outcome.Duration), zap.Error(outcome.Err))
	}

	s.metrics.ProjectFinished(outcome.Status, outcome.Duration, finished)

	event := &notify.SyncEvent{
		RunID:      runID,
		ProjectID:  projectID,
		Status:     outcome.Status,
		Counts:     outcome.Counts,
		FinishedAt: finished,
	}
	if outcome.Err != nil {
		event.Error = outcome.Err.Error()
	}
	if err := s.notifier.Notify(ctx, event); err != nil {
		logger.Warn("Failed to publish sync event", zap.Error(err))
	}
	return outcome
}

// syncProject 严格按依赖顺序执行各步骤；任何一步返回错误即中止该项目
func (s *Syncer) syncProject(ctx context.Context, client Feed, st *projectState) error {
	steps := []struct {
		name string
		run  func(ctx context.Context, client Feed, st *projectState) error
	}{
		{"project", s.loadProject},
		{"stages", s.syncStages},
		{"booths", s.syncBooths},
		{"devices", s.syncDevices},
		{"index", s.buildResolver},
		{"observations", s.syncObservations},
		{"session_analytics", s.computeSessionAnalytics},
		{"impressions", s.syncImpressions},
		{"unique_impressions", s.syncUniqueImpressions},
		{"impression_analytics", s.computeImpressionAnalytics},
		{"qr_scans", s.syncQRScans},
		{"qr_dwell_times", s.computeDwellTimes},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := step.run(ctx, client, st); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}
	return nil
}

// projectState 单个项目一次同步内的状态
type projectState struct {
	projectID int64
	project   *domain.Project
	resolver  *resolver.Resolver
	sessions  []*domain.Session
	counts    map[string]*notify.FeedCounts
	logger    *zap.Logger
}

func newProjectState(projectID int64, logger *zap.Logger) *projectState {
	return &projectState{
		projectID: projectID,
		counts:    make(map[string]*notify.FeedCounts),
		logger:    logger,
	}
}

func (st *projectState) count(feedName string) *notify.FeedCounts {
	c, ok := st.counts[feedName]
	if !ok {
		c = &notify.FeedCounts{}
		st.counts[feedName] = c
	}
	return c
}

func (st *projectState) snapshotCounts() map[string]notify.FeedCounts {
	out := make(map[string]notify.FeedCounts, len(st.counts))
	for k, v := range st.counts {
		out[k] = *v
	}
	return out
}

// skip 记录级错误：记录日志后跳过该条
func (s *Syncer) skip(st *projectState, feedName string, err error) {
	reason := skipReason(err)
	st.count(feedName).Skipped++
	s.metrics.RecordSkipped(feedName, reason)
	st.logger.Warn("Skipping record",
		zap.String("feed", feedName),
		zap.String("reason", reason),
		zap.Error(err),
	)
}

func (s *Syncer) stored(st *projectState, feedName string, n int) {
	st.count(feedName).Stored += n
	s.metrics.RecordStored(feedName, n)
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrMalformedInput):
		return "malformed"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}

// recordLevel 只有这三类错误可以跳过，其余错误中止项目同步
func recordLevel(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrMalformedInput) ||
		errors.Is(err, domain.ErrConflict)
}

// addCapability 数据源返回了记录时追加能力标签
func (s *Syncer) addCapability(ctx context.Context, st *projectState, c domain.Capability) error {
	if !st.project.AddCapability(c) {
		return nil
	}
	if err := s.store.Projects.UpdateProjectType(ctx, st.projectID, st.project.Type); err != nil {
		return fmt.Errorf("failed to tag project with %s: %w", c, err)
	}
	st.logger.Info("Project capability added", zap.String("capability", string(c)))
	return nil
}

// syncDetail 拉取并写入项目详情
func (s *Syncer) syncDetail(ctx context.Context, client Feed, projectID int64) error {
	detail, err := client.GetProject(ctx, projectID)
	if err != nil {
		if feed.IsNotFound(err) {
			return fmt.Errorf("%w: %w", errProjectMissing, err)
		}
		return err
	}
	p, err := detail.ToDomain(s.opts.Location)
	if err != nil {
		return err
	}
	return s.store.Projects.UpsertProject(ctx, p)
}

func (s *Syncer) loadProject(ctx context.Context, client Feed, st *projectState) error {
	if err := s.syncDetail(ctx, client, st.projectID); err != nil {
		return err
	}
	p, err := s.store.Projects.GetProject(ctx, st.projectID)
	if err != nil {
		return err
	}
	st.project = p
	return nil
}
