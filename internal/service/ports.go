package service

import (
	"context"

	"rome-sync/internal/feed"
	"rome-sync/internal/repository"
)

// Feed 上游遥测数据源（feed.Client 实现）
type Feed interface {
	ListProjects(ctx context.Context) ([]*feed.ProjectRef, error)
	GetProject(ctx context.Context, projectID int64) (*feed.Project, error)
	GetStages(ctx context.Context, projectID int64) ([]*feed.Stage, error)
	GetBooths(ctx context.Context, projectID int64) ([]*feed.Booth, error)
	GetDevices(ctx context.Context, projectID int64) ([]*feed.Device, error)
	GetObservations(ctx context.Context, projectID int64) ([]*feed.Observation, error)
	GetImpressions(ctx context.Context, projectID int64) ([]*feed.Impression, error)
	GetUniqueImpressions(ctx context.Context, projectID int64) ([]*feed.UniqueImpression, error)
	GetQRScans(ctx context.Context, projectID int64) ([]*feed.QrScan, error)
}

// FeedFactory 为一个 API key 创建数据源，每轮同步一个
type FeedFactory func(apiKey string) Feed

// Store 同步使用的全部仓库
type Store struct {
	Projects  repository.ProjectsRepository
	Stages    repository.StagesRepository
	Booths    repository.BoothsRepository
	Devices   repository.DevicesRepository
	Telemetry repository.TelemetryRepository
	QR        repository.QRRepository
	Analytics repository.AnalyticsRepository
}

// NewStore 由 PostgreSQL 仓库组装
func NewStore(r *repository.Repositories) Store {
	return Store{
		Projects:  r.Projects,
		Stages:    r.Stages,
		Booths:    r.Booths,
		Devices:   r.Devices,
		Telemetry: r.Telemetry,
		QR:        r.QR,
		Analytics: r.Analytics,
	}
}
