package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"rome-sync/internal/domain"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// AnalyticsRepository 派生分析数据，每次同步整体覆盖
type AnalyticsRepository interface {
	UpsertSessionAnalytics(ctx context.Context, a *domain.SessionAnalytics) error
	GetSessionAnalytics(ctx context.Context, sessionID int64) (*domain.SessionAnalytics, error)
	UpsertImpressionAnalytics(ctx context.Context, a *domain.ImpressionAnalytics) error
	GetImpressionAnalytics(ctx context.Context, projectID int64, zone string) (*domain.ImpressionAnalytics, error)
}

// PostgresAnalyticsRepository 分析数据仓库
type PostgresAnalyticsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresAnalyticsRepository(db *sql.DB, logger *zap.Logger) *PostgresAnalyticsRepository {
	return &PostgresAnalyticsRepository{db: db, logger: logger}
}

func (r *PostgresAnalyticsRepository) UpsertSessionAnalytics(ctx context.Context, a *domain.SessionAnalytics) error {
	query := `
		INSERT INTO session_analytics (
			project_id, session_id,
			male_ratio, female_ratio, under_40_ratio, over_40_ratio,
			energy_avg, male_energy_avg, female_energy_avg, under_40_energy_avg, over_40_energy_avg,
			updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (session_id) DO UPDATE SET
			project_id = EXCLUDED.project_id,
			male_ratio = EXCLUDED.male_ratio,
			female_ratio = EXCLUDED.female_ratio,
			under_40_ratio = EXCLUDED.under_40_ratio,
			over_40_ratio = EXCLUDED.over_40_ratio,
			energy_avg = EXCLUDED.energy_avg,
			male_energy_avg = EXCLUDED.male_energy_avg,
			female_energy_avg = EXCLUDED.female_energy_avg,
			under_40_energy_avg = EXCLUDED.under_40_energy_avg,
			over_40_energy_avg = EXCLUDED.over_40_energy_avg,
			updated_at = NOW()
		RETURNING id, updated_at
	`
	err := r.db.QueryRowContext(ctx, query,
		a.ProjectID, a.SessionID,
		a.MaleRatio, a.FemaleRatio, a.Under40Ratio, a.Over40Ratio,
		a.EnergyAvg, a.MaleEnergyAvg, a.FemaleEnergyAvg, a.Under40EnergyAvg, a.Over40EnergyAvg,
	).Scan(&a.ID, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert session analytics for session %d: %w", a.SessionID, mapError(err))
	}
	return nil
}

func (r *PostgresAnalyticsRepository) GetSessionAnalytics(ctx context.Context, sessionID int64) (*domain.SessionAnalytics, error) {
	query := `
		SELECT id, project_id, session_id,
			male_ratio, female_ratio, under_40_ratio, over_40_ratio,
			energy_avg, male_energy_avg, female_energy_avg, under_40_energy_avg, over_40_energy_avg,
			updated_at
		FROM session_analytics
		WHERE session_id = $1
	`
	var a domain.SessionAnalytics
	err := r.db.QueryRowContext(ctx, query, sessionID).Scan(
		&a.ID, &a.ProjectID, &a.SessionID,
		&a.MaleRatio, &a.FemaleRatio, &a.Under40Ratio, &a.Over40Ratio,
		&a.EnergyAvg, &a.MaleEnergyAvg, &a.FemaleEnergyAvg, &a.Under40EnergyAvg, &a.Over40EnergyAvg,
		&a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session analytics %d: %w", sessionID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session analytics: %w", err)
	}
	return &a, nil
}

func (r *PostgresAnalyticsRepository) UpsertImpressionAnalytics(ctx context.Context, a *domain.ImpressionAnalytics) error {
	dates := a.Dates
	if dates == nil {
		dates = []string{}
	}
	counts := a.ImpressionCount
	if counts == nil {
		counts = []domain.DateBuckets{}
	}
	datesJSON, err := json.Marshal(dates)
	if err != nil {
		return fmt.Errorf("failed to encode dates: %w", err)
	}
	countsJSON, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("failed to encode impression counts: %w", err)
	}

	query := `
		INSERT INTO impression_analytics (project_id, zone, date, impression_count, total_impressions, updated_at)
		VALUES ($1, $2, $3::jsonb, $4::jsonb, $5, NOW())
		ON CONFLICT ON CONSTRAINT impression_analytics_natural_key DO UPDATE SET
			date = EXCLUDED.date,
			impression_count = EXCLUDED.impression_count,
			total_impressions = EXCLUDED.total_impressions,
			updated_at = NOW()
		RETURNING id, updated_at
	`
	err = r.db.QueryRowContext(ctx, query,
		a.ProjectID, a.Zone, string(datesJSON), string(countsJSON), a.TotalImpressions,
	).Scan(&a.ID, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert impression analytics for zone %s: %w", a.Zone, mapError(err))
	}
	return nil
}

func (r *PostgresAnalyticsRepository) GetImpressionAnalytics(ctx context.Context, projectID int64, zone string) (*domain.ImpressionAnalytics, error) {
	query := `
		SELECT id, project_id, zone, date, impression_count, total_impressions, updated_at
		FROM impression_analytics
		WHERE project_id = $1 AND zone = $2
	`
	var (
		a      domain.ImpressionAnalytics
		dates  []byte
		counts []byte
	)
	err := r.db.QueryRowContext(ctx, query, projectID, zone).Scan(
		&a.ID, &a.ProjectID, &a.Zone, &dates, &counts, &a.TotalImpressions, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("impression analytics %d/%s: %w", projectID, zone, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get impression analytics: %w", err)
	}
	if err := json.Unmarshal(dates, &a.Dates); err != nil {
		return nil, fmt.Errorf("failed to decode dates: %w", err)
	}
	if err := json.Unmarshal(counts, &a.ImpressionCount); err != nil {
		return nil, fmt.Errorf("failed to decode impression counts: %w", err)
	}
	return &a, nil
}
