package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"rome-sync/internal/domain"

	"go.uber.org/zap"
)

// TelemetryRepository 观测、印象与去重印象
type TelemetryRepository interface {
	// InsertObservations 只追加，一批一个事务
	InsertObservations(ctx context.Context, batch []*domain.Observation) (BatchResult, error)
	ListSessionObservations(ctx context.Context, projectID, sessionID int64) ([]*domain.Observation, error)

	// UpsertImpressions 按 (project, device_id, latest_datetime) 去重
	UpsertImpressions(ctx context.Context, batch []*domain.Impression) (BatchResult, error)
	// ListImpressions zone 为空时返回全部区域
	ListImpressions(ctx context.Context, projectID int64, zone string) ([]*domain.Impression, error)

	// UpsertUniqueImpressions 按全部字段去重
	UpsertUniqueImpressions(ctx context.Context, batch []*domain.UniqueImpression) (BatchResult, error)
	ListUniqueImpressions(ctx context.Context, projectID int64) ([]*domain.UniqueImpression, error)
}

// PostgresTelemetryRepository 遥测仓库
type PostgresTelemetryRepository struct {
	db     *sql.DB
	loc    *time.Location
	logger *zap.Logger
}

func NewPostgresTelemetryRepository(db *sql.DB, loc *time.Location, logger *zap.Logger) *PostgresTelemetryRepository {
	return &PostgresTelemetryRepository{db: db, loc: loc, logger: logger}
}

func (r *PostgresTelemetryRepository) InsertObservations(ctx context.Context, batch []*domain.Observation) (BatchResult, error) {
	query := `
		INSERT INTO observations (
			project_id, session_id, datetime, device_id, device_name,
			count_total, count_male, count_female, count_under_40, count_over_40,
			energy, energy_male, energy_female, energy_under_40, energy_over_40
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	res, err := writeBatch(ctx, r.db, batch, func(tx *sql.Tx, o *domain.Observation) error {
		_, err := tx.ExecContext(ctx, query,
			o.ProjectID, nullableInt64(o.SessionID), o.Datetime, o.DeviceID, o.DeviceName,
			nullableFloat(o.CountTotal), nullableFloat(o.CountMale), nullableFloat(o.CountFemale),
			nullableFloat(o.CountUnder40), nullableFloat(o.CountOver40),
			nullableFloat(o.Energy), nullableFloat(o.EnergyMale), nullableFloat(o.EnergyFemale),
			nullableFloat(o.EnergyUnder40), nullableFloat(o.EnergyOver40),
		)
		if err != nil {
			return fmt.Errorf("observation %s@%s: %w", o.DeviceID, o.Datetime.Format(time.RFC3339), err)
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("failed to insert observations: %w", err)
	}
	return res, nil
}

func (r *PostgresTelemetryRepository) ListSessionObservations(ctx context.Context, projectID, sessionID int64) ([]*domain.Observation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, project_id, session_id, datetime, device_id, device_name,
			count_total, count_male, count_female, count_under_40, count_over_40,
			energy, energy_male, energy_female, energy_under_40, energy_over_40
		FROM observations
		WHERE project_id = $1 AND session_id = $2
		ORDER BY id
	`, projectID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list observations: %w", err)
	}
	defer rows.Close()

	out := []*domain.Observation{}
	for rows.Next() {
		var o domain.Observation
		if err := rows.Scan(
			&o.ID, &o.ProjectID, &o.SessionID, &o.Datetime, &o.DeviceID, &o.DeviceName,
			&o.CountTotal, &o.CountMale, &o.CountFemale, &o.CountUnder40, &o.CountOver40,
			&o.Energy, &o.EnergyMale, &o.EnergyFemale, &o.EnergyUnder40, &o.EnergyOver40,
		); err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		o.Datetime = o.Datetime.In(r.loc)
		out = append(out, &o)
	}
	return out, rows.Err()
}

func (r *PostgresTelemetryRepository) UpsertImpressions(ctx context.Context, batch []*domain.Impression) (BatchResult, error) {
	query := `
		INSERT INTO impressions (
			project_id, booth_id, latest_datetime, device_id, device_name, zone,
			dwell_time, energy_median, face_height_median, biological_sex, biological_age
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT ON CONSTRAINT impressions_natural_key DO UPDATE SET
			booth_id = EXCLUDED.booth_id,
			device_name = EXCLUDED.device_name,
			zone = EXCLUDED.zone,
			dwell_time = EXCLUDED.dwell_time,
			energy_median = EXCLUDED.energy_median,
			face_height_median = EXCLUDED.face_height_median,
			biological_sex = EXCLUDED.biological_sex,
			biological_age = EXCLUDED.biological_age
	`
	res, err := writeBatch(ctx, r.db, batch, func(tx *sql.Tx, i *domain.Impression) error {
		_, err := tx.ExecContext(ctx, query,
			i.ProjectID, nullableInt64(i.BoothID), i.LatestDatetime, i.DeviceID, i.DeviceName, i.Zone,
			i.DwellTime, i.EnergyMedian, i.FaceHeightMedian, i.BiologicalSex, i.BiologicalAge,
		)
		if err != nil {
			return fmt.Errorf("impression %s@%s: %w", i.DeviceID, i.LatestDatetime.Format(time.RFC3339), err)
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("failed to upsert impressions: %w", err)
	}
	return res, nil
}

func (r *PostgresTelemetryRepository) ListImpressions(ctx context.Context, projectID int64, zone string) ([]*domain.Impression, error) {
	query := `
		SELECT id, project_id, booth_id, latest_datetime, device_id, device_name, zone,
			dwell_time, energy_median, face_height_median, biological_sex, biological_age
		FROM impressions
		WHERE project_id = $1 AND ($2 = '' OR zone = $2)
		ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, query, projectID, zone)
	if err != nil {
		return nil, fmt.Errorf("failed to list impressions: %w", err)
	}
	defer rows.Close()

	out := []*domain.Impression{}
	for rows.Next() {
		var i domain.Impression
		if err := rows.Scan(
			&i.ID, &i.ProjectID, &i.BoothID, &i.LatestDatetime, &i.DeviceID, &i.DeviceName, &i.Zone,
			&i.DwellTime, &i.EnergyMedian, &i.FaceHeightMedian, &i.BiologicalSex, &i.BiologicalAge,
		); err != nil {
			return nil, fmt.Errorf("failed to scan impression: %w", err)
		}
		i.LatestDatetime = i.LatestDatetime.In(r.loc)
		out = append(out, &i)
	}
	return out, rows.Err()
}

func (r *PostgresTelemetryRepository) UpsertUniqueImpressions(ctx context.Context, batch []*domain.UniqueImpression) (BatchResult, error) {
	// 键即全部字段，重复记录无需更新
	query := `
		INSERT INTO unique_impressions (
			project_id, booth_id, date, device_id, zone, is_staff, impressions_total,
			visit_duration, dwell_time, energy_median, face_height_median, biological_sex, biological_age
		) VALUES ($1, $2, $3::date, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT ON CONSTRAINT unique_impressions_natural_key DO NOTHING
	`
	res, err := writeBatch(ctx, r.db, batch, func(tx *sql.Tx, u *domain.UniqueImpression) error {
		_, err := tx.ExecContext(ctx, query,
			u.ProjectID, nullableInt64(u.BoothID), u.Date, u.DeviceID, u.Zone, u.IsStaff, u.ImpressionsTotal,
			u.VisitDuration, u.DwellTime, u.EnergyMedian, u.FaceHeightMedian, u.BiologicalSex, u.BiologicalAge,
		)
		if err != nil {
			return fmt.Errorf("unique impression %s@%s: %w", u.DeviceID, u.Date, err)
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("failed to upsert unique impressions: %w", err)
	}
	return res, nil
}

func (r *PostgresTelemetryRepository) ListUniqueImpressions(ctx context.Context, projectID int64) ([]*domain.UniqueImpression, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, project_id, booth_id, to_char(date, 'YYYY-MM-DD'), device_id, zone, is_staff, impressions_total,
			visit_duration, dwell_time, energy_median, face_height_median, biological_sex, biological_age
		FROM unique_impressions
		WHERE project_id = $1
		ORDER BY id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list unique impressions: %w", err)
	}
	defer rows.Close()

	out := []*domain.UniqueImpression{}
	for rows.Next() {
		var u domain.UniqueImpression
		if err := rows.Scan(
			&u.ID, &u.ProjectID, &u.BoothID, &u.Date, &u.DeviceID, &u.Zone, &u.IsStaff, &u.ImpressionsTotal,
			&u.VisitDuration, &u.DwellTime, &u.EnergyMedian, &u.FaceHeightMedian, &u.BiologicalSex, &u.BiologicalAge,
		); err != nil {
			return nil, fmt.Errorf("failed to scan unique impression: %w", err)
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}
