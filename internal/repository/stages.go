package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"rome-sync/internal/domain"

	"go.uber.org/zap"
)

// StagesRepository 舞台与场次
type StagesRepository interface {
	// UpsertStage 按上游 id 写入；type 不被覆盖
	UpsertStage(ctx context.Context, s *domain.Stage) error
	// UpsertSession 按全部字段去重，写回 s.ID
	UpsertSession(ctx context.Context, s *domain.Session) error
	ListStages(ctx context.Context, projectID int64) ([]*domain.Stage, error)
	// ListSessions 按 id 升序，宽松匹配按此顺序取第一个
	ListSessions(ctx context.Context, projectID int64) ([]*domain.Session, error)
	UpdateStageType(ctx context.Context, stageID int64, kind domain.Capability) error
}

// PostgresStagesRepository 舞台与场次仓库
type PostgresStagesRepository struct {
	db     *sql.DB
	loc    *time.Location
	logger *zap.Logger
}

func NewPostgresStagesRepository(db *sql.DB, loc *time.Location, logger *zap.Logger) *PostgresStagesRepository {
	return &PostgresStagesRepository{db: db, loc: loc, logger: logger}
}

func (r *PostgresStagesRepository) UpsertStage(ctx context.Context, s *domain.Stage) error {
	query := `
		INSERT INTO project_stages (id, project_id, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			project_id = EXCLUDED.project_id,
			name = EXCLUDED.name
	`
	if _, err := r.db.ExecContext(ctx, query, s.ID, s.ProjectID, s.Name); err != nil {
		return fmt.Errorf("failed to upsert stage %d: %w", s.ID, mapError(err))
	}
	return nil
}

func (r *PostgresStagesRepository) UpsertSession(ctx context.Context, s *domain.Session) error {
	// DO UPDATE 使冲突时也能 RETURNING id
	query := `
		INSERT INTO sessions (project_id, stage_id, name, start_datetime, end_datetime)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT ON CONSTRAINT sessions_natural_key DO UPDATE SET name = EXCLUDED.name
		RETURNING id
	`
	err := r.db.QueryRowContext(ctx, query,
		s.ProjectID, s.StageID, s.Name, s.StartDatetime, s.EndDatetime,
	).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert session %q: %w", s.Name, mapError(err))
	}
	return nil
}

func (r *PostgresStagesRepository) ListStages(ctx context.Context, projectID int64) ([]*domain.Stage, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, project_id, name, type
		FROM project_stages
		WHERE project_id = $1
		ORDER BY id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stages: %w", err)
	}
	defer rows.Close()

	out := []*domain.Stage{}
	for rows.Next() {
		var s domain.Stage
		var kind string
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.Name, &kind); err != nil {
			return nil, fmt.Errorf("failed to scan stage: %w", err)
		}
		s.Type = domain.Capability(kind)
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (r *PostgresStagesRepository) ListSessions(ctx context.Context, projectID int64) ([]*domain.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, project_id, stage_id, name, start_datetime, end_datetime
		FROM sessions
		WHERE project_id = $1
		ORDER BY id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	out := []*domain.Session{}
	for rows.Next() {
		var s domain.Session
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.StageID, &s.Name, &s.StartDatetime, &s.EndDatetime); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.StartDatetime = s.StartDatetime.In(r.loc)
		s.EndDatetime = s.EndDatetime.In(r.loc)
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (r *PostgresStagesRepository) UpdateStageType(ctx context.Context, stageID int64, kind domain.Capability) error {
	res, err := r.db.ExecContext(ctx, `UPDATE project_stages SET type = $2 WHERE id = $1`, stageID, string(kind))
	if err != nil {
		return fmt.Errorf("failed to update stage %d type: %w", stageID, err)
	}
	return requireRow(res, "stage", stageID)
}
