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

// BoothsRepository 展位
type BoothsRepository interface {
	// UpsertBooth 按上游 booth_id 去重，写回 b.ID；booth_id 已属于其他项目时返回 ErrConflict
	UpsertBooth(ctx context.Context, b *domain.Booth) error
	ListBooths(ctx context.Context, projectID int64) ([]*domain.Booth, error)
}

// PostgresBoothsRepository 展位仓库
type PostgresBoothsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresBoothsRepository(db *sql.DB, logger *zap.Logger) *PostgresBoothsRepository {
	return &PostgresBoothsRepository{db: db, logger: logger}
}

func (r *PostgresBoothsRepository) UpsertBooth(ctx context.Context, b *domain.Booth) error {
	hours := b.OperatingHours
	if hours == nil {
		hours = []domain.OperatingHour{}
	}
	hoursJSON, err := json.Marshal(hours)
	if err != nil {
		return fmt.Errorf("failed to encode operating hours: %w", err)
	}

	query := `
		INSERT INTO project_booths (booth_id, project_id, name, size, operating_hours)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		ON CONFLICT (booth_id) DO UPDATE SET
			project_id = EXCLUDED.project_id,
			name = EXCLUDED.name,
			size = EXCLUDED.size,
			operating_hours = EXCLUDED.operating_hours
		WHERE project_booths.project_id = EXCLUDED.project_id
		RETURNING id
	`
	err = r.db.QueryRowContext(ctx, query, b.BoothID, b.ProjectID, b.Name, b.Size, string(hoursJSON)).Scan(&b.ID)
	if errors.Is(err, sql.ErrNoRows) {
		// booth_id 全局唯一，已属于其他项目
		return fmt.Errorf("booth %s belongs to another project: %w", b.BoothID, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to upsert booth %s: %w", b.BoothID, mapError(err))
	}
	return nil
}

func (r *PostgresBoothsRepository) ListBooths(ctx context.Context, projectID int64) ([]*domain.Booth, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, booth_id, project_id, name, size, operating_hours
		FROM project_booths
		WHERE project_id = $1
		ORDER BY id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list booths: %w", err)
	}
	defer rows.Close()

	out := []*domain.Booth{}
	for rows.Next() {
		var b domain.Booth
		var hours []byte
		if err := rows.Scan(&b.ID, &b.BoothID, &b.ProjectID, &b.Name, &b.Size, &hours); err != nil {
			return nil, fmt.Errorf("failed to scan booth: %w", err)
		}
		if len(hours) > 0 {
			if err := json.Unmarshal(hours, &b.OperatingHours); err != nil {
				return nil, fmt.Errorf("failed to decode operating hours of booth %s: %w", b.BoothID, err)
			}
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}
