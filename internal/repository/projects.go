package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rome-sync/internal/domain"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// ProjectsRepository 项目
type ProjectsRepository interface {
	// UpsertProject 按 id 写入详情；type 与 unique_qr_codes 不被覆盖
	UpsertProject(ctx context.Context, p *domain.Project) error
	GetProject(ctx context.Context, projectID int64) (*domain.Project, error)
	UpdateProjectType(ctx context.Context, projectID int64, types []domain.Capability) error
	UpdateUniqueQRCodes(ctx context.Context, projectID int64, count int) error
}

// PostgresProjectsRepository 项目仓库
type PostgresProjectsRepository struct {
	db     *sql.DB
	loc    *time.Location
	logger *zap.Logger
}

func NewPostgresProjectsRepository(db *sql.DB, loc *time.Location, logger *zap.Logger) *PostgresProjectsRepository {
	return &PostgresProjectsRepository{db: db, loc: loc, logger: logger}
}

func (r *PostgresProjectsRepository) UpsertProject(ctx context.Context, p *domain.Project) error {
	services := p.Services
	if services == nil {
		services = []string{}
	}
	query := `
		INSERT INTO projects (id, name, start_datetime, end_datetime, deployment_timezone, services, country, city)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			start_datetime = EXCLUDED.start_datetime,
			end_datetime = EXCLUDED.end_datetime,
			deployment_timezone = EXCLUDED.deployment_timezone,
			services = EXCLUDED.services,
			country = EXCLUDED.country,
			city = EXCLUDED.city
	`
	_, err := r.db.ExecContext(ctx, query,
		p.ID, p.Name, p.StartDatetime, p.EndDatetime, p.DeploymentTimezone,
		pq.Array(services), p.Country, p.City,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert project %d: %w", p.ID, mapError(err))
	}
	return nil
}

func (r *PostgresProjectsRepository) GetProject(ctx context.Context, projectID int64) (*domain.Project, error) {
	query := `
		SELECT id, name, start_datetime, end_datetime, deployment_timezone, services, country, city, type, unique_qr_codes
		FROM projects
		WHERE id = $1
	`
	var (
		p        domain.Project
		services pq.StringArray
		types    pq.StringArray
	)
	err := r.db.QueryRowContext(ctx, query, projectID).Scan(
		&p.ID, &p.Name, &p.StartDatetime, &p.EndDatetime, &p.DeploymentTimezone,
		&services, &p.Country, &p.City, &types, &p.UniqueQRCodes,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %d: %w", projectID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project %d: %w", projectID, err)
	}

	p.StartDatetime = p.StartDatetime.In(r.loc)
	p.EndDatetime = p.EndDatetime.In(r.loc)
	p.Services = []string(services)
	if p.Services == nil {
		p.Services = []string{}
	}
	p.Type = make([]domain.Capability, 0, len(types))
	for _, t := range types {
		p.Type = append(p.Type, domain.Capability(t))
	}
	return &p, nil
}

func (r *PostgresProjectsRepository) UpdateProjectType(ctx context.Context, projectID int64, types []domain.Capability) error {
	values := make([]string, 0, len(types))
	for _, t := range types {
		values = append(values, string(t))
	}
	res, err := r.db.ExecContext(ctx, `UPDATE projects SET type = $2 WHERE id = $1`, projectID, pq.Array(values))
	if err != nil {
		return fmt.Errorf("failed to update project %d type: %w", projectID, err)
	}
	return requireRow(res, "project", projectID)
}

func (r *PostgresProjectsRepository) UpdateUniqueQRCodes(ctx context.Context, projectID int64, count int) error {
	res, err := r.db.ExecContext(ctx, `UPDATE projects SET unique_qr_codes = $2 WHERE id = $1`, projectID, count)
	if err != nil {
		return fmt.Errorf("failed to update project %d unique qr codes: %w", projectID, err)
	}
	return requireRow(res, "project", projectID)
}

func requireRow(res sql.Result, kind string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, domain.ErrNotFound)
	}
	return nil
}
