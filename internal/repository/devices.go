package repository

import (
	"context"
	"database/sql"
	"fmt"

	"rome-sync/internal/domain"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// DevicesRepository 追踪设备
type DevicesRepository interface {
	// UpsertDevice 按 (device_id, project_id) 去重，分配记录整体覆盖
	UpsertDevice(ctx context.Context, d *domain.Device) error
	ListDevices(ctx context.Context, projectID int64) ([]*domain.Device, error)
}

// PostgresDevicesRepository 设备仓库
type PostgresDevicesRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresDevicesRepository(db *sql.DB, logger *zap.Logger) *PostgresDevicesRepository {
	return &PostgresDevicesRepository{db: db, logger: logger}
}

func (r *PostgresDevicesRepository) UpsertDevice(ctx context.Context, d *domain.Device) error {
	assignments := d.Assignments
	if assignments == nil {
		assignments = []domain.Assignment{}
	}
	assignmentsJSON, err := json.Marshal(assignments)
	if err != nil {
		return fmt.Errorf("failed to encode assignments: %w", err)
	}

	query := `
		INSERT INTO project_devices (device_id, project_id, name, service, assignments)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		ON CONFLICT ON CONSTRAINT project_devices_natural_key DO UPDATE SET
			name = EXCLUDED.name,
			service = EXCLUDED.service,
			assignments = EXCLUDED.assignments
		RETURNING id
	`
	err = r.db.QueryRowContext(ctx, query, d.DeviceID, d.ProjectID, d.Name, d.Service, string(assignmentsJSON)).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert device %s: %w", d.DeviceID, mapError(err))
	}
	return nil
}

func (r *PostgresDevicesRepository) ListDevices(ctx context.Context, projectID int64) ([]*domain.Device, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, device_id, project_id, name, service, assignments
		FROM project_devices
		WHERE project_id = $1
		ORDER BY id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	out := []*domain.Device{}
	for rows.Next() {
		var d domain.Device
		var assignments []byte
		if err := rows.Scan(&d.ID, &d.DeviceID, &d.ProjectID, &d.Name, &d.Service, &assignments); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		if len(assignments) > 0 {
			if err := json.Unmarshal(assignments, &d.Assignments); err != nil {
				return nil, fmt.Errorf("failed to decode assignments of device %s: %w", d.DeviceID, err)
			}
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}
