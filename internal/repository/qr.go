package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"rome-sync/internal/domain"

	"go.uber.org/zap"
)

// QRRepository 二维码扫描
type QRRepository interface {
	// UpsertQRScans 按 (project, device_id, session, datetime, qr_code) 去重
	UpsertQRScans(ctx context.Context, batch []*domain.QrScan) (BatchResult, error)
	ListQRScans(ctx context.Context, projectID int64) ([]*domain.QrScan, error)
	// UpdateDwellTimes 一个事务内按 id 回写停留时间
	UpdateDwellTimes(ctx context.Context, scans []*domain.QrScan) (BatchResult, error)
	// UpdateSession 重新关联场次；与已有记录的自然键冲突时返回 ErrConflict
	UpdateSession(ctx context.Context, scanID int64, sessionID sql.NullInt64) error
}

// PostgresQRRepository 二维码仓库
type PostgresQRRepository struct {
	db     *sql.DB
	loc    *time.Location
	logger *zap.Logger
}

func NewPostgresQRRepository(db *sql.DB, loc *time.Location, logger *zap.Logger) *PostgresQRRepository {
	return &PostgresQRRepository{db: db, loc: loc, logger: logger}
}

func (r *PostgresQRRepository) UpsertQRScans(ctx context.Context, batch []*domain.QrScan) (BatchResult, error) {
	query := `
		INSERT INTO qr_scans (project_id, session_id, datetime, device_id, device_name, qr_code)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT ON CONSTRAINT qr_scans_natural_key DO UPDATE SET
			device_name = EXCLUDED.device_name
	`
	res, err := writeBatch(ctx, r.db, batch, func(tx *sql.Tx, q *domain.QrScan) error {
		_, err := tx.ExecContext(ctx, query,
			q.ProjectID, nullableInt64(q.SessionID), q.Datetime, q.DeviceID, q.DeviceName, q.QRCode,
		)
		if err != nil {
			return fmt.Errorf("qr scan %s@%s: %w", q.QRCode, q.Datetime.Format(time.RFC3339), err)
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("failed to upsert qr scans: %w", err)
	}
	return res, nil
}

func (r *PostgresQRRepository) ListQRScans(ctx context.Context, projectID int64) ([]*domain.QrScan, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, project_id, session_id, datetime, device_id, device_name, qr_code, dwell_time
		FROM qr_scans
		WHERE project_id = $1
		ORDER BY qr_code, datetime, id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list qr scans: %w", err)
	}
	defer rows.Close()

	out := []*domain.QrScan{}
	for rows.Next() {
		var q domain.QrScan
		if err := rows.Scan(&q.ID, &q.ProjectID, &q.SessionID, &q.Datetime, &q.DeviceID, &q.DeviceName, &q.QRCode, &q.DwellTime); err != nil {
			return nil, fmt.Errorf("failed to scan qr scan: %w", err)
		}
		q.Datetime = q.Datetime.In(r.loc)
		out = append(out, &q)
	}
	return out, rows.Err()
}

func (r *PostgresQRRepository) UpdateDwellTimes(ctx context.Context, scans []*domain.QrScan) (BatchResult, error) {
	res, err := writeBatch(ctx, r.db, scans, func(tx *sql.Tx, q *domain.QrScan) error {
		_, err := tx.ExecContext(ctx, `UPDATE qr_scans SET dwell_time = $2 WHERE id = $1`, q.ID, q.DwellTime)
		return err
	})
	if err != nil {
		return res, fmt.Errorf("failed to update dwell times: %w", err)
	}
	return res, nil
}

func (r *PostgresQRRepository) UpdateSession(ctx context.Context, scanID int64, sessionID sql.NullInt64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE qr_scans SET session_id = $2 WHERE id = $1`, scanID, nullableInt64(sessionID))
	if err != nil {
		return fmt.Errorf("failed to relink qr scan %d: %w", scanID, mapError(err))
	}
	return requireRow(res, "qr scan", scanID)
}
