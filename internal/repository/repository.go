// Package repository PostgreSQL 持久化。
// 所有 TIMESTAMPTZ 读出后统一转换到同步时区。
package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"rome-sync/common/database"
	"rome-sync/internal/domain"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Schema 建表语句，由 migrate 命令执行
//
//go:embed schema.sql
var Schema string

// PostgreSQL SQLSTATE 错误类
const (
	classDataException       pq.ErrorClass = "22"
	classIntegrityConstraint pq.ErrorClass = "23"
)

// mapError 约束冲突（23 类）映射为 domain.ErrConflict，数据异常（22 类）映射为 domain.ErrMalformedInput
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code.Class() {
	case classIntegrityConstraint:
		return fmt.Errorf("%v: %w", err, domain.ErrConflict)
	case classDataException:
		return fmt.Errorf("%v: %w", err, domain.ErrMalformedInput)
	}
	return err
}

// BatchResult 一批写入的结果；Rejected 中每个错误对应一条被跳过的记录
type BatchResult struct {
	Written  int
	Rejected []error
}

// rowLevel 该错误只影响当前记录
func rowLevel(err error) bool {
	return errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrMalformedInput)
}

// writeBatch 在一个事务中逐条写入。
// 单条记录的约束冲突或数据异常回滚到该条的保存点并跳过；其他错误回滚整批。
func writeBatch[T any](ctx context.Context, db *sql.DB, items []T, write func(tx *sql.Tx, item T) error) (BatchResult, error) {
	var result BatchResult
	if len(items) == 0 {
		return result, nil
	}

	err := database.WithTx(ctx, db, func(tx *sql.Tx) error {
		for _, item := range items {
			if _, err := tx.ExecContext(ctx, "SAVEPOINT batch_row"); err != nil {
				return fmt.Errorf("failed to create savepoint: %w", err)
			}
			err := mapError(write(tx, item))
			switch {
			case err == nil:
				result.Written++
				if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT batch_row"); err != nil {
					return fmt.Errorf("failed to release savepoint: %w", err)
				}
			case rowLevel(err):
				result.Rejected = append(result.Rejected, err)
				if _, err := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT batch_row"); err != nil {
					return fmt.Errorf("failed to rollback to savepoint: %w", err)
				}
			default:
				return err
			}
		}
		return nil
	})
	if err != nil {
		return BatchResult{}, err
	}
	return result, nil
}

func nullableInt64(v sql.NullInt64) interface{} {
	if !v.Valid {
		return nil
	}
	return v.Int64
}

func nullableFloat(v sql.NullFloat64) interface{} {
	if !v.Valid {
		return nil
	}
	return v.Float64
}

// Repositories 同步服务使用的全部仓库
type Repositories struct {
	Projects  *PostgresProjectsRepository
	Stages    *PostgresStagesRepository
	Booths    *PostgresBoothsRepository
	Devices   *PostgresDevicesRepository
	Telemetry *PostgresTelemetryRepository
	QR        *PostgresQRRepository
	Analytics *PostgresAnalyticsRepository
}

// NewPostgresRepositories 共享同一个连接池与时区
func NewPostgresRepositories(db *sql.DB, loc *time.Location, logger *zap.Logger) *Repositories {
	if loc == nil {
		loc = time.UTC
	}
	return &Repositories{
		Projects:  NewPostgresProjectsRepository(db, loc, logger),
		Stages:    NewPostgresStagesRepository(db, loc, logger),
		Booths:    NewPostgresBoothsRepository(db, logger),
		Devices:   NewPostgresDevicesRepository(db, logger),
		Telemetry: NewPostgresTelemetryRepository(db, loc, logger),
		QR:        NewPostgresQRRepository(db, loc, logger),
		Analytics: NewPostgresAnalyticsRepository(db, logger),
	}
}

// ApplySchema 执行建表语句（幂等）
func ApplySchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
