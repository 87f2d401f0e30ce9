package service

import (
	"context"
	"database/sql"
	"errors"

	"rome-sync/internal/analytics"
	"rome-sync/internal/domain"
	"rome-sync/internal/resolver"

	"go.uber.org/zap"
)

// RelinkQRSessions 按宽松规则（开始前 30 分钟至结束后 15 分钟）重新关联扫描的场次，
// 只更新命中且与现有场次不同的记录，返回更新条数
func (s *Syncer) RelinkQRSessions(ctx context.Context, projectID int64) (int, error) {
	sessions, err := s.store.Stages.ListSessions(ctx, projectID)
	if err != nil {
		return 0, err
	}
	scans, err := s.store.QR.ListQRScans(ctx, projectID)
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, scan := range scans {
		session := resolver.BufferedSession(sessions, scan.Datetime)
		if session == nil {
			continue
		}
		if scan.SessionID.Valid && scan.SessionID.Int64 == session.ID {
			continue
		}
		err := s.store.QR.UpdateSession(ctx, scan.ID, sql.NullInt64{Int64: session.ID, Valid: true})
		if errors.Is(err, domain.ErrConflict) {
			s.logger.Warn("Skipping qr scan relink",
				zap.Int64("project_id", projectID),
				zap.Int64("scan_id", scan.ID),
				zap.Error(err),
			)
			continue
		}
		if err != nil {
			return updated, err
		}
		updated++
	}

	s.logger.Info("QR sessions relinked",
		zap.Int64("project_id", projectID),
		zap.Int("scans", len(scans)),
		zap.Int("updated", updated),
	)
	return updated, nil
}

// ProjectReport report 命令输出
type ProjectReport struct {
	ProjectID int64                  `json:"project_id"`
	QR        *analytics.QRReport    `json:"qr"`
	Booths    *analytics.BoothReport `json:"booths"`
}

// BuildReport 基于已同步的数据计算二维码与展位统计，不访问上游
func (s *Syncer) BuildReport(ctx context.Context, projectID int64) (*ProjectReport, error) {
	stages, err := s.store.Stages.ListStages(ctx, projectID)
	if err != nil {
		return nil, err
	}
	stageByID := make(map[int64]*domain.Stage, len(stages))
	for _, st := range stages {
		stageByID[st.ID] = st
	}
	sessions, err := s.store.Stages.ListSessions(ctx, projectID)
	if err != nil {
		return nil, err
	}
	scans, err := s.store.QR.ListQRScans(ctx, projectID)
	if err != nil {
		return nil, err
	}

	booths, err := s.store.Booths.ListBooths(ctx, projectID)
	if err != nil {
		return nil, err
	}
	boothIDs := make([]int64, 0, len(booths))
	for _, b := range booths {
		boothIDs = append(boothIDs, b.ID)
	}
	uniques, err := s.store.Telemetry.ListUniqueImpressions(ctx, projectID)
	if err != nil {
		return nil, err
	}
	impressions, err := s.store.Telemetry.ListImpressions(ctx, projectID, "")
	if err != nil {
		return nil, err
	}

	return &ProjectReport{
		ProjectID: projectID,
		QR:        analytics.BuildQRReport(sessions, stageByID, scans),
		Booths:    analytics.BuildBoothReport(boothIDs, uniques, impressions),
	}, nil
}
