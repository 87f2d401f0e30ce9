package service

import (
	"context"
	"database/sql"
	"fmt"

	"rome-sync/internal/analytics"
	"rome-sync/internal/domain"
	"rome-sync/internal/resolver"

	"go.uber.org/zap"
)

func (s *Syncer) syncStages(ctx context.Context, client Feed, st *projectState) error {
	stages, err := client.GetStages(ctx, st.projectID)
	if err != nil {
		return err
	}
	st.count(feedStages).Fetched = len(stages)

	for _, raw := range stages {
		stage, err := raw.ToDomain(st.projectID)
		if err != nil {
			s.skip(st, feedStages, err)
			continue
		}
		if err := s.store.Stages.UpsertStage(ctx, stage); err != nil {
			if !recordLevel(err) {
				return err
			}
			s.skip(st, feedStages, err)
			continue
		}
		s.stored(st, feedStages, 1)

		sessions := st.count(feedSessions)
		sessions.Fetched += len(raw.Sessions)
		for _, rawSession := range raw.Sessions {
			session, err := rawSession.ToDomain(st.projectID, stage.ID, s.opts.Location)
			if err != nil {
				s.skip(st, feedSessions, err)
				continue
			}
			if err := s.store.Stages.UpsertSession(ctx, session); err != nil {
				if !recordLevel(err) {
					return err
				}
				s.skip(st, feedSessions, err)
				continue
			}
			s.stored(st, feedSessions, 1)
		}
	}
	return nil
}

func (s *Syncer) syncBooths(ctx context.Context, client Feed, st *projectState) error {
	booths, err := client.GetBooths(ctx, st.projectID)
	if err != nil {
		return err
	}
	st.count(feedBooths).Fetched = len(booths)

	for _, raw := range booths {
		booth, err := raw.ToDomain(st.projectID)
		if err != nil {
			s.skip(st, feedBooths, err)
			continue
		}
		if err := s.store.Booths.UpsertBooth(ctx, booth); err != nil {
			if !recordLevel(err) {
				return err
			}
			s.skip(st, feedBooths, err)
			continue
		}
		s.stored(st, feedBooths, 1)
	}
	return nil
}

func (s *Syncer) syncDevices(ctx context.Context, client Feed, st *projectState) error {
	devices, err := client.GetDevices(ctx, st.projectID)
	if err != nil {
		return err
	}
	st.count(feedDevices).Fetched = len(devices)

	for _, raw := range devices {
		device, dropped, err := raw.ToDomain(st.projectID, s.opts.Location)
		if err != nil {
			s.skip(st, feedDevices, err)
			continue
		}
		if dropped > 0 {
			st.logger.Warn("Dropped assignments with unparseable date",
				zap.String("device_id", device.DeviceID),
				zap.Int("dropped", dropped),
			)
		}
		if err := s.store.Devices.UpsertDevice(ctx, device); err != nil {
			if !recordLevel(err) {
				return err
			}
			s.skip(st, feedDevices, err)
			continue
		}
		s.stored(st, feedDevices, 1)
	}
	return nil
}

// buildResolver 以本轮写入后的参照数据建立解析索引
func (s *Syncer) buildResolver(ctx context.Context, _ Feed, st *projectState) error {
	stages, err := s.store.Stages.ListStages(ctx, st.projectID)
	if err != nil {
		return err
	}
	sessions, err := s.store.Stages.ListSessions(ctx, st.projectID)
	if err != nil {
		return err
	}
	booths, err := s.store.Booths.ListBooths(ctx, st.projectID)
	if err != nil {
		return err
	}
	devices, err := s.store.Devices.ListDevices(ctx, st.projectID)
	if err != nil {
		return err
	}

	st.sessions = sessions
	st.resolver = resolver.New(resolver.Snapshot{
		ProjectID: st.projectID,
		Devices:   devices,
		Stages:    stages,
		Sessions:  sessions,
		Booths:    booths,
	}, s.store.Stages, st.logger)
	return nil
}

func (s *Syncer) syncObservations(ctx context.Context, client Feed, st *projectState) error {
	records, err := client.GetObservations(ctx, st.projectID)
	if err != nil {
		return err
	}
	st.count(feedObservations).Fetched = len(records)
	if len(records) > 0 {
		if err := s.addCapability(ctx, st, domain.CapabilityObservation); err != nil {
			return err
		}
	}

	b := newBatcher(s.opts.BatchSize, s.store.Telemetry.InsertObservations, func(err error) { s.skip(st, feedObservations, err) })
	for _, raw := range records {
		o, err := raw.ToDomain(st.projectID, s.opts.Location)
		if err != nil {
			s.skip(st, feedObservations, err)
			continue
		}
		session, err := st.resolver.ResolveSession(ctx, o.Datetime, o.DeviceID, domain.CapabilityObservation)
		if err != nil {
			s.skip(st, feedObservations, err)
			continue
		}
		if session != nil {
			o.SessionID = sql.NullInt64{Int64: session.ID, Valid: true}
		}
		if err := b.Add(ctx, o); err != nil {
			return err
		}
	}
	if err := b.Flush(ctx); err != nil {
		return err
	}
	s.stored(st, feedObservations, b.stored)
	return nil
}

// computeSessionAnalytics 没有观测数据的场次不写入
func (s *Syncer) computeSessionAnalytics(ctx context.Context, _ Feed, st *projectState) error {
	written := 0
	for _, session := range st.sessions {
		observations, err := s.store.Telemetry.ListSessionObservations(ctx, st.projectID, session.ID)
		if err != nil {
			return err
		}
		a := analytics.ComputeSessionAnalytics(st.projectID, session.ID, observations)
		if a == nil {
			continue
		}
		if err := s.store.Analytics.UpsertSessionAnalytics(ctx, a); err != nil {
			return err
		}
		written++
	}
	st.logger.Debug("Session analytics computed", zap.Int("sessions", written))
	return nil
}

func (s *Syncer) syncImpressions(ctx context.Context, client Feed, st *projectState) error {
	records, err := client.GetImpressions(ctx, st.projectID)
	if err != nil {
		return err
	}
	st.count(feedImpressions).Fetched = len(records)
	if len(records) > 0 {
		if err := s.addCapability(ctx, st, domain.CapabilityImpression); err != nil {
			return err
		}
	}

	b := newBatcher(s.opts.BatchSize, s.store.Telemetry.UpsertImpressions, func(err error) { s.skip(st, feedImpressions, err) })
	for _, raw := range records {
		imp, err := raw.ToDomain(st.projectID, s.opts.Location)
		if err != nil {
			s.skip(st, feedImpressions, err)
			continue
		}
		booth, err := st.resolver.ResolveBooth(ctx, imp.LatestDatetime, imp.DeviceID)
		if err != nil {
			s.skip(st, feedImpressions, err)
			continue
		}
		if booth != nil {
			imp.BoothID = sql.NullInt64{Int64: booth.ID, Valid: true}
		}
		if err := b.Add(ctx, imp); err != nil {
			return err
		}
	}
	if err := b.Flush(ctx); err != nil {
		return err
	}
	s.stored(st, feedImpressions, b.stored)
	return nil
}

// syncUniqueImpressions 展位按记录日期 00:00 解析；imp 标签只由印象数据源决定
func (s *Syncer) syncUniqueImpressions(ctx context.Context, client Feed, st *projectState) error {
	records, err := client.GetUniqueImpressions(ctx, st.projectID)
	if err != nil {
		return err
	}
	st.count(feedUniqueImpressions).Fetched = len(records)

	b := newBatcher(s.opts.BatchSize, s.store.Telemetry.UpsertUniqueImpressions, func(err error) { s.skip(st, feedUniqueImpressions, err) })
	for _, raw := range records {
		u, at, err := raw.ToDomain(st.projectID, s.opts.Location)
		if err != nil {
			s.skip(st, feedUniqueImpressions, err)
			continue
		}
		booth, err := st.resolver.ResolveBooth(ctx, at, u.DeviceID)
		if err != nil {
			s.skip(st, feedUniqueImpressions, err)
			continue
		}
		if booth != nil {
			u.BoothID = sql.NullInt64{Int64: booth.ID, Valid: true}
		}
		if err := b.Add(ctx, u); err != nil {
			return err
		}
	}
	if err := b.Flush(ctx); err != nil {
		return err
	}
	s.stored(st, feedUniqueImpressions, b.stored)
	return nil
}

// computeImpressionAnalytics 项目没有 imp 标签时不计算；有标签但某区域无数据时写入零记录
func (s *Syncer) computeImpressionAnalytics(ctx context.Context, _ Feed, st *projectState) error {
	if !st.project.HasCapability(domain.CapabilityImpression) {
		st.logger.Debug("Skipping impression analytics, project has no impressions")
		return nil
	}
	for _, zone := range domain.Zones {
		impressions, err := s.store.Telemetry.ListImpressions(ctx, st.projectID, zone)
		if err != nil {
			return err
		}
		a := analytics.ComputeImpressionAnalytics(st.projectID, zone, impressions)
		if err := s.store.Analytics.UpsertImpressionAnalytics(ctx, a); err != nil {
			return fmt.Errorf("zone %s: %w", zone, err)
		}
	}
	return nil
}

func (s *Syncer) syncQRScans(ctx context.Context, client Feed, st *projectState) error {
	records, err := client.GetQRScans(ctx, st.projectID)
	if err != nil {
		return err
	}
	st.count(feedQRScans).Fetched = len(records)
	if len(records) > 0 {
		if err := s.addCapability(ctx, st, domain.CapabilityQR); err != nil {
			return err
		}
	}

	b := newBatcher(s.opts.BatchSize, s.store.QR.UpsertQRScans, func(err error) { s.skip(st, feedQRScans, err) })
	for _, raw := range records {
		scan, err := raw.ToDomain(st.projectID, s.opts.Location)
		if err != nil {
			s.skip(st, feedQRScans, err)
			continue
		}
		session, err := st.resolver.ResolveSession(ctx, scan.Datetime, scan.DeviceID, domain.CapabilityQR)
		if err != nil {
			s.skip(st, feedQRScans, err)
			continue
		}
		if session != nil {
			scan.SessionID = sql.NullInt64{Int64: session.ID, Valid: true}
		}
		if err := b.Add(ctx, scan); err != nil {
			return err
		}
	}
	if err := b.Flush(ctx); err != nil {
		return err
	}
	s.stored(st, feedQRScans, b.stored)
	return nil
}

// computeDwellTimes 回写变化的停留时间并刷新项目去重二维码数
func (s *Syncer) computeDwellTimes(ctx context.Context, _ Feed, st *projectState) error {
	scans, err := s.store.QR.ListQRScans(ctx, st.projectID)
	if err != nil {
		return err
	}

	changed := analytics.ComputeDwellTimes(scans)
	if len(changed) > 0 {
		res, err := s.store.QR.UpdateDwellTimes(ctx, changed)
		if err != nil {
			return err
		}
		for _, c := range res.Rejected {
			st.logger.Warn("Skipping dwell time update", zap.Error(c))
		}
		st.logger.Debug("Dwell times updated", zap.Int("rows", res.Written))
	}

	unique := analytics.CountUniqueQRCodes(scans)
	if unique != st.project.UniqueQRCodes {
		if err := s.store.Projects.UpdateUniqueQRCodes(ctx, st.projectID, unique); err != nil {
			return err
		}
		st.project.UniqueQRCodes = unique
	}
	return nil
}
