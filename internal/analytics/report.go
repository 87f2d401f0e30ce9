package analytics

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"rome-sync/internal/domain"
	"rome-sync/internal/matcher"
	"rome-sync/internal/resolver"
)

// 展位报表阈值（秒）
const (
	dwellVisitThreshold = 60
	stopThreshold       = 15
)

// DayScanCount 每天的扫描总数与去重数
type DayScanCount struct {
	Date   string `json:"date"`
	Total  int    `json:"total"`
	Unique int    `json:"unique"`
}

// DayDwell 每天各二维码最大停留时间之和
type DayDwell struct {
	Date         string `json:"date"`
	SumDwellTime int    `json:"sum_dwell_time"`
}

// MinuteCount 每分钟的去重二维码数
type MinuteCount struct {
	Datetime      time.Time `json:"datetime"`
	UniqueQRCodes int       `json:"unique_qr_codes"`
}

// QRReport 一组场次的二维码统计
type QRReport struct {
	TotalScans         int            `json:"total_qr_scans"`
	UniqueScans        int            `json:"unique_qr_scans"`
	AvgDwellTime       int            `json:"avg_dwell_time"`
	MaxDwellTime       int            `json:"max_dwell_time"`
	UniqueStageQRCodes map[string]int `json:"unique_stage_qr_codes"`
	ScansPerDay        []DayScanCount `json:"qr_scans_day_list"`
	DwellTimePerDay    []DayDwell     `json:"dwell_time_list"`
	UniquePerMinute    []MinuteCount  `json:"unique_qr_codes_per_min_list"`
}

// StageSuffix 舞台名最后一个 " - " 之后的部分，用于匹配设备名
func StageSuffix(stageName string) string {
	if i := strings.LastIndex(stageName, " - "); i >= 0 {
		return stageName[i+len(" - "):]
	}
	return stageName
}

// BuildQRReport 对每个场次，取设备名包含舞台名后缀、且落在宽松窗口内的扫描，合并后统计
func BuildQRReport(sessions []*domain.Session, stages map[int64]*domain.Stage, scans []*domain.QrScan) *QRReport {
	report := &QRReport{UniqueStageQRCodes: map[string]int{}}

	selected := make(map[*domain.QrScan]struct{})
	var ordered []*domain.QrScan
	stageCodes := make(map[string]map[string]struct{})

	for _, session := range sessions {
		stage, ok := stages[session.StageID]
		if !ok {
			continue
		}
		suffix := strings.ToLower(StageSuffix(stage.Name))
		window := resolver.SessionWindow(session).Expand(matcher.DefaultLeadBuffer, matcher.DefaultTrailBuffer)

		codes := stageCodes[stage.Name]
		if codes == nil {
			codes = make(map[string]struct{})
			stageCodes[stage.Name] = codes
		}

		for _, s := range scans {
			if !strings.Contains(strings.ToLower(s.DeviceName), suffix) || !window.Contains(s.Datetime) {
				continue
			}
			codes[s.QRCode] = struct{}{}
			if _, dup := selected[s]; !dup {
				selected[s] = struct{}{}
				ordered = append(ordered, s)
			}
		}
	}

	for name, codes := range stageCodes {
		report.UniqueStageQRCodes[name] = len(codes)
	}

	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Datetime.Before(ordered[j].Datetime) })

	report.TotalScans = len(ordered)
	report.UniqueScans = CountUniqueQRCodes(ordered)

	var days []string
	dayTotals := make(map[string]int)
	dayCodes := make(map[string]map[string]struct{})
	maxDwell := make(map[qrGroupKey]int)
	var dwellKeys []qrGroupKey
	var minutes []time.Time
	minuteCodes := make(map[time.Time]map[string]struct{})

	for _, s := range ordered {
		date := domain.DateKey(s.Datetime)
		if _, ok := dayCodes[date]; !ok {
			days = append(days, date)
			dayCodes[date] = make(map[string]struct{})
		}
		dayTotals[date]++
		dayCodes[date][s.QRCode] = struct{}{}

		if s.DwellTime != 0 {
			k := qrGroupKey{code: s.QRCode, date: date}
			prev, seen := maxDwell[k]
			if !seen {
				dwellKeys = append(dwellKeys, k)
			}
			if !seen || s.DwellTime > prev {
				maxDwell[k] = s.DwellTime
			}
		}

		minute := s.Datetime.Truncate(time.Minute)
		if _, ok := minuteCodes[minute]; !ok {
			minutes = append(minutes, minute)
			minuteCodes[minute] = make(map[string]struct{})
		}
		minuteCodes[minute][s.QRCode] = struct{}{}
	}

	for _, d := range days {
		report.ScansPerDay = append(report.ScansPerDay, DayScanCount{Date: d, Total: dayTotals[d], Unique: len(dayCodes[d])})
	}

	var dwellDays []string
	daySums := make(map[string]int)
	total := 0
	for _, k := range dwellKeys {
		v := maxDwell[k]
		if _, ok := daySums[k.date]; !ok {
			dwellDays = append(dwellDays, k.date)
		}
		daySums[k.date] += v
		total += v
		if v > report.MaxDwellTime {
			report.MaxDwellTime = v
		}
	}
	if len(dwellKeys) > 0 {
		report.AvgDwellTime = total / len(dwellKeys)
	}
	for _, d := range dwellDays {
		report.DwellTimePerDay = append(report.DwellTimePerDay, DayDwell{Date: d, SumDwellTime: daySums[d]})
	}

	for _, m := range minutes {
		report.UniquePerMinute = append(report.UniquePerMinute, MinuteCount{Datetime: m, UniqueQRCodes: len(minuteCodes[m])})
	}

	return report
}

// UniqueImpressionSummary 展位内区非员工访问统计
type UniqueImpressionSummary struct {
	Visits           int     `json:"visits"`
	DwellVisits      int     `json:"dwell_visits"`
	AverageEnergy    float64 `json:"averageEnergy"`
	AverageDwellTime string  `json:"averageDwellTime"`
}

// AisleImpressionSummary 展位过道印象统计（只取每个展位印象最多的设备）
type AisleImpressionSummary struct {
	TotalImpressions int     `json:"total_impressions"`
	StopRate         float64 `json:"stop_rate"`
	EnergyAvg        float64 `json:"energy_avg"`
	MaleEnergyAvg    float64 `json:"male_energy_avg"`
	FemaleEnergyAvg  float64 `json:"female_energy_avg"`
	Under40EnergyAvg float64 `json:"under_40_energy_avg"`
	Over40EnergyAvg  float64 `json:"over_40_energy_avg"`
}

// BoothReport 展位报表
type BoothReport struct {
	UniqueImpressions UniqueImpressionSummary `json:"uniqueImpressionAnalytics"`
	Impressions       AisleImpressionSummary  `json:"impressionAnalytics"`
}

// BuildBoothReport boothIDs 为展位内部 id
func BuildBoothReport(boothIDs []int64, uniques []*domain.UniqueImpression, impressions []*domain.Impression) *BoothReport {
	inBooths := make(map[int64]bool, len(boothIDs))
	for _, id := range boothIDs {
		inBooths[id] = true
	}

	report := &BoothReport{}

	var energySum, dwellSum float64
	for _, u := range uniques {
		if !u.BoothID.Valid || !inBooths[u.BoothID.Int64] || u.IsStaff || u.Zone != domain.ZoneInternal {
			continue
		}
		report.UniqueImpressions.Visits++
		energySum += u.EnergyMedian
		if u.DwellTime > dwellVisitThreshold {
			report.UniqueImpressions.DwellVisits++
			dwellSum += u.DwellTime
		}
	}
	if report.UniqueImpressions.Visits > 0 {
		report.UniqueImpressions.AverageEnergy = energySum / float64(report.UniqueImpressions.Visits)
	}
	avgDwell := 0.0
	if report.UniqueImpressions.DwellVisits > 0 {
		avgDwell = dwellSum / float64(report.UniqueImpressions.DwellVisits)
	}
	report.UniqueImpressions.AverageDwellTime = FormatClock(avgDwell)

	var selected []*domain.Impression
	for _, boothID := range boothIDs {
		selected = append(selected, topDeviceImpressions(boothID, impressions)...)
	}

	total := len(selected)
	report.Impressions.TotalImpressions = total
	if total > 0 {
		stops := 0
		for _, imp := range selected {
			if imp.DwellTime > stopThreshold {
				stops++
			}
		}
		report.Impressions.StopRate = float64(stops) / float64(total)
	}

	report.Impressions.EnergyAvg = energyAvg(selected, func(*domain.Impression) bool { return true })
	report.Impressions.MaleEnergyAvg = energyAvg(selected, func(i *domain.Impression) bool { return i.BiologicalSex == "male" })
	report.Impressions.FemaleEnergyAvg = energyAvg(selected, func(i *domain.Impression) bool { return i.BiologicalSex == "female" })
	report.Impressions.Under40EnergyAvg = energyAvg(selected, func(i *domain.Impression) bool { return i.BiologicalAge == "20-39" })
	report.Impressions.Over40EnergyAvg = energyAvg(selected, func(i *domain.Impression) bool {
		return i.BiologicalAge == "40-59" || i.BiologicalAge == "60+"
	})

	return report
}

// topDeviceImpressions 展位过道区中印象最多的设备的全部印象；并列时取先出现的设备
func topDeviceImpressions(boothID int64, impressions []*domain.Impression) []*domain.Impression {
	var order []string
	counts := make(map[string]int)
	for _, imp := range impressions {
		if !imp.BoothID.Valid || imp.BoothID.Int64 != boothID || imp.Zone != domain.ZoneAisle {
			continue
		}
		if _, ok := counts[imp.DeviceID]; !ok {
			order = append(order, imp.DeviceID)
		}
		counts[imp.DeviceID]++
	}
	if len(order) == 0 {
		return nil
	}

	top := order[0]
	for _, id := range order[1:] {
		if counts[id] > counts[top] {
			top = id
		}
	}

	var out []*domain.Impression
	for _, imp := range impressions {
		if imp.BoothID.Valid && imp.BoothID.Int64 == boothID && imp.Zone == domain.ZoneAisle && imp.DeviceID == top {
			out = append(out, imp)
		}
	}
	return out
}

func energyAvg(impressions []*domain.Impression, keep func(*domain.Impression) bool) float64 {
	sum, n := 0.0, 0
	for _, imp := range impressions {
		if keep(imp) {
			sum += imp.EnergyMedian
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// FormatClock 秒数格式化为 HH:MM:SS
func FormatClock(seconds float64) string {
	s := int(seconds)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s%3600)/60, s%60)
}
