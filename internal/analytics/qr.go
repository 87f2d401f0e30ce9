package analytics

import (
	"sort"
	"time"

	"rome-sync/internal/domain"
)

type qrGroupKey struct {
	code string
	date string
}

// ComputeDwellTimes 按 (qr_code, 日期) 分组，按时间升序；
// 每次扫描的停留时间 = 距当天最后一次扫描的整分钟数（向下取整），最后一次为 0。
// 直接修改 scans 中的 DwellTime，返回停留时间发生变化的记录。
func ComputeDwellTimes(scans []*domain.QrScan) []*domain.QrScan {
	var keys []qrGroupKey
	groups := make(map[qrGroupKey][]*domain.QrScan)
	for _, s := range scans {
		k := qrGroupKey{code: s.QRCode, date: domain.DateKey(s.Datetime)}
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], s)
	}

	var changed []*domain.QrScan
	for _, k := range keys {
		group := groups[k]
		sort.SliceStable(group, func(i, j int) bool { return group[i].Datetime.Before(group[j].Datetime) })

		last := group[len(group)-1]
		for _, s := range group {
			dwell := 0
			if s != last {
				dwell = int(last.Datetime.Sub(s.Datetime) / time.Minute)
			}
			if s.DwellTime != dwell {
				s.DwellTime = dwell
				changed = append(changed, s)
			}
		}
	}
	return changed
}

// CountUniqueQRCodes 项目内不同 qr_code 的数量（不区分日期与场次）
func CountUniqueQRCodes(scans []*domain.QrScan) int {
	seen := make(map[string]struct{}, len(scans))
	for _, s := range scans {
		seen[s.QRCode] = struct{}{}
	}
	return len(seen)
}
