// Package analytics 由原始遥测计算派生分析数据。所有函数都是输入的纯函数。
package analytics

import "rome-sync/internal/domain"

// UnknownDevice 缺少 device_id 的观测归入此分组
const UnknownDevice = "unknown"

// deviceSums 单个设备的累计值
type deviceSums struct {
	total, male, female, under40, over40 float64

	weightedEnergy        float64
	weightedMaleEnergy    float64
	weightedFemaleEnergy  float64
	weightedUnder40Energy float64
	weightedOver40Energy  float64
}

func (d *deviceSums) add(o *domain.Observation) {
	countTotal := o.CountTotal.Float64
	countMale := o.CountMale.Float64
	countFemale := o.CountFemale.Float64
	countUnder40 := o.CountUnder40.Float64
	countOver40 := o.CountOver40.Float64

	d.total += countTotal
	d.male += countMale
	d.female += countFemale
	d.under40 += countUnder40
	d.over40 += countOver40

	// 能量按人数加权；人数为 0 或能量缺失时跳过
	if countTotal != 0 && o.Energy.Valid {
		d.weightedEnergy += countTotal * o.Energy.Float64
	}
	if countMale != 0 && o.EnergyMale.Valid {
		d.weightedMaleEnergy += countMale * o.EnergyMale.Float64
	}
	if countFemale != 0 && o.EnergyFemale.Valid {
		d.weightedFemaleEnergy += countFemale * o.EnergyFemale.Float64
	}
	if countUnder40 != 0 && o.EnergyUnder40.Valid {
		d.weightedUnder40Energy += countUnder40 * o.EnergyUnder40.Float64
	}
	if countOver40 != 0 && o.EnergyOver40.Valid {
		d.weightedOver40Energy += countOver40 * o.EnergyOver40.Float64
	}
}

// ComputeSessionAnalytics 两阶段平均：设备内按人数加权，设备间等权。
// 每个设备的比例/平均能量贡献 value/设备数；sum_total 为 0 的设备贡献 0 但仍计入设备数。
// 没有观测时返回 nil。
func ComputeSessionAnalytics(projectID, sessionID int64, observations []*domain.Observation) *domain.SessionAnalytics {
	if len(observations) == 0 {
		return nil
	}

	// 保持设备首次出现的顺序，保证浮点累加结果可复现
	var order []string
	devices := make(map[string]*deviceSums)
	for _, o := range observations {
		id := o.DeviceID
		if id == "" {
			id = UnknownDevice
		}
		sums, ok := devices[id]
		if !ok {
			sums = &deviceSums{}
			devices[id] = sums
			order = append(order, id)
		}
		sums.add(o)
	}

	n := float64(len(devices))
	result := &domain.SessionAnalytics{
		ProjectID: projectID,
		SessionID: sessionID,
	}

	for _, id := range order {
		d := devices[id]
		if d.total <= 0 {
			continue
		}

		result.MaleRatio += (d.male / d.total) / n
		result.FemaleRatio += (d.female / d.total) / n
		result.Under40Ratio += (d.under40 / d.total) / n
		result.Over40Ratio += (d.over40 / d.total) / n

		result.EnergyAvg += (d.weightedEnergy / d.total) / n
		result.MaleEnergyAvg += categoryEnergy(d.weightedMaleEnergy, d.male, n)
		result.FemaleEnergyAvg += categoryEnergy(d.weightedFemaleEnergy, d.female, n)
		result.Under40EnergyAvg += categoryEnergy(d.weightedUnder40Energy, d.under40, n)
		result.Over40EnergyAvg += categoryEnergy(d.weightedOver40Energy, d.over40, n)
	}

	return result
}

func categoryEnergy(weighted, count, devices float64) float64 {
	if count <= 0 {
		return 0
	}
	return (weighted / count) / devices
}
