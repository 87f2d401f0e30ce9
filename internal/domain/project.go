package domain

import (
	"database/sql"
	"time"
)

// Capability 项目具备的遥测类型标签
type Capability string

const (
	CapabilityObservation Capability = "obs"
	CapabilityImpression  Capability = "imp"
	CapabilityQR          Capability = "qr"
)

// Project 项目（对应 projects 表）
type Project struct {
	ID                 int64
	Name               string
	StartDatetime      time.Time
	EndDatetime        time.Time
	DeploymentTimezone string
	Services           []string
	Country            sql.NullString
	City               sql.NullString

	// Type 只追加，不删除
	Type          []Capability
	UniqueQRCodes int
}

// HasCapability 项目是否已标记某类遥测
func (p *Project) HasCapability(c Capability) bool {
	for _, t := range p.Type {
		if t == c {
			return true
		}
	}
	return false
}

// AddCapability 追加标签，返回是否发生变化
func (p *Project) AddCapability(c Capability) bool {
	if p.HasCapability(c) {
		return false
	}
	p.Type = append(p.Type, c)
	return true
}
