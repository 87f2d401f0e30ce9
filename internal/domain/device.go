package domain

import (
	"fmt"
	"strconv"

	json "github.com/goccy/go-json"
)

// AreaKind 设备分配区域类型
type AreaKind int

const (
	AreaUnknown AreaKind = iota
	AreaStage
	AreaBooth
)

// 上游 areas[].type 的取值
const (
	areaTypeStages = "stages"
	areaTypeBooths = "booths"
)

// ParseAreaKind 解析上游区域类型
func ParseAreaKind(s string) AreaKind {
	switch s {
	case areaTypeStages:
		return AreaStage
	case areaTypeBooths:
		return AreaBooth
	default:
		return AreaUnknown
	}
}

func (k AreaKind) String() string {
	switch k {
	case AreaStage:
		return areaTypeStages
	case AreaBooth:
		return areaTypeBooths
	default:
		return "unknown"
	}
}

// Area 分配到的一个舞台或展位
type Area struct {
	Kind AreaKind
	ID   string
}

// StageID 舞台区域的数字 id
func (a Area) StageID() (int64, bool) {
	if a.Kind != AreaStage {
		return 0, false
	}
	id, err := strconv.ParseInt(a.ID, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

type areaJSON struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// MarshalJSON 持久化为 {"type":"stages","id":"12"}
func (a Area) MarshalJSON() ([]byte, error) {
	return json.Marshal(areaJSON{Type: a.Kind.String(), ID: a.ID})
}

// UnmarshalJSON 兼容 id 为数字或字符串
func (a *Area) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type string          `json:"type"`
		ID   json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	id, err := FlexibleID(raw.ID)
	if err != nil {
		return err
	}
	a.Kind = ParseAreaKind(raw.Type)
	a.ID = id
	return nil
}

// FlexibleID 上游 id 可能是数字也可能是字符串，统一转为字符串；null 视为空
func FlexibleID(raw []byte) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("unsupported id value: %s", string(raw))
}

// Assignment 设备某一天的分配记录
// Date 为同步时区下的 YYYY-MM-DD
type Assignment struct {
	Date   string `json:"date"`
	Active bool   `json:"active"`
	Areas  []Area `json:"areas"`
}

// Device 追踪设备（对应 project_devices 表），(device_id, project_id) 唯一
type Device struct {
	ID          int64
	DeviceID    string
	ProjectID   int64
	Name        string
	Service     string
	Assignments []Assignment
}

