package domain

// OperatingHour 展位营业时间（目前解析展位时不使用）
type OperatingHour struct {
	Date        string `json:"date"`
	Active      bool   `json:"active"`
	OpeningTime string `json:"opening_time,omitempty"`
	ClosingTime string `json:"closing_time,omitempty"`
}

// Booth 展位（对应 project_booths 表）
type Booth struct {
	ID             int64
	BoothID        string // 上游展位 id，全局唯一
	ProjectID      int64
	Name           string
	Size           int
	OperatingHours []OperatingHour
}
