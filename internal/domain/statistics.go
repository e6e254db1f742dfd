package domain

import "time"

// DashboardStatistics 管理面板统计信息
type DashboardStatistics struct {
	KeyStatistics
	TotalApps      int            `json:"totalApps"`
	BoundKeys      int            `json:"boundKeys"`
	KeysByApp      map[string]int `json:"keysByApp"`
	RecentActivity []ActivityLog  `json:"recentActivity"`
}

// ActivityLog 活动日志
type ActivityLog struct {
	Key    string    `json:"key"`
	App    string    `json:"app,omitempty"`
	HWID   string    `json:"hwid,omitempty"`
	Result string    `json:"result"`
	Time   time.Time `json:"time"`
}
