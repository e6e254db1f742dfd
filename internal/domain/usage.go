package domain

import "time"

// UsageLog 密钥使用记录（只追加）
type UsageLog struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	KeyValue  string    `json:"key" gorm:"type:varchar(64);index"`
	AppID     string    `json:"appId,omitempty" gorm:"type:varchar(36)"`
	HWID      string    `json:"hwid,omitempty" gorm:"column:hwid;type:varchar(255)"`
	IP        string    `json:"ip,omitempty" gorm:"type:varchar(64)"`
	Result    string    `json:"result" gorm:"type:varchar(32)"` // "valid" 或失败原因码
	CreatedAt time.Time `json:"time" gorm:"index"`
}

// TableName 指定表名
func (UsageLog) TableName() string {
	return "usage_logs"
}

// UsageResult 将验证结果转换为记录中的结果字段
func UsageResult(v *Verdict) string {
	if v.Valid {
		return "valid"
	}
	return string(v.Reason)
}
