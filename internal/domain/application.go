package domain

import "time"

// AppSettings 应用级别的授权策略
type AppSettings struct {
	HWIDLock           bool `json:"hwidLock"`           // 是否启用硬件指纹绑定
	ScreenshotRequired bool `json:"screenshotRequired"` // 客户端是否需要上传截图
	MaxActivations     int  `json:"maxActivations"`     // 新密钥默认的最大激活数
}

// DefaultAppSettings 返回默认设置
func DefaultAppSettings() AppSettings {
	return AppSettings{
		HWIDLock:       true,
		MaxActivations: 1,
	}
}

// Application 应用实体，一个应用拥有多个许可证密钥
type Application struct {
	ID        string      `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name      string      `json:"name" gorm:"type:varchar(100);not null"`
	OwnerID   string      `json:"ownerId" gorm:"type:varchar(64);index"`
	Secret    string      `json:"secret,omitempty" gorm:"type:varchar(128);not null"` // 客户端调用验证接口时使用的共享密钥
	Settings  AppSettings `json:"settings" gorm:"embedded;embeddedPrefix:setting_"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// TableName 指定表名
func (Application) TableName() string {
	return "applications"
}

// Redacted 返回隐藏密钥后的副本，用于列表展示
func (a Application) Redacted() Application {
	if len(a.Secret) > 6 {
		a.Secret = a.Secret[:6] + "…"
	}
	return a
}
