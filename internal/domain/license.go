package domain

import (
	"slices"
	"time"
)

// LicenseKey 许可证密钥实体
type LicenseKey struct {
	Value          string     `json:"value" gorm:"primaryKey;type:varchar(64)"`                                 // 密钥值（全局唯一，创建后不可变）
	AppID          *string    `json:"appId,omitempty" gorm:"type:varchar(36);index"`                            // 所属应用（可选）
	OwnerID        *string    `json:"ownerId,omitempty" gorm:"type:varchar(64);index"`                          // 生成者
	Note           string     `json:"note,omitempty" gorm:"type:varchar(255)"`                                  // 备注
	CreatedAt      time.Time  `json:"createdAt" gorm:"not null"`                                                // 创建时间
	ExpiresAt      *time.Time `json:"expiresAt" gorm:"index"`                                                   // 过期时间，nil 表示永不过期
	Banned         bool       `json:"banned" gorm:"not null;default:false;index"`                               // 是否封禁
	HWID           *string    `json:"hwid" gorm:"column:hwid;type:varchar(255)"`                                // 首个绑定的硬件指纹
	BoundHWIDs     []string   `json:"boundHwids,omitempty" gorm:"column:bound_hwids;type:text;serializer:json"` // 全部已绑定的硬件指纹
	Activations    int        `json:"activations" gorm:"not null;default:0"`                                    // 已激活设备数
	MaxActivations int        `json:"maxActivations" gorm:"not null;default:1"`                                 // 最大激活设备数
	LastActivation *time.Time `json:"lastActivation"`                                                           // 最近一次绑定时间
	LastUsed       *time.Time `json:"lastUsed"`                                                                 // 最近一次验证成功时间
}

// TableName 指定表名
func (LicenseKey) TableName() string {
	return "license_keys"
}

// IsBoundTo 判断硬件指纹是否已绑定到该密钥
func (k *LicenseKey) IsBoundTo(hwid string) bool {
	if k.HWID != nil && *k.HWID == hwid {
		return true
	}
	return slices.Contains(k.BoundHWIDs, hwid)
}

// BoundCount 返回已绑定设备数
func (k *LicenseKey) BoundCount() int {
	if len(k.BoundHWIDs) == 0 && k.HWID != nil {
		return 1
	}
	return len(k.BoundHWIDs)
}

// Bind 绑定一个新的硬件指纹，并同步激活计数
func (k *LicenseKey) Bind(hwid string, now time.Time) {
	if len(k.BoundHWIDs) == 0 && k.HWID != nil {
		k.BoundHWIDs = []string{*k.HWID}
	}
	k.BoundHWIDs = append(k.BoundHWIDs, hwid)
	if k.HWID == nil {
		bound := hwid
		k.HWID = &bound
	}
	k.Activations = len(k.BoundHWIDs)
	k.LastActivation = &now
}

// ResetBindings 清除全部绑定，激活计数归零
func (k *LicenseKey) ResetBindings() {
	k.HWID = nil
	k.BoundHWIDs = nil
	k.Activations = 0
}

// Clone 返回深拷贝，避免调用方修改存储中的数据
func (k *LicenseKey) Clone() *LicenseKey {
	if k == nil {
		return nil
	}
	c := *k
	c.AppID = cloneString(k.AppID)
	c.OwnerID = cloneString(k.OwnerID)
	c.HWID = cloneString(k.HWID)
	c.ExpiresAt = cloneTime(k.ExpiresAt)
	c.LastActivation = cloneTime(k.LastActivation)
	c.LastUsed = cloneTime(k.LastUsed)
	if k.BoundHWIDs != nil {
		c.BoundHWIDs = slices.Clone(k.BoundHWIDs)
	}
	return &c
}

// KeyFilter 密钥列表过滤条件
type KeyFilter struct {
	AppID  string         // 按应用过滤，空表示全部
	Status Classification // 按状态过滤，空表示全部
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
