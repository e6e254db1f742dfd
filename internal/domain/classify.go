package domain

import "time"

// Classification 密钥状态分类
type Classification string

const (
	StatusActive  Classification = "active"
	StatusBanned  Classification = "banned"
	StatusExpired Classification = "expired"
)

// ParseClassification 解析状态字符串，空串返回空分类（不过滤）
func ParseClassification(s string) (Classification, bool) {
	switch Classification(s) {
	case "":
		return "", true
	case StatusActive, StatusBanned, StatusExpired:
		return Classification(s), true
	default:
		return "", false
	}
}

// IsExpired 判断密钥在 now 时刻是否已过期。到达过期时刻即视为过期。
func IsExpired(k *LicenseKey, now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// Classify 是验证和统计共用的唯一状态判定。封禁优先于过期。
func Classify(k *LicenseKey, now time.Time) Classification {
	switch {
	case k.Banned:
		return StatusBanned
	case IsExpired(k, now):
		return StatusExpired
	default:
		return StatusActive
	}
}

// Reason 验证失败原因码，客户端依赖这些值做分支判断
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonNotFound       Reason = "not_found"
	ReasonBanned         Reason = "banned"
	ReasonExpired        Reason = "expired"
	ReasonHWIDMismatch   Reason = "hwid_mismatch"
	ReasonMaxActivations Reason = "max_activations"
)

// ReasonFor 将非活跃分类映射为对应的失败原因
func ReasonFor(c Classification) Reason {
	switch c {
	case StatusBanned:
		return ReasonBanned
	case StatusExpired:
		return ReasonExpired
	default:
		return ReasonNone
	}
}

// Verdict 验证结果
type Verdict struct {
	Valid              bool       `json:"valid"`
	Reason             Reason     `json:"reason,omitempty"`
	ExpiresAt          *time.Time `json:"expiresAt,omitempty"`
	CreatedAt          *time.Time `json:"createdAt,omitempty"`
	AppName            string     `json:"appName,omitempty"`
	ScreenshotRequired bool       `json:"screenshotRequired,omitempty"`
	Bound              bool       `json:"-"` // 本次调用是否产生了新绑定
}

// Rejected 构造失败结果
func Rejected(reason Reason) *Verdict {
	return &Verdict{Valid: false, Reason: reason}
}

// KeyStatistics 密钥统计
type KeyStatistics struct {
	TotalKeys   int `json:"totalKeys"`
	ActiveKeys  int `json:"activeKeys"`
	BannedKeys  int `json:"bannedKeys"`
	ExpiredKeys int `json:"expiredKeys"`
}

// Add 按分类累加
func (s *KeyStatistics) Add(c Classification) {
	s.TotalKeys++
	switch c {
	case StatusActive:
		s.ActiveKeys++
	case StatusBanned:
		s.BannedKeys++
	case StatusExpired:
		s.ExpiredKeys++
	}
}
