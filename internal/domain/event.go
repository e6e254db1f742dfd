package domain

import "time"

// 管理端实时事件类型
const (
	EventKeyGenerated = "key_generated"
	EventKeyValidated = "key_validated"
	EventKeyBanned    = "key_banned"
	EventKeyUnbanned  = "key_unbanned"
	EventKeyDeleted   = "key_deleted"
	EventKeyUpdated   = "key_updated"
)

// Event 推送给管理端的事件
type Event struct {
	Type string    `json:"type"`
	Key  string    `json:"key,omitempty"`
	Data any       `json:"data,omitempty"`
	Time time.Time `json:"time"`
}
