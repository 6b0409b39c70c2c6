package users

import (
	"strings"
	"time"
)

// Identity maps an opaque device key to its stable somnia user id. The device
// key is the only credential a journal client holds; the user id it resolves
// to never changes once assigned.
type Identity struct {
	DeviceKey  string    `gorm:"column:device_key;primaryKey;size:190;not null"`
	UserID     string    `gorm:"column:user_id;size:190;not null;index"`
	LastSeenAt time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing device identities.
func (Identity) TableName() string {
	return "device_identities"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
