package devices

import (
	"strings"
	"time"
)

// Device captures a registered client device allowed to upload record batches.
type Device struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Name         string    `gorm:"column:name;size:190;not null;uniqueIndex"`
	KeyHash      string    `gorm:"column:key_hash;size:64;not null"`
	GroupID      int64     `gorm:"column:group_id;not null;index"`
	FriendlyName string    `gorm:"column:friendly_name;size:320"`
	RegisteredAt time.Time `gorm:"column:registered_at;autoCreateTime"`
	LastSeenAt   time.Time `gorm:"column:last_seen_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing the device registry.
func (Device) TableName() string {
	return "devices"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
