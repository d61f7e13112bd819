package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// WatchedKey is a cache key re-checked on a cron schedule
type WatchedKey struct {
	ID        string     `gorm:"primaryKey" json:"id"`
	Name      string     `gorm:"unique;not null" json:"name"`
	CacheKey  string     `gorm:"not null;column:cache_key" json:"cache_key"`
	ProfileID string     `gorm:"column:profile_id" json:"profile_id"` // empty: default server
	Cron      string     `gorm:"not null" json:"cron"`               // 6-field cron expression
	Timezone  string     `gorm:"default:UTC" json:"timezone"`
	Enabled   bool       `gorm:"not null" json:"enabled"`
	LastRunAt *time.Time `gorm:"column:last_run_at" json:"last_run_at"`
	NextRunAt *time.Time `gorm:"column:next_run_at" json:"next_run_at"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// BeforeCreate hook to generate UUID before creating record
func (wk *WatchedKey) BeforeCreate(tx *gorm.DB) error {
	if wk.ID == "" {
		wk.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (WatchedKey) TableName() string {
	return "watched_keys"
}
