package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TaskProgress records one tracking run of a backend task
type TaskProgress struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	CacheKey  string    `gorm:"not null;index;column:cache_key" json:"cache_key"`
	TaskID    string    `gorm:"column:task_id;index" json:"task_id"`
	State     string    `gorm:"not null;default:IDLE" json:"state"` // IDLE, RESOLVING, POLLING, DONE, FAILED
	Status    string    `json:"status"`                             // last backend state: SUCCESS, FAILURE, PENDING, PROGRESS...
	Progress  *float64  `json:"progress"`
	Messages  string    `gorm:"type:text" json:"messages"` // JSON array of strings
	Result    string    `gorm:"type:text" json:"result"`   // JSON blob
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate hook to generate UUID before creating record
func (tp *TaskProgress) BeforeCreate(tx *gorm.DB) error {
	if tp.ID == "" {
		tp.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (TaskProgress) TableName() string {
	return "task_progress"
}
