package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Upload session statuses
const (
	UploadRunning   = "running"
	UploadCompleted = "completed"
	UploadFailed    = "failed"
	UploadCancelled = "cancelled"
)

// UploadSession is the local history entry of a chunked project upload
type UploadSession struct {
	ID             string     `gorm:"primaryKey" json:"id"`
	ProjectName    string     `gorm:"not null;column:project_name" json:"project_name"`
	ProjectPK      int        `gorm:"column:project_pk" json:"project_pk"` // 0 until the project exists
	Status         string     `gorm:"not null;default:running" json:"status"`
	Rows           int        `json:"rows"`
	TotalChunks    int        `gorm:"column:total_chunks" json:"total_chunks"`
	UploadedChunks int        `gorm:"column:uploaded_chunks" json:"uploaded_chunks"`
	Error          string     `gorm:"type:text" json:"error"`
	CompletedAt    *time.Time `gorm:"column:completed_at" json:"completed_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// BeforeCreate hook to generate UUID before creating record
func (us *UploadSession) BeforeCreate(tx *gorm.DB) error {
	if us.ID == "" {
		us.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (UploadSession) TableName() string {
	return "upload_sessions"
}
