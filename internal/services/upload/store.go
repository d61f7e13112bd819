package upload

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"summeval-sync/internal/models"
)

// SessionStore keeps upload history in the local database.
type SessionStore struct {
	db *gorm.DB
}

// NewSessionStore creates a store backed by db.
func NewSessionStore(db *gorm.DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) start(id string, meta Metadata, rows, chunks int) error {
	return s.db.Create(&models.UploadSession{
		ID:          id,
		ProjectName: meta.Name,
		Status:      models.UploadRunning,
		Rows:        rows,
		TotalChunks: chunks,
	}).Error
}

func (s *SessionStore) setProject(id string, pk int) error {
	return s.db.Model(&models.UploadSession{}).Where("id = ?", id).Update("project_pk", pk).Error
}

func (s *SessionStore) setUploaded(id string, uploaded int) error {
	return s.db.Model(&models.UploadSession{}).Where("id = ?", id).Update("uploaded_chunks", uploaded).Error
}

func (s *SessionStore) finish(id, status string, uploaded int, errMsg string) error {
	now := time.Now()
	return s.db.Model(&models.UploadSession{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":          status,
		"uploaded_chunks": uploaded,
		"error":           errMsg,
		"completed_at":    &now,
	}).Error
}

// Get returns one session by id.
func (s *SessionStore) Get(id string) (*models.UploadSession, error) {
	var session models.UploadSession
	if err := s.db.Where("id = ?", id).First(&session).Error; err != nil {
		return nil, fmt.Errorf("upload session not found: %w", err)
	}
	return &session, nil
}

// List returns the most recent sessions first. limit <= 0 returns all.
func (s *SessionStore) List(limit int) ([]models.UploadSession, error) {
	var sessions []models.UploadSession
	q := s.db.Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("failed to list upload sessions: %w", err)
	}
	return sessions, nil
}
