package tracker

import (
	"fmt"

	"github.com/bytedance/sonic"
	"gorm.io/gorm"

	"summeval-sync/internal/models"
)

// TaskStore keeps the history of tracked tasks in the local database.
type TaskStore struct {
	db *gorm.DB
}

// NewTaskStore creates a store backed by db.
func NewTaskStore(db *gorm.DB) *TaskStore {
	return &TaskStore{db: db}
}

func (s *TaskStore) start(cacheKey, taskID string) (string, error) {
	record := models.TaskProgress{
		CacheKey: cacheKey,
		TaskID:   taskID,
		State:    string(StatePolling),
		Messages: marshalMessages([]string{"tracking started"}),
	}
	if err := s.db.Create(&record).Error; err != nil {
		return "", err
	}
	return record.ID, nil
}

func (s *TaskStore) update(id, status string, progress *float64) error {
	return s.db.Model(&models.TaskProgress{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":   status,
		"progress": progress,
	}).Error
}

func (s *TaskStore) finish(id, state, status string, progress *float64, result interface{}, message string) error {
	var record models.TaskProgress
	if err := s.db.Where("id = ?", id).First(&record).Error; err != nil {
		return err
	}

	record.State = state
	record.Status = status
	record.Progress = progress
	if result != nil {
		if raw, err := sonic.MarshalString(result); err == nil {
			record.Result = raw
		}
	}
	if message != "" {
		messages := unmarshalMessages(record.Messages)
		record.Messages = marshalMessages(append(messages, message))
	}
	return s.db.Save(&record).Error
}

// History returns the tracking runs of a cache key, newest first.
func (s *TaskStore) History(cacheKey string) ([]models.TaskProgress, error) {
	var records []models.TaskProgress
	if err := s.db.Where("cache_key = ?", cacheKey).Order("created_at DESC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to load task history: %w", err)
	}
	return records, nil
}

// Recent returns the latest tracking runs across all keys.
func (s *TaskStore) Recent(limit int) ([]models.TaskProgress, error) {
	var records []models.TaskProgress
	q := s.db.Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to load task history: %w", err)
	}
	return records, nil
}

// Messages decodes the message log of a record.
func Messages(record models.TaskProgress) []string {
	return unmarshalMessages(record.Messages)
}

func marshalMessages(messages []string) string {
	data, _ := sonic.MarshalString(messages)
	return data
}

func unmarshalMessages(messagesJSON string) []string {
	if messagesJSON == "" {
		return []string{}
	}
	var messages []string
	if err := sonic.UnmarshalString(messagesJSON, &messages); err != nil {
		return []string{}
	}
	return messages
}
