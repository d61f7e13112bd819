// Package scheduler re-checks cache keys on cron schedules, so tasks started
// by other clients are picked up and tracked.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"summeval-sync/internal/logging"
	"summeval-sync/internal/models"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Service handles watched key management and execution
type Service struct {
	db         *gorm.DB
	ctx        context.Context
	cron       *cron.Cron
	jobs       map[string]cron.EntryID // watch ID -> cron entry ID
	jobsMu     sync.RWMutex
	watcherFor WatcherFor
	logger     *log.Logger
}

// NewService creates a new scheduler service
func NewService(db *gorm.DB, ctx context.Context, watcherFor WatcherFor, logger *log.Logger) *Service {
	// Create cron scheduler with seconds support
	c := cron.New(cron.WithSeconds())

	return &Service{
		db:         db,
		ctx:        ctx,
		cron:       c,
		jobs:       make(map[string]cron.EntryID),
		watcherFor: watcherFor,
		logger:     logging.OrDefault(logger),
	}
}

// Start initializes the scheduler and loads enabled watches from database
func (s *Service) Start() error {
	s.logger.Info("Starting scheduler...")

	s.cron.Start()

	var watches []models.WatchedKey
	if err := s.db.Where("enabled = ?", true).Find(&watches).Error; err != nil {
		return fmt.Errorf("failed to load watched keys: %w", err)
	}

	for _, w := range watches {
		if err := s.scheduleWatch(&w); err != nil {
			s.logger.Warn("Failed to schedule watch", "name", w.Name, "id", w.ID, "err", err)
		} else {
			s.logger.Debug("Scheduled watch", "name", w.Name, "cron", w.Cron)
		}
	}

	s.logger.Info("Scheduler started", "watches", len(watches))
	return nil
}

// Stop gracefully stops the scheduler
func (s *Service) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
		s.logger.Info("Scheduler stopped")
	}
}

// ListWatches retrieves all watched keys
func (s *Service) ListWatches() ([]WatchListResponse, error) {
	var watches []models.WatchedKey
	if err := s.db.Order("created_at DESC").Find(&watches).Error; err != nil {
		return nil, fmt.Errorf("failed to list watches: %w", err)
	}

	responses := make([]WatchListResponse, len(watches))
	for i, w := range watches {
		responses[i] = toWatchListResponse(&w)
	}

	return responses, nil
}

// UpsertWatch creates or updates a watched key by name
func (s *Service) UpsertWatch(req UpsertWatchRequest) (string, error) {
	if req.Name == "" || req.CacheKey == "" || req.Cron == "" {
		return "", fmt.Errorf("name, cache_key, and cron are required")
	}

	// Normalize and validate cron expression (convert 5-field to 6-field)
	normalizedCron, err := normalizeCron(req.Cron)
	if err != nil {
		return "", err
	}

	timezone := req.Timezone
	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return "", fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}

	var watch models.WatchedKey
	result := s.db.Where("name = ?", req.Name).First(&watch)
	isNew := errors.Is(result.Error, gorm.ErrRecordNotFound)
	if result.Error != nil && !isNew {
		return "", fmt.Errorf("failed to query watch: %w", result.Error)
	}
	if isNew {
		watch = models.WatchedKey{
			ID:   uuid.New().String(),
			Name: req.Name,
		}
	}

	watch.CacheKey = req.CacheKey
	watch.ProfileID = req.ProfileID
	watch.Cron = normalizedCron
	watch.Timezone = timezone
	watch.Enabled = req.Enabled

	schedule, err := cronParser.Parse(normalizedCron)
	if err != nil {
		return "", fmt.Errorf("failed to parse cron for next run: %w", err)
	}
	nextRun := schedule.Next(time.Now().In(loc))
	watch.NextRunAt = &nextRun

	if isNew {
		if err := s.db.Create(&watch).Error; err != nil {
			return "", fmt.Errorf("failed to create watch: %w", err)
		}
	} else {
		if err := s.db.Save(&watch).Error; err != nil {
			return "", fmt.Errorf("failed to update watch: %w", err)
		}
	}

	if err := s.rescheduleWatch(watch.ID); err != nil {
		return "", fmt.Errorf("failed to reschedule watch: %w", err)
	}

	return watch.ID, nil
}

// DeleteWatch removes a watched key
func (s *Service) DeleteWatch(watchID string) error {
	s.unschedule(watchID)

	if err := s.db.Delete(&models.WatchedKey{}, "id = ?", watchID).Error; err != nil {
		return fmt.Errorf("failed to delete watch: %w", err)
	}

	return nil
}

// RunNow executes a watch immediately, outside its schedule.
func (s *Service) RunNow(watchID string) error {
	return s.executeWatch(watchID)
}

// scheduled reports whether a watch has a cron entry.
func (s *Service) scheduled(watchID string) bool {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	_, ok := s.jobs[watchID]
	return ok
}

// scheduleWatch adds a watch to the cron scheduler
func (s *Service) scheduleWatch(watch *models.WatchedKey) error {
	s.unschedule(watch.ID)
	if !watch.Enabled {
		return nil
	}

	expr := watch.Cron
	if watch.Timezone != "" && watch.Timezone != "UTC" {
		expr = "CRON_TZ=" + watch.Timezone + " " + expr
	}

	watchID := watch.ID
	entryID, err := s.cron.AddFunc(expr, func() {
		if err := s.executeWatch(watchID); err != nil {
			s.logger.Error("Scheduled watch failed", "id", watchID, "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.jobsMu.Lock()
	s.jobs[watch.ID] = entryID
	s.jobsMu.Unlock()

	return nil
}

func (s *Service) unschedule(watchID string) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if entryID, exists := s.jobs[watchID]; exists {
		s.cron.Remove(entryID)
		delete(s.jobs, watchID)
	}
}

// rescheduleWatch reloads a watch from database and reschedules it
func (s *Service) rescheduleWatch(watchID string) error {
	var watch models.WatchedKey
	if err := s.db.First(&watch, "id = ?", watchID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.unschedule(watchID)
			return nil
		}
		return fmt.Errorf("failed to load watch: %w", err)
	}

	return s.scheduleWatch(&watch)
}

// executeWatch resolves the watched key and starts tracking it when a task is
// pending. A key that is already being polled is left alone.
func (s *Service) executeWatch(watchID string) error {
	var watch models.WatchedKey
	if err := s.db.First(&watch, "id = ?", watchID).Error; err != nil {
		return fmt.Errorf("failed to load watch %s: %w", watchID, err)
	}

	now := time.Now()
	watch.LastRunAt = &now
	if schedule, err := cronParser.Parse(watch.Cron); err != nil {
		s.logger.Warn("Failed to parse cron for next run", "err", err)
	} else {
		loc, err := time.LoadLocation(watch.Timezone)
		if err != nil {
			loc = time.UTC
		}
		nextRun := schedule.Next(now.In(loc))
		watch.NextRunAt = &nextRun
	}
	if err := s.db.Save(&watch).Error; err != nil {
		s.logger.Warn("Failed to update watch run times", "err", err)
	}

	watcher, err := s.watcherFor(watch.ProfileID)
	if err != nil {
		return fmt.Errorf("watch %s: %w", watch.Name, err)
	}

	_, tracking, err := watcher.Track(s.ctx, watch.CacheKey)
	if err != nil {
		return fmt.Errorf("watch %s: %w", watch.Name, err)
	}
	if tracking {
		s.logger.Info("Watched key has a running task", "name", watch.Name, "cache_key", watch.CacheKey)
	} else {
		s.logger.Debug("Nothing pending for watched key", "name", watch.Name, "cache_key", watch.CacheKey)
	}
	return nil
}

// normalizeCron converts 5-field cron to 6-field format by prepending seconds
// 5-field: "minute hour day month dow" (standard cron)
// 6-field: "second minute hour day month dow" (robfig/cron with WithSeconds)
func normalizeCron(cronExpr string) (string, error) {
	cronExpr = strings.TrimSpace(cronExpr)

	fields := strings.Fields(cronExpr)
	if len(fields) == 6 {
		if _, err := cronParser.Parse(cronExpr); err == nil {
			return cronExpr, nil
		}
	}

	if len(fields) == 5 {
		if _, err := cron.ParseStandard(cronExpr); err != nil {
			return "", fmt.Errorf("invalid 5-field cron expression: %w", err)
		}
		// Prepend seconds (0 = run at 0 seconds of the minute)
		return "0 " + cronExpr, nil
	}

	return "", fmt.Errorf("invalid cron expression: expected 5 or 6 fields, got %d", len(fields))
}

func toWatchListResponse(watch *models.WatchedKey) WatchListResponse {
	resp := WatchListResponse{
		ID:        watch.ID,
		Name:      watch.Name,
		CacheKey:  watch.CacheKey,
		ProfileID: watch.ProfileID,
		Cron:      watch.Cron,
		Timezone:  watch.Timezone,
		Enabled:   watch.Enabled,
		CreatedAt: watch.CreatedAt.Format(time.RFC3339),
		UpdatedAt: watch.UpdatedAt.Format(time.RFC3339),
	}

	if watch.LastRunAt != nil {
		lastRun := watch.LastRunAt.Format(time.RFC3339)
		resp.LastRunAt = &lastRun
	}

	if watch.NextRunAt != nil {
		nextRun := watch.NextRunAt.Format(time.RFC3339)
		resp.NextRun = &nextRun
	}

	return resp
}
