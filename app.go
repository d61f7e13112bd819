package main

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"gorm.io/gorm"

	"summeval-sync/internal/api"
	"summeval-sync/internal/config"
	"summeval-sync/internal/crypto"
	"summeval-sync/internal/database"
	"summeval-sync/internal/logging"
	"summeval-sync/internal/models"
	"summeval-sync/internal/services/evaluation"
	"summeval-sync/internal/services/profile"
	"summeval-sync/internal/services/scheduler"
	"summeval-sync/internal/services/tracker"
	"summeval-sync/internal/services/upload"
)

// App struct - main application state
type App struct {
	ctx    context.Context
	cfg    *config.Config
	db     *gorm.DB
	logger *log.Logger

	sessions *upload.SessionStore
	tasks    *tracker.TaskStore

	// cipher and profiles are created on first use so commands that never
	// touch stored credentials do not prompt the system keychain.
	cipherOnce sync.Once
	cipherErr  error
	profiles   *profile.Service

	registriesMu sync.Mutex
	registries   map[string]*tracker.Registry // profile ID ("" = configured server) -> registry

	schedulerService *scheduler.Service
}

// NewApp creates a new App from loaded configuration
func NewApp(cfg *config.Config) *App {
	return &App{
		cfg:        cfg,
		logger:     logging.DefaultLogger,
		registries: make(map[string]*tracker.Registry),
	}
}

// startup opens the local database and the stores built on it
func (a *App) startup(ctx context.Context) error {
	a.ctx = ctx
	a.logger.Debug("Application starting up...")

	db, err := database.Init(a.cfg.Database.URL, a.cfg.Log.Level == "debug")
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	a.db = db
	a.sessions = upload.NewSessionStore(db)
	a.tasks = tracker.NewTaskStore(db)

	return nil
}

// shutdown stops trackers and the scheduler, then closes the database
func (a *App) shutdown() {
	a.logger.Debug("Application shutting down...")

	if a.schedulerService != nil {
		a.schedulerService.Stop()
	}

	a.registriesMu.Lock()
	for _, r := range a.registries {
		r.StopAll()
	}
	a.registriesMu.Unlock()

	if err := database.Close(); err != nil {
		a.logger.Error("Error closing database", "err", err)
	}
}

// Profile Management Methods

func (a *App) profileService() (*profile.Service, error) {
	a.cipherOnce.Do(func() {
		cipher, err := crypto.Load(a.logger)
		if err != nil {
			a.cipherErr = fmt.Errorf("encryption unavailable, profiles cannot be used: %w", err)
			return
		}
		a.profiles = profile.NewService(a.db, cipher, a.clientOptions(), a.logger)
	})
	return a.profiles, a.cipherErr
}

func (a *App) clientOptions() api.Options {
	return api.Options{
		Token:      a.cfg.API.Token,
		Timeout:    a.cfg.API.Timeout,
		RetryCount: a.cfg.API.RetryCount,
	}
}

// SaveProfile creates or updates a server profile
func (a *App) SaveProfile(req profile.SaveRequest) (*models.ServerProfile, error) {
	svc, err := a.profileService()
	if err != nil {
		return nil, err
	}
	return svc.Save(req)
}

// ListProfiles returns all server profiles
func (a *App) ListProfiles() ([]models.ServerProfile, error) {
	svc, err := a.profileService()
	if err != nil {
		return nil, err
	}
	return svc.List()
}

// DeleteProfile deletes a server profile by id or name
func (a *App) DeleteProfile(idOrName string) error {
	svc, err := a.profileService()
	if err != nil {
		return err
	}
	return svc.Delete(idOrName)
}

// client returns the API client for a profile, or for the configured server
// when profileID is empty.
func (a *App) client(profileID string) (*api.Client, error) {
	if profileID == "" {
		return api.NewClient(a.cfg.API.BaseURL, a.clientOptions()), nil
	}
	svc, err := a.profileService()
	if err != nil {
		return nil, err
	}
	return svc.Client(profileID)
}

// apiKey returns the explicit key, falling back to the profile's stored key.
func (a *App) apiKey(profileID, explicit string) (string, error) {
	if explicit != "" || profileID == "" {
		return explicit, nil
	}
	svc, err := a.profileService()
	if err != nil {
		return "", err
	}
	return svc.APIKey(profileID)
}

// Upload Methods

// UploadRequest selects the server and progress sink for an upload
type UploadRequest struct {
	ProfileID string
	// OnProgress receives every progress report.
	OnProgress func(upload.Progress)
}

// NewUpload prepares a pipeline for one upload. The caller runs it and may
// cancel it from another goroutine.
func (a *App) NewUpload(req UploadRequest) (*upload.Pipeline, error) {
	client, err := a.client(req.ProfileID)
	if err != nil {
		return nil, err
	}

	return upload.NewPipeline(client, upload.Options{
		RowsPerChunk:      a.cfg.Upload.RowsPerChunk,
		MaxAttempts:       a.cfg.Upload.MaxAttempts,
		Concurrency:       a.cfg.Upload.Concurrency,
		BackoffBase:       a.cfg.Upload.BackoffBase,
		BackoffMax:        a.cfg.Upload.BackoffMax,
		RequestsPerSecond: a.cfg.Upload.RequestsPerSecond,
		OnProgress:        req.OnProgress,
		Logger:            a.logger,
		Store:             a.sessions,
	}), nil
}

// Tracking Methods

// registry returns the tracker registry for a profile, creating it once.
func (a *App) registry(profileID string) (*tracker.Registry, error) {
	a.registriesMu.Lock()
	defer a.registriesMu.Unlock()

	if r, ok := a.registries[profileID]; ok {
		return r, nil
	}

	client, err := a.client(profileID)
	if err != nil {
		return nil, err
	}

	r := tracker.NewRegistry(client, tracker.Options{
		PollInterval:   a.cfg.Tracker.PollInterval,
		RequestTimeout: a.cfg.Tracker.RequestTimeout,
		TerminalStates: a.cfg.Tracker.TerminalStates,
		OnStateChange: func(s tracker.Snapshot) {
			a.logger.Debug("Task state changed", "cache_key", s.CacheKey, "state", s.State)
		},
		OnProgress: func(s tracker.Snapshot) {
			a.logger.Info("Task progress", "cache_key", s.CacheKey, "status", s.Status, "progress", formatPercent(s.Progress))
		},
		OnComplete: func(s tracker.Snapshot) {
			a.logger.Info("✓ Task finished", "cache_key", s.CacheKey, "task_id", s.TaskID, "status", s.Status)
		},
		Logger: a.logger,
		Store:  a.tasks,
	})
	a.registries[profileID] = r
	return r, nil
}

// Track starts tracking a cache key. The boolean is false when no task is
// running for the key.
func (a *App) Track(ctx context.Context, profileID, cacheKey string) (*tracker.Tracker, bool, error) {
	r, err := a.registry(profileID)
	if err != nil {
		return nil, false, err
	}
	return r.Track(ctx, cacheKey)
}

// Evaluation Methods

// Evaluate enqueues a metric computation and starts tracking it
func (a *App) Evaluate(ctx context.Context, profileID string, req evaluation.Request) (*api.AutoEvaluationResponse, *tracker.Tracker, error) {
	client, err := a.client(profileID)
	if err != nil {
		return nil, nil, err
	}
	r, err := a.registry(profileID)
	if err != nil {
		return nil, nil, err
	}
	if req.APIKey, err = a.apiKey(profileID, req.APIKey); err != nil {
		return nil, nil, err
	}

	return evaluation.NewService(client, r, a.logger).Enqueue(ctx, req)
}

// Scheduler Methods

func (a *App) watches() *scheduler.Service {
	if a.schedulerService == nil {
		a.schedulerService = scheduler.NewService(a.db, a.ctx, func(profileID string) (scheduler.Watcher, error) {
			r, err := a.registry(profileID)
			if err != nil {
				return nil, err
			}
			return r, nil
		}, a.logger)
	}
	return a.schedulerService
}

// ListWatches returns all watched keys
func (a *App) ListWatches() ([]scheduler.WatchListResponse, error) {
	return a.watches().ListWatches()
}

// UpsertWatch creates or updates a watched key
func (a *App) UpsertWatch(req scheduler.UpsertWatchRequest) (string, error) {
	return a.watches().UpsertWatch(req)
}

// DeleteWatch removes a watched key
func (a *App) DeleteWatch(watchID string) error {
	return a.watches().DeleteWatch(watchID)
}

// RunWatch checks one watched key immediately
func (a *App) RunWatch(watchID string) error {
	return a.watches().RunNow(watchID)
}

// ServeWatches runs the scheduler until ctx is done
func (a *App) ServeWatches(ctx context.Context) error {
	if err := a.watches().Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// History Methods

// JobHistoryResponse represents an upload or tracked task in the history
type JobHistoryResponse struct {
	ID          string  `json:"id"`
	JobType     string  `json:"job_type"` // "upload" or "task"
	Reference   string  `json:"reference"`
	Status      string  `json:"status"`
	StartedAt   string  `json:"started_at"`   // ISO 8601 timestamp
	CompletedAt *string `json:"completed_at"` // ISO 8601 timestamp or null
	Summary     string  `json:"summary"`
}

// ListJobs retrieves recent uploads and tracked tasks, newest first
func (a *App) ListJobs(limit int) ([]JobHistoryResponse, error) {
	if limit <= 0 {
		limit = 10
	}

	sessions, err := a.sessions.List(limit)
	if err != nil {
		return nil, err
	}
	tasks, err := a.tasks.Recent(limit)
	if err != nil {
		return nil, err
	}

	type entry struct {
		at  time.Time
		job JobHistoryResponse
	}
	entries := make([]entry, 0, len(sessions)+len(tasks))

	for _, s := range sessions {
		job := JobHistoryResponse{
			ID:        s.ID,
			JobType:   "upload",
			Reference: s.ProjectName,
			Status:    s.Status,
			StartedAt: s.CreatedAt.Format(time.RFC3339),
			Summary:   uploadSummary(&s),
		}
		if s.CompletedAt != nil {
			completedAt := s.CompletedAt.Format(time.RFC3339)
			job.CompletedAt = &completedAt
		}
		entries = append(entries, entry{s.CreatedAt, job})
	}

	for _, t := range tasks {
		job := JobHistoryResponse{
			ID:        t.ID,
			JobType:   "task",
			Reference: t.CacheKey,
			Status:    t.State,
			StartedAt: t.CreatedAt.Format(time.RFC3339),
			Summary:   taskSummary(&t),
		}
		if t.State == string(tracker.StateDone) || t.State == string(tracker.StateFailed) {
			completedAt := t.UpdatedAt.Format(time.RFC3339)
			job.CompletedAt = &completedAt
		}
		entries = append(entries, entry{t.CreatedAt, job})
	}

	slices.SortStableFunc(entries, func(x, y entry) int {
		return y.at.Compare(x.at)
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}

	jobs := make([]JobHistoryResponse, len(entries))
	for i, e := range entries {
		jobs[i] = e.job
	}
	return jobs, nil
}

func uploadSummary(s *models.UploadSession) string {
	switch s.Status {
	case models.UploadCompleted:
		return fmt.Sprintf("Project %d: %d rows in %d chunks", s.ProjectPK, s.Rows, s.TotalChunks)
	case models.UploadFailed:
		return "Failed: " + s.Error
	case models.UploadCancelled:
		return fmt.Sprintf("Cancelled after %d/%d chunks", s.UploadedChunks, s.TotalChunks)
	default:
		return fmt.Sprintf("In progress (%d/%d chunks)", s.UploadedChunks, s.TotalChunks)
	}
}

func taskSummary(t *models.TaskProgress) string {
	switch t.State {
	case string(tracker.StateDone):
		return "Finished with " + t.Status
	case string(tracker.StateFailed):
		if msgs := tracker.Messages(*t); len(msgs) > 0 {
			return "Tracking lost: " + msgs[len(msgs)-1]
		}
		return "Tracking lost"
	case string(tracker.StateIdle):
		return "Stopped"
	default:
		return fmt.Sprintf("%s (%s)", strings.ToLower(t.State), formatPercent(t.Progress))
	}
}

func formatPercent(p *float64) string {
	if p == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.0f%%", *p)
}
