package scheduler

import (
	"context"

	"summeval-sync/internal/services/tracker"
)

// Watcher starts tracking a cache key. *tracker.Registry implements it.
type Watcher interface {
	Track(ctx context.Context, cacheKey string) (*tracker.Tracker, bool, error)
}

// WatcherFor returns the watcher for a server profile. An empty profile id
// means the default server.
type WatcherFor func(profileID string) (Watcher, error)

// WatchListResponse represents a watched key in list responses
type WatchListResponse struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	CacheKey  string  `json:"cache_key"`
	ProfileID string  `json:"profile_id"`
	Cron      string  `json:"cron"`
	Timezone  string  `json:"timezone"`
	Enabled   bool    `json:"enabled"`
	LastRunAt *string `json:"last_run_at"` // ISO 8601 format
	NextRun   *string `json:"next_run"`    // ISO 8601 format
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
}

// UpsertWatchRequest represents a request to create or update a watched key
type UpsertWatchRequest struct {
	Name      string `json:"name"`
	CacheKey  string `json:"cache_key"`
	ProfileID string `json:"profile_id"`
	Cron      string `json:"cron"`
	Timezone  string `json:"timezone"`
	Enabled   bool   `json:"enabled"`
}
