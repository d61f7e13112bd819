package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"summeval-sync/internal/logging"
	"summeval-sync/internal/models"
	"summeval-sync/internal/services/tracker"
)

func TestNormalizeCron(t *testing.T) {
	t.Run("Should convert 5-field to 6-field cron", func(t *testing.T) {
		tests := []struct {
			name     string
			input    string
			expected string
		}{
			{
				name:     "Daily at 2 AM",
				input:    "0 2 * * *",
				expected: "0 0 2 * * *",
			},
			{
				name:     "Every 15 minutes",
				input:    "*/15 * * * *",
				expected: "0 */15 * * * *",
			},
			{
				name:     "Every Monday at 9 AM",
				input:    "0 9 * * 1",
				expected: "0 0 9 * * 1",
			},
			{
				name:     "First day of month at midnight",
				input:    "0 0 1 * *",
				expected: "0 0 0 1 * *",
			},
			{
				name:     "Every 5 minutes",
				input:    "*/5 * * * *",
				expected: "0 */5 * * * *",
			},
			{
				name:     "At 3:30 PM every day",
				input:    "30 15 * * *",
				expected: "0 30 15 * * *",
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				result, err := normalizeCron(tt.input)
				require.NoError(t, err)
				assert.Equal(t, tt.expected, result)
			})
		}
	})

	t.Run("Should keep 6-field cron unchanged", func(t *testing.T) {
		tests := []struct {
			name  string
			input string
		}{
			{
				name:  "6-field daily at 2 AM",
				input: "0 0 2 * * *",
			},
			{
				name:  "6-field every 15 minutes",
				input: "0 */15 * * * *",
			},
			{
				name:  "6-field with seconds",
				input: "30 0 2 * * 1",
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				result, err := normalizeCron(tt.input)
				require.NoError(t, err)
				assert.Equal(t, tt.input, result)
			})
		}
	})

	t.Run("Should fail with invalid field count", func(t *testing.T) {
		tests := []struct {
			name  string
			input string
		}{
			{
				name:  "Too few fields (4)",
				input: "0 2 * *",
			},
			{
				name:  "Too many fields (7)",
				input: "0 0 2 * * * 2025",
			},
			{
				name:  "Empty string",
				input: "",
			},
			{
				name:  "Single field",
				input: "*",
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := normalizeCron(tt.input)
				assert.Error(t, err)
				assert.Contains(t, err.Error(), "invalid cron expression")
			})
		}
	})

	t.Run("Should handle cron with extra whitespace", func(t *testing.T) {
		input := "  0   2   *   *   *  "
		// The function trims leading/trailing but keeps internal whitespace structure
		expected := "0 0   2   *   *   *"

		result, err := normalizeCron(input)
		require.NoError(t, err)
		assert.Equal(t, expected, result)
	})
}

func TestCronExpressionExamples(t *testing.T) {
	t.Run("Should convert common re-check intervals", func(t *testing.T) {
		tests := []struct {
			interval   string
			cron5Field string
			cron6Field string
		}{
			{"Hourly", "0 * * * *", "0 0 * * * *"},
			{"Nightly", "0 2 * * *", "0 0 2 * * *"},
			{"Weekdays (Monday to Friday)", "0 9 * * 1-5", "0 0 9 * * 1-5"},
			{"Office hours", "*/30 9-17 * * *", "0 */30 9-17 * * *"},
			{"Several times a day", "0 8,12,16 * * *", "0 0 8,12,16 * * *"},
		}

		for _, tt := range tests {
			t.Run(tt.interval, func(t *testing.T) {
				result, err := normalizeCron(tt.cron5Field)
				require.NoError(t, err)
				assert.Equal(t, tt.cron6Field, result)
			})
		}
	})
}

func TestServiceCreation(t *testing.T) {
	ctx := context.Background()

	t.Run("Should create new scheduler service", func(t *testing.T) {
		service := &Service{
			ctx:  ctx,
			jobs: make(map[string]cron.EntryID),
		}

		assert.NotNil(t, service)
		assert.NotNil(t, service.jobs)
		assert.Equal(t, ctx, service.ctx)
	})
}

type fakeWatcher struct {
	mu    sync.Mutex
	keys  []string
	err   error
	found bool
}

func (f *fakeWatcher) Track(_ context.Context, cacheKey string) (*tracker.Tracker, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, cacheKey)
	return nil, f.found, f.err
}

func (f *fakeWatcher) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

func newTestService(t *testing.T, watcher *fakeWatcher) (*Service, *gorm.DB, *[]string) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "scheduler.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.WatchedKey{}))

	var profiles []string
	var mu sync.Mutex
	watcherFor := func(profileID string) (Watcher, error) {
		mu.Lock()
		profiles = append(profiles, profileID)
		mu.Unlock()
		if profileID == "missing" {
			return nil, errors.New("profile not found")
		}
		return watcher, nil
	}

	svc := NewService(db, context.Background(), watcherFor, logging.Discard())
	t.Cleanup(svc.Stop)
	return svc, db, &profiles
}

func TestWatchManagement(t *testing.T) {
	t.Run("Should create a watch with a normalized cron expression", func(t *testing.T) {
		svc, db, _ := newTestService(t, &fakeWatcher{})

		id, err := svc.UpsertWatch(UpsertWatchRequest{
			Name:     "experiment 7",
			CacheKey: "7",
			Cron:     "*/15 * * * *",
			Enabled:  true,
		})
		require.NoError(t, err)
		require.NotEmpty(t, id)

		var stored models.WatchedKey
		require.NoError(t, db.First(&stored, "id = ?", id).Error)
		assert.Equal(t, "0 */15 * * * *", stored.Cron)
		assert.Equal(t, "UTC", stored.Timezone)
		assert.Equal(t, "7", stored.CacheKey)
		assert.True(t, stored.Enabled)
		require.NotNil(t, stored.NextRunAt)
		assert.True(t, stored.NextRunAt.After(time.Now().Add(-time.Second)))
		assert.True(t, svc.scheduled(id))
	})

	t.Run("Should update an existing watch by name", func(t *testing.T) {
		svc, db, _ := newTestService(t, &fakeWatcher{})

		first, err := svc.UpsertWatch(UpsertWatchRequest{Name: "nightly", CacheKey: "7", Cron: "0 2 * * *", Enabled: true})
		require.NoError(t, err)
		second, err := svc.UpsertWatch(UpsertWatchRequest{Name: "nightly", CacheKey: "8", Cron: "0 3 * * *", Timezone: "Europe/Berlin", Enabled: true})
		require.NoError(t, err)
		assert.Equal(t, first, second)

		var count int64
		require.NoError(t, db.Model(&models.WatchedKey{}).Count(&count).Error)
		assert.Equal(t, int64(1), count)

		watches, err := svc.ListWatches()
		require.NoError(t, err)
		require.Len(t, watches, 1)
		assert.Equal(t, "8", watches[0].CacheKey)
		assert.Equal(t, "0 0 3 * * *", watches[0].Cron)
		assert.Equal(t, "Europe/Berlin", watches[0].Timezone)
		assert.NotNil(t, watches[0].NextRun)
		assert.Nil(t, watches[0].LastRunAt)
	})

	t.Run("Should reject incomplete or invalid requests", func(t *testing.T) {
		svc, db, _ := newTestService(t, &fakeWatcher{})

		tests := []struct {
			name string
			req  UpsertWatchRequest
			msg  string
		}{
			{"missing name", UpsertWatchRequest{CacheKey: "7", Cron: "0 2 * * *"}, "required"},
			{"missing cache key", UpsertWatchRequest{Name: "a", Cron: "0 2 * * *"}, "required"},
			{"bad cron", UpsertWatchRequest{Name: "a", CacheKey: "7", Cron: "0 2 * *"}, "invalid cron expression"},
			{"bad timezone", UpsertWatchRequest{Name: "a", CacheKey: "7", Cron: "0 2 * * *", Timezone: "Mars/Olympus"}, "invalid timezone"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := svc.UpsertWatch(tt.req)
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.msg)
			})
		}

		var count int64
		require.NoError(t, db.Model(&models.WatchedKey{}).Count(&count).Error)
		assert.Zero(t, count)
	})

	t.Run("Should not schedule disabled watches", func(t *testing.T) {
		svc, _, _ := newTestService(t, &fakeWatcher{})

		id, err := svc.UpsertWatch(UpsertWatchRequest{Name: "paused", CacheKey: "7", Cron: "0 2 * * *", Enabled: false})
		require.NoError(t, err)
		assert.False(t, svc.scheduled(id))

		_, err = svc.UpsertWatch(UpsertWatchRequest{Name: "paused", CacheKey: "7", Cron: "0 2 * * *", Enabled: true})
		require.NoError(t, err)
		assert.True(t, svc.scheduled(id))

		_, err = svc.UpsertWatch(UpsertWatchRequest{Name: "paused", CacheKey: "7", Cron: "0 2 * * *", Enabled: false})
		require.NoError(t, err)
		assert.False(t, svc.scheduled(id))
	})

	t.Run("Should delete a watch and its schedule", func(t *testing.T) {
		svc, _, _ := newTestService(t, &fakeWatcher{})

		id, err := svc.UpsertWatch(UpsertWatchRequest{Name: "gone", CacheKey: "7", Cron: "0 2 * * *", Enabled: true})
		require.NoError(t, err)

		require.NoError(t, svc.DeleteWatch(id))
		assert.False(t, svc.scheduled(id))

		watches, err := svc.ListWatches()
		require.NoError(t, err)
		assert.Empty(t, watches)
	})
}

func TestWatchExecution(t *testing.T) {
	t.Run("Should track the cache key when run now", func(t *testing.T) {
		watcher := &fakeWatcher{found: true}
		svc, _, profiles := newTestService(t, watcher)

		id, err := svc.UpsertWatch(UpsertWatchRequest{Name: "exp", CacheKey: "42", ProfileID: "lab", Cron: "0 2 * * *", Enabled: true})
		require.NoError(t, err)

		require.NoError(t, svc.RunNow(id))
		assert.Equal(t, []string{"42"}, watcher.calls())
		assert.Equal(t, []string{"lab"}, *profiles)

		watches, err := svc.ListWatches()
		require.NoError(t, err)
		require.Len(t, watches, 1)
		assert.NotNil(t, watches[0].LastRunAt)
	})

	t.Run("Should compute the next run in the watch timezone", func(t *testing.T) {
		tokyo, err := time.LoadLocation("Asia/Tokyo")
		require.NoError(t, err)
		svc, db, _ := newTestService(t, &fakeWatcher{})

		id, err := svc.UpsertWatch(UpsertWatchRequest{Name: "exp", CacheKey: "42", Cron: "0 2 * * *", Timezone: "Asia/Tokyo", Enabled: true})
		require.NoError(t, err)
		require.NoError(t, svc.RunNow(id))

		var watch models.WatchedKey
		require.NoError(t, db.First(&watch, "id = ?", id).Error)
		require.NotNil(t, watch.NextRunAt)
		next := watch.NextRunAt.In(tokyo)
		assert.Equal(t, 2, next.Hour())
		assert.Equal(t, 0, next.Minute())
		assert.True(t, next.After(*watch.LastRunAt))
	})

	t.Run("Should surface tracking errors", func(t *testing.T) {
		watcher := &fakeWatcher{err: errors.New("server unreachable")}
		svc, _, _ := newTestService(t, watcher)

		id, err := svc.UpsertWatch(UpsertWatchRequest{Name: "exp", CacheKey: "42", Cron: "0 2 * * *", Enabled: true})
		require.NoError(t, err)

		err = svc.RunNow(id)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server unreachable")
	})

	t.Run("Should fail when the profile cannot be resolved", func(t *testing.T) {
		watcher := &fakeWatcher{}
		svc, _, _ := newTestService(t, watcher)

		id, err := svc.UpsertWatch(UpsertWatchRequest{Name: "exp", CacheKey: "42", ProfileID: "missing", Cron: "0 2 * * *", Enabled: true})
		require.NoError(t, err)

		err = svc.RunNow(id)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "profile not found")
		assert.Empty(t, watcher.calls())
	})

	t.Run("Should fail for an unknown watch", func(t *testing.T) {
		svc, _, _ := newTestService(t, &fakeWatcher{})

		err := svc.RunNow("does-not-exist")
		require.Error(t, err)
	})

	t.Run("Should fire enabled watches loaded on start", func(t *testing.T) {
		watcher := &fakeWatcher{}
		svc, db, _ := newTestService(t, watcher)

		require.NoError(t, db.Create(&models.WatchedKey{Name: "every second", CacheKey: "9", Cron: "* * * * * *", Timezone: "UTC", Enabled: true}).Error)
		require.NoError(t, db.Create(&models.WatchedKey{Name: "off", CacheKey: "10", Cron: "* * * * * *", Timezone: "UTC", Enabled: false}).Error)

		require.NoError(t, svc.Start())

		assert.Eventually(t, func() bool {
			return len(watcher.calls()) > 0
		}, 3*time.Second, 50*time.Millisecond)
		assert.NotContains(t, watcher.calls(), "10")
	})
}
