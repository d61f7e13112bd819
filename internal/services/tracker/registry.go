package tracker

import (
	"context"
	"sort"
	"sync"
)

// Registry holds one Tracker per cache key, so several keys can be followed
// at once without sharing a handle.
type Registry struct {
	backend Backend
	opts    Options

	mu       sync.Mutex
	trackers map[string]*Tracker
}

// NewRegistry creates a registry whose trackers share opts.
func NewRegistry(backend Backend, opts Options) *Registry {
	return &Registry{
		backend:  backend,
		opts:     opts,
		trackers: make(map[string]*Tracker),
	}
}

// Track starts tracking cacheKey, reusing the key's tracker. See Tracker.Start.
func (r *Registry) Track(ctx context.Context, cacheKey string) (*Tracker, bool, error) {
	t := r.tracker(cacheKey)
	tracking, err := t.Start(ctx, cacheKey)
	return t, tracking, err
}

// Get returns the tracker of cacheKey, if one was created.
func (r *Registry) Get(cacheKey string) (*Tracker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackers[cacheKey]
	return t, ok
}

// Stop stops tracking cacheKey.
func (r *Registry) Stop(cacheKey string) {
	if t, ok := r.Get(cacheKey); ok {
		t.Stop()
	}
}

// StopAll stops every tracker.
func (r *Registry) StopAll() {
	r.mu.Lock()
	trackers := make([]*Tracker, 0, len(r.trackers))
	for _, t := range r.trackers {
		trackers = append(trackers, t)
	}
	r.mu.Unlock()

	for _, t := range trackers {
		t.Stop()
	}
}

// Snapshots returns the state of every tracker, ordered by cache key.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	trackers := make([]*Tracker, 0, len(r.trackers))
	for _, t := range r.trackers {
		trackers = append(trackers, t)
	}
	r.mu.Unlock()

	snaps := make([]Snapshot, 0, len(trackers))
	for _, t := range trackers {
		snaps = append(snaps, t.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CacheKey < snaps[j].CacheKey })
	return snaps
}

func (r *Registry) tracker(cacheKey string) *Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackers[cacheKey]
	if !ok {
		t = New(r.backend, r.opts)
		r.trackers[cacheKey] = t
	}
	return t
}
