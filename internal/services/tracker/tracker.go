// Package tracker follows asynchronous SummEval tasks: it resolves a cache key
// to a task id, then polls the task status until a terminal state.
package tracker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/charmbracelet/log"

	"summeval-sync/internal/api"
	"summeval-sync/internal/logging"
)

// Backend is the part of the SummEval API the tracker talks to.
type Backend interface {
	ResolveTaskID(ctx context.Context, cacheKey string) (string, error)
	GetTaskStatus(ctx context.Context, taskID string) (*api.TaskStatus, error)
}

type eventKind int

const (
	eventState eventKind = iota
	eventProgress
	eventComplete
)

type event struct {
	kind eventKind
	snap Snapshot
}

// Tracker owns one task handle. At most one polling loop runs at a time.
type Tracker struct {
	backend  Backend
	opts     Options
	terminal map[string]bool
	logger   *log.Logger

	mu       sync.Mutex
	snap     Snapshot
	gen      uint64
	cancel   context.CancelFunc
	recordID string
	changed  chan struct{}

	// queue holds callbacks in transition order; one goroutine drains it at a time.
	queue    []event
	flushing bool
}

// New creates an idle tracker.
func New(backend Backend, opts Options) *Tracker {
	opts = opts.withDefaults()
	terminal := make(map[string]bool, len(opts.TerminalStates))
	for _, s := range opts.TerminalStates {
		terminal[strings.ToUpper(strings.TrimSpace(s))] = true
	}
	return &Tracker{
		backend:  backend,
		opts:     opts,
		terminal: terminal,
		logger:   logging.OrDefault(opts.Logger),
		snap:     Snapshot{State: StateIdle},
		changed:  make(chan struct{}),
	}
}

// Snapshot returns the current handle state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

// IsPolling reports whether a polling loop is running.
func (t *Tracker) IsPolling() bool {
	return t.Snapshot().State == StatePolling
}

// Start resolves cacheKey and, when a task is pending, starts polling it.
// It returns whether the key is being tracked. Calling Start while resolving
// or polling does nothing and returns true. A key with no pending task leaves
// the tracker IDLE and returns false with a nil error.
func (t *Tracker) Start(ctx context.Context, cacheKey string) (bool, error) {
	t.mu.Lock()
	if t.snap.State.Active() {
		t.mu.Unlock()
		return true, nil
	}
	t.gen++
	gen := t.gen
	t.recordID = ""
	t.setLocked(Snapshot{CacheKey: cacheKey, State: StateResolving})
	t.mu.Unlock()
	t.flush()

	logger := t.logger.With("cache_key", cacheKey)

	resolveCtx, cancel := context.WithTimeout(ctx, t.opts.RequestTimeout)
	taskID, err := t.backend.ResolveTaskID(resolveCtx, cacheKey)
	cancel()

	t.mu.Lock()
	if t.gen != gen {
		// Stopped while resolving.
		t.mu.Unlock()
		return false, nil
	}
	if err != nil || taskID == "" {
		t.setLocked(Snapshot{CacheKey: cacheKey, State: StateIdle})
		t.mu.Unlock()
		t.flush()
		if err != nil {
			logger.Warn("Could not resolve task", "err", err)
			return false, err
		}
		logger.Debug("No task pending")
		return false, nil
	}

	loopCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = stop
	t.setLocked(Snapshot{CacheKey: cacheKey, TaskID: taskID, State: StatePolling})
	t.mu.Unlock()
	t.flush()

	t.record(gen, func(s *TaskStore) (string, error) { return s.start(cacheKey, taskID) })
	logger.Info("Tracking task", "task_id", taskID, "interval", t.opts.PollInterval)

	go t.poll(loopCtx, gen, cacheKey, taskID, logger)
	return true, nil
}

// Stop ends tracking without completion and returns to IDLE. The backend
// task keeps running.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.snap.State == StateIdle {
		t.mu.Unlock()
		return
	}
	t.gen++
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	prev := t.snap
	recordID := t.recordID
	t.recordID = ""
	t.setLocked(Snapshot{CacheKey: prev.CacheKey, State: StateIdle})
	t.mu.Unlock()
	t.flush()

	if prev.State == StatePolling && recordID != "" && t.opts.Store != nil {
		if err := t.opts.Store.finish(recordID, string(StateIdle), prev.Status, prev.Progress, nil, "tracking stopped"); err != nil {
			t.logger.Warn("Failed to record task", "err", err)
		}
	}
	t.logger.Info("Stopped tracking", "cache_key", prev.CacheKey, "task_id", prev.TaskID)
}

// Wait blocks until the tracker is neither resolving nor polling.
func (t *Tracker) Wait(ctx context.Context) (Snapshot, error) {
	for {
		t.mu.Lock()
		snap := t.snap
		changed := t.changed
		t.mu.Unlock()

		if !snap.State.Active() {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-changed:
		}
	}
}

func (t *Tracker) poll(ctx context.Context, gen uint64, cacheKey, taskID string, logger *log.Logger) {
	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		reqCtx, cancel := context.WithTimeout(ctx, t.opts.RequestTimeout)
		status, err := t.backend.GetTaskStatus(reqCtx, taskID)
		cancel()

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			t.lose(gen, cacheKey, taskID, err, logger)
			return
		}

		state := strings.ToUpper(status.State)
		if t.terminal[state] {
			t.complete(gen, status, logger)
			return
		}
		t.progress(gen, status, logger)
	}
}

func (t *Tracker) progress(gen uint64, status *api.TaskStatus, logger *log.Logger) {
	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.snap.Status = status.State
	if status.Progress != nil {
		p := *status.Progress
		t.snap.Progress = &p
	}
	snap := t.snap
	recordID := t.recordID
	t.queue = append(t.queue, event{kind: eventProgress, snap: snap})
	t.mu.Unlock()
	t.flush()

	if p := snap.Progress; p != nil {
		logger.Debug("Task progress", "state", status.State, "progress", *p)
	}
	if recordID != "" && t.opts.Store != nil {
		if err := t.opts.Store.update(recordID, status.State, snap.Progress); err != nil {
			logger.Warn("Failed to record task", "err", err)
		}
	}
}

func (t *Tracker) complete(gen uint64, status *api.TaskStatus, logger *log.Logger) {
	var progress *float64
	if status.Progress != nil {
		p := *status.Progress
		progress = &p
	}

	// History is written before the transition so waiters see a finished record.
	if recordID, ok := t.currentRecord(gen); ok && recordID != "" && t.opts.Store != nil {
		if err := t.opts.Store.finish(recordID, string(StateDone), status.State, progress, status.Result, errorText(status.Error)); err != nil {
			logger.Warn("Failed to record task", "err", err)
		}
	}

	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.cancel = nil
	snap := t.snap
	snap.State = StateDone
	snap.Status = status.State
	snap.Result = status.Result
	if progress != nil {
		snap.Progress = progress
	}
	t.setLocked(snap)
	t.queue = append(t.queue, event{kind: eventComplete, snap: snap})
	t.mu.Unlock()
	t.flush()

	logger.Info("✓ Task finished", "task_id", snap.TaskID, "state", status.State)
}

func (t *Tracker) lose(gen uint64, cacheKey, taskID string, err error, logger *log.Logger) {
	lost := &TrackingLost{CacheKey: cacheKey, TaskID: taskID, Err: err}

	if recordID, ok := t.currentRecord(gen); ok && recordID != "" && t.opts.Store != nil {
		snap := t.Snapshot()
		if err := t.opts.Store.finish(recordID, string(StateFailed), snap.Status, snap.Progress, nil, lost.Error()); err != nil {
			logger.Warn("Failed to record task", "err", err)
		}
	}

	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.cancel = nil
	snap := t.snap
	snap.State = StateFailed
	snap.Err = lost
	t.setLocked(snap)
	t.mu.Unlock()
	t.flush()

	logger.Warn("⚠ Lost track of task", "task_id", taskID, "err", err)
}

// currentRecord returns the history row id while loop gen is still current.
func (t *Tracker) currentRecord(gen uint64) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recordID, t.gen == gen
}

// setLocked replaces the snapshot, queues the state callback and wakes waiters.
func (t *Tracker) setLocked(snap Snapshot) {
	t.snap = snap
	t.queue = append(t.queue, event{kind: eventState, snap: snap})
	close(t.changed)
	t.changed = make(chan struct{})
}

// flush delivers queued callbacks in order. A callback may call Start or Stop;
// the events that produces are delivered by the outer flush.
func (t *Tracker) flush() {
	t.mu.Lock()
	if t.flushing {
		t.mu.Unlock()
		return
	}
	t.flushing = true
	for len(t.queue) > 0 {
		ev := t.queue[0]
		t.queue = t.queue[1:]
		t.mu.Unlock()
		t.deliver(ev)
		t.mu.Lock()
	}
	t.flushing = false
	t.mu.Unlock()
}

func (t *Tracker) deliver(ev event) {
	var fn func(Snapshot)
	switch ev.kind {
	case eventState:
		fn = t.opts.OnStateChange
	case eventProgress:
		fn = t.opts.OnProgress
	case eventComplete:
		fn = t.opts.OnComplete
	}
	if fn != nil {
		fn(ev.snap)
	}
}

// record creates the history row for a polling loop, unless it was stopped meanwhile.
func (t *Tracker) record(gen uint64, create func(*TaskStore) (string, error)) {
	if t.opts.Store == nil {
		return
	}
	id, err := create(t.opts.Store)
	if err != nil {
		t.logger.Warn("Failed to record task", "err", err)
		return
	}
	t.mu.Lock()
	if t.gen == gen {
		t.recordID = id
	}
	t.mu.Unlock()
}

func errorText(v interface{}) string {
	switch e := v.(type) {
	case nil:
		return ""
	case string:
		return e
	case error:
		return e.Error()
	default:
		if raw, err := sonic.MarshalString(e); err == nil {
			return raw
		}
		return fmt.Sprint(e)
	}
}
