package tracker

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"
)

// State is the client-side state of a tracked task.
type State string

const (
	StateIdle      State = "IDLE"
	StateResolving State = "RESOLVING"
	StatePolling   State = "POLLING"
	StateDone      State = "DONE"
	StateFailed    State = "FAILED"
)

// Active reports whether a resolve or polling loop is running.
func (s State) Active() bool {
	return s == StateResolving || s == StatePolling
}

const (
	DefaultPollInterval   = 6500 * time.Millisecond
	DefaultRequestTimeout = 30 * time.Second
)

// DefaultTerminalStates stop polling. PENDING is included because the backend
// reports unknown and expired task ids as PENDING.
var DefaultTerminalStates = []string{"SUCCESS", "FAILURE", "PENDING"}

// Snapshot is a read-only view of a tracker.
type Snapshot struct {
	CacheKey string
	TaskID   string
	State    State
	// Status is the last backend state, e.g. PROGRESS or SUCCESS.
	Status   string
	Progress *float64
	Result   interface{}
	// Err is set when State is FAILED, as a *TrackingLost.
	Err error
}

// Options configures a Tracker.
type Options struct {
	PollInterval   time.Duration
	RequestTimeout time.Duration
	TerminalStates []string

	// OnStateChange is called on every state transition.
	OnStateChange func(Snapshot)
	// OnProgress is called for every non-terminal status report.
	OnProgress func(Snapshot)
	// OnComplete is called once per polling loop when a terminal state is reached.
	OnComplete func(Snapshot)

	Logger *log.Logger
	Store  *TaskStore
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if len(o.TerminalStates) == 0 {
		o.TerminalStates = DefaultTerminalStates
	}
	return o
}

// TrackingLost means the client could no longer poll a task. It says nothing
// about whether the task itself succeeded.
type TrackingLost struct {
	CacheKey string
	TaskID   string
	Err      error
}

func (e *TrackingLost) Error() string {
	return fmt.Sprintf("tracking ended for task %s (key %q): %v", e.TaskID, e.CacheKey, e.Err)
}

func (e *TrackingLost) Unwrap() error { return e.Err }
