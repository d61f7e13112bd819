package upload

import (
	"time"

	"github.com/charmbracelet/log"
)

// Defaults for Options fields left at zero.
const (
	DefaultRowsPerChunk    = 10
	DefaultMaxAttempts     = 3
	DefaultConcurrency     = 4
	DefaultBackoffBase     = 500 * time.Millisecond
	DefaultBackoffMax      = 5 * time.Second
	DefaultRollbackTimeout = 30 * time.Second
)

// Metadata holds the non-tabular fields of a project and the columns the
// backend reads from every chunk.
type Metadata struct {
	Name                   string
	Description            string
	Tags                   []string
	FullTextColumn         string
	ReferenceSummaryColumn string
}

// Options configures a Pipeline.
type Options struct {
	RowsPerChunk int
	// MaxAttempts is the total number of upload attempts per chunk.
	MaxAttempts int
	// Concurrency bounds the number of chunks in flight. 1 uploads sequentially.
	Concurrency int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// RequestsPerSecond caps chunk requests across all workers. Zero disables the cap.
	RequestsPerSecond float64
	RollbackTimeout   time.Duration

	// OnProgress is called after each chunk's first success, one call at a time.
	OnProgress func(Progress)

	Logger *log.Logger
	Store  *SessionStore
}

func (o Options) withDefaults() Options {
	if o.RowsPerChunk <= 0 {
		o.RowsPerChunk = DefaultRowsPerChunk
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = DefaultBackoffMax
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = o.BackoffBase
	}
	if o.RollbackTimeout <= 0 {
		o.RollbackTimeout = DefaultRollbackTimeout
	}
	return o
}

// Progress is a snapshot of an upload.
type Progress struct {
	Uploaded  int
	Total     int
	Percent   float64
	Elapsed   time.Duration
	Remaining time.Duration // zero until the first chunk succeeds
}

// Result summarizes a successful upload.
type Result struct {
	SessionID string
	ProjectPK int
	Rows      int
	Chunks    int
	Duration  time.Duration
}
