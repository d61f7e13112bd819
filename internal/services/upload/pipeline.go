// Package upload transfers a CSV of full texts to SummEval as a project plus
// fixed-size chunks, with per-chunk retries, progress reporting and rollback
// of the project when the upload does not complete.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"summeval-sync/internal/api"
	"summeval-sync/internal/logging"
	"summeval-sync/internal/models"
)

// Backend is the part of the SummEval API the pipeline talks to.
type Backend interface {
	CreateProject(ctx context.Context, in api.ProjectInput) (*api.Project, error)
	UploadFullTextChunk(ctx context.Context, chunk api.FullTextChunk) error
	DeleteProject(ctx context.Context, pk int) error
}

// Pipeline runs one upload session. It is not reusable.
type Pipeline struct {
	id      string
	backend Backend
	opts    Options
	backoff backoff
	limiter *rate.Limiter
	logger  *log.Logger

	mu        sync.Mutex
	started   bool
	finished  bool
	cancelled bool
	failed    bool
	projectPK int
	total     int
	uploaded  int
	done      map[int]bool
	failures  []*ChunkUploadError
	startedAt time.Time
	cancelRun context.CancelFunc

	// notifyMu orders progress counting and OnProgress calls.
	notifyMu sync.Mutex

	rollbackOnce sync.Once
}

// NewPipeline creates a pipeline for a single upload.
func NewPipeline(backend Backend, opts Options) *Pipeline {
	opts = opts.withDefaults()
	p := &Pipeline{
		id:      uuid.New().String(),
		backend: backend,
		opts:    opts,
		backoff: backoff{base: opts.BackoffBase, max: opts.BackoffMax},
		done:    make(map[int]bool),
	}
	p.logger = logging.OrDefault(opts.Logger).With("session", p.id[:8])
	if opts.RequestsPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Concurrency)
	}
	return p
}

// ID identifies the session in logs and in the session store.
func (p *Pipeline) ID() string {
	return p.id
}

// ProjectPK returns the created project's pk, or 0 before creation.
func (p *Pipeline) ProjectPK() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.projectPK
}

// Progress returns the current progress snapshot.
func (p *Pipeline) Progress() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progressLocked()
}

func (p *Pipeline) progressLocked() Progress {
	var elapsed time.Duration
	if !p.startedAt.IsZero() {
		elapsed = time.Since(p.startedAt)
	}
	return estimate(p.uploaded, p.total, elapsed)
}

// Run parses input and uploads it. See RunRows.
func (p *Pipeline) Run(ctx context.Context, input io.Reader, meta Metadata) (*Result, error) {
	rows, err := ParseCSV(input)
	if err != nil {
		return nil, err
	}
	return p.RunRows(ctx, rows, meta)
}

// RunRows creates the project, uploads every chunk and waits for all of them.
// If a chunk fails permanently, the session is cancelled or ctx ends before
// every chunk is stored, the project is deleted once and an error is
// returned. Recorded chunk failures win over a later cancel; otherwise the
// error is a CancellationError or the wrapped context error.
func (p *Pipeline) RunRows(ctx context.Context, rows [][]string, meta Metadata) (*Result, error) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	p.started = true
	if p.cancelled {
		p.mu.Unlock()
		return nil, &CancellationError{}
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancelRun = cancel
	p.mu.Unlock()
	defer cancel()

	if err := validateUpload(rows, meta); err != nil {
		return nil, err
	}
	chunks, err := SplitIntoChunks(rows, p.opts.RowsPerChunk)
	if err != nil {
		return nil, err
	}
	dataRows := len(rows) - 1

	p.mu.Lock()
	p.total = len(chunks)
	p.startedAt = time.Now()
	p.mu.Unlock()

	p.persist("start", func(s *SessionStore) error { return s.start(p.id, meta, dataRows, len(chunks)) })
	p.logger.Info("Starting upload", "project", meta.Name, "rows", dataRows, "chunks", len(chunks), "rows_per_chunk", p.opts.RowsPerChunk)

	if p.isCancelled() {
		return nil, p.abortCancelled()
	}

	// Creation is not tied to runCtx: a cancel arriving mid-request must still
	// learn the pk so the project can be deleted.
	project, err := p.backend.CreateProject(ctx, api.ProjectInput{
		Name:        meta.Name,
		Description: meta.Description,
		Tags:        meta.Tags,
	})
	if err != nil {
		p.logger.Error("✗ Project creation failed", "err", err)
		p.persist("finish", func(s *SessionStore) error { return s.finish(p.id, models.UploadFailed, 0, err.Error()) })
		return nil, &CreationError{Err: err}
	}

	p.mu.Lock()
	p.projectPK = project.PK
	cancelled := p.cancelled
	p.mu.Unlock()

	p.persist("project", func(s *SessionStore) error { return s.setProject(p.id, project.PK) })
	p.logger.Info("✓ Project created", "pk", project.PK)

	if cancelled {
		return nil, p.abortCancelled()
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(p.opts.Concurrency)
	for _, chunk := range chunks {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return p.uploadChunk(gctx, chunk, project.PK, meta)
		})
	}
	waitErr := g.Wait()

	p.mu.Lock()
	failures := append([]*ChunkUploadError(nil), p.failures...)
	cancelled = p.cancelled
	uploaded := p.uploaded
	// A loop that stopped early on ctx leaves waitErr nil, so count chunks too.
	interrupted := waitErr != nil || runCtx.Err() != nil || uploaded != len(chunks)
	if len(failures) == 0 && !cancelled && !interrupted {
		p.finished = true
	}
	startedAt := p.startedAt
	p.mu.Unlock()

	switch {
	// Failures are only recorded while the run is live, so they precede any cancel.
	case len(failures) > 0:
		sort.Slice(failures, func(i, j int) bool { return failures[i].ChunkIndex < failures[j].ChunkIndex })
		errs := make([]error, len(failures))
		for i, f := range failures {
			errs[i] = f
		}
		err := errors.Join(errs...)
		p.rollback()
		p.persist("finish", func(s *SessionStore) error { return s.finish(p.id, models.UploadFailed, uploaded, err.Error()) })
		return nil, err

	case cancelled:
		return nil, p.abortCancelled()

	case interrupted:
		cause := runCtx.Err()
		if cause == nil {
			cause = waitErr
		}
		if cause == nil {
			cause = fmt.Errorf("%d of %d chunks uploaded", uploaded, len(chunks))
		}
		p.rollback()
		p.persist("finish", func(s *SessionStore) error { return s.finish(p.id, models.UploadFailed, uploaded, cause.Error()) })
		p.logger.Warn("Upload interrupted", "uploaded", uploaded, "total", len(chunks), "err", cause)
		return nil, fmt.Errorf("upload interrupted: %w", cause)
	}

	duration := time.Since(startedAt)
	p.persist("finish", func(s *SessionStore) error { return s.finish(p.id, models.UploadCompleted, uploaded, "") })
	p.logger.Info("✓ Upload complete", "pk", project.PK, "chunks", uploaded, "duration", duration.Round(time.Millisecond))

	return &Result{
		SessionID: p.id,
		ProjectPK: project.PK,
		Rows:      dataRows,
		Chunks:    len(chunks),
		Duration:  duration,
	}, nil
}

// Cancel stops the session: no new attempts start, in-flight requests are
// aborted and the project, if created, is deleted. Cancel after a successful
// Run does nothing.
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	if p.cancelled || p.finished {
		p.mu.Unlock()
		return
	}
	p.cancelled = true
	if p.cancelRun != nil {
		p.cancelRun()
	}
	pk := p.projectPK
	p.mu.Unlock()

	p.logger.Warn("Cancelling upload", "pk", pk)
	if pk != 0 {
		p.rollback()
	}
}

func (p *Pipeline) isCancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

func (p *Pipeline) uploadChunk(ctx context.Context, chunk Chunk, pk int, meta Metadata) error {
	label := fmt.Sprintf("chunk %d/%d", chunk.Index+1, p.total)

	attempts, err := retryWithBackoff(ctx, label, func(ctx context.Context) error {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		return p.backend.UploadFullTextChunk(ctx, api.FullTextChunk{
			ProjectPK:              pk,
			FullTextColumn:         meta.FullTextColumn,
			ReferenceSummaryColumn: meta.ReferenceSummaryColumn,
			ChunkIndex:             chunk.Index,
			ChunkSize:              p.opts.RowsPerChunk,
			FileName:               chunk.FileName(),
			Content:                strings.NewReader(chunk.Content),
		})
	}, p.opts.MaxAttempts, p.backoff, p.logger)

	if err == nil {
		p.markUploaded(chunk.Index)
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	failure := &ChunkUploadError{
		ChunkIndex: chunk.Index,
		Attempts:   attempts,
		Kind:       classify(err),
		Err:        err,
	}
	p.mu.Lock()
	p.failed = true
	p.failures = append(p.failures, failure)
	p.mu.Unlock()
	return failure
}

// markUploaded counts a chunk on its first success. Successes after a
// cancellation or a permanent failure are discarded.
func (p *Pipeline) markUploaded(index int) {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	p.mu.Lock()
	if p.cancelled || p.failed || p.done[index] {
		p.mu.Unlock()
		return
	}
	p.done[index] = true
	p.uploaded++
	progress := p.progressLocked()
	p.mu.Unlock()

	p.logger.Debug(fmt.Sprintf("✓ Chunk %d/%d uploaded", index+1, progress.Total), "percent", progress.Percent)
	p.persist("progress", func(s *SessionStore) error { return s.setUploaded(p.id, progress.Uploaded) })

	if p.opts.OnProgress != nil {
		p.opts.OnProgress(progress)
	}
}

// rollback deletes the project exactly once. Failures are logged only.
func (p *Pipeline) rollback() {
	p.rollbackOnce.Do(func() {
		p.mu.Lock()
		pk := p.projectPK
		p.mu.Unlock()
		if pk == 0 {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), p.opts.RollbackTimeout)
		defer cancel()

		if err := p.backend.DeleteProject(ctx, pk); err != nil {
			p.logger.Error("✗ Rollback failed, project left on server", "pk", pk, "err", err)
			return
		}
		p.logger.Info("Project rolled back", "pk", pk)
	})
}

func (p *Pipeline) abortCancelled() error {
	p.rollback()

	p.mu.Lock()
	err := &CancellationError{ProjectPK: p.projectPK, Uploaded: p.uploaded, Total: p.total}
	p.mu.Unlock()

	p.persist("finish", func(s *SessionStore) error { return s.finish(p.id, models.UploadCancelled, err.Uploaded, "") })
	p.logger.Warn("Upload cancelled", "uploaded", err.Uploaded, "total", err.Total)
	return err
}

func (p *Pipeline) persist(op string, fn func(*SessionStore) error) {
	if p.opts.Store == nil {
		return
	}
	if err := fn(p.opts.Store); err != nil {
		p.logger.Warn("Failed to record upload session", "op", op, "err", err)
	}
}
