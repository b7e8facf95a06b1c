package compensate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liuxiao2015/gamecore/internal/errs"
	"github.com/liuxiao2015/gamecore/internal/metrics"
	"github.com/liuxiao2015/gamecore/internal/trace"
)

// Options tunes the engine. Zero values fall back to defaults.
type Options struct {
	// WorkerInterval is the retry worker poll cadence.
	WorkerInterval time.Duration
	// MaxRetries is the handler attempt budget before ManualRequired.
	MaxRetries int
	// Retention is how long terminal records stay queryable.
	Retention time.Duration
	// BaseBackoff is the delay before the first handler attempt; each later
	// attempt doubles it.
	BaseBackoff time.Duration
	// ScanLimit caps how many due records one worker pass picks up.
	ScanLimit int
}

func (o Options) withDefaults() Options {
	if o.WorkerInterval <= 0 {
		o.WorkerInterval = time.Minute
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.Retention <= 0 {
		o.Retention = 7 * 24 * time.Hour
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = time.Minute
	}
	if o.ScanLimit <= 0 {
		o.ScanLimit = 100
	}
	return o
}

// retentionSweepEvery is how often the worker purges expired terminal
// records. Much coarser than the retry cadence on purpose.
const retentionSweepEvery = time.Hour

// Engine wraps risky cross-service writes in durable retry records and
// drives registered handlers until every failed write is compensated.
type Engine struct {
	repo Repository
	m    *metrics.Metrics
	sink errs.Sink
	opts Options

	mu       sync.RWMutex
	handlers map[string]Handler
	// escalated remembers record ids already reported for a missing handler
	// so one deploy skew does not page every worker pass.
	escalated map[string]struct{}
}

// NewEngine creates an engine over repo. sink may be nil; escalations then go
// to the default slog sink.
func NewEngine(repo Repository, m *metrics.Metrics, sink errs.Sink, opts Options) *Engine {
	if sink == nil {
		sink = errs.SlogSink{}
	}
	return &Engine{
		repo:      repo,
		m:         m,
		sink:      sink,
		opts:      opts.withDefaults(),
		handlers:  make(map[string]Handler),
		escalated: make(map[string]struct{}),
	}
}

// RegisterHandler binds the compensation handler for one record type.
// Registering a type twice replaces the previous handler.
func (e *Engine) RegisterHandler(recordType string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[recordType] = h
}

func (e *Engine) handler(recordType string) Handler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handlers[recordType]
}

// Execute runs action under a durable retry record. The record is written
// before the action runs, deleted when it succeeds, and left behind in Failed
// when it does not, scheduled for the registered handler. The action's error
// is returned unchanged so callers keep their own failure path.
func (e *Engine) Execute(ctx context.Context, recordType string, roleID int64, recCtx map[string]any, action func(context.Context) error) error {
	now := time.Now()
	rec := &Record{
		RecordID:   uuid.NewString(),
		Type:       recordType,
		RoleID:     roleID,
		Context:    recCtx,
		Status:     StatusPending,
		MaxRetries: e.opts.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.repo.Insert(ctx, rec); err != nil {
		// Without the marker a failed action would be lost, so the action
		// does not run at all.
		return fmt.Errorf("recording compensation marker for %s: %w", recordType, err)
	}
	e.transition(recordType, StatusPending)

	actionErr := action(ctx)
	if actionErr == nil {
		if err := e.repo.Delete(ctx, rec.RecordID); err != nil {
			slog.WarnContext(ctx, "compensation marker cleanup failed",
				"record_id", rec.RecordID, "type", recordType, "error", err, trace.Attr(ctx))
		}
		return nil
	}

	now = time.Now()
	rec.Status = StatusFailed
	rec.LastError = actionErr.Error()
	rec.NextRetryAt = now.Add(e.opts.BaseBackoff)
	rec.UpdatedAt = now
	if err := e.repo.Update(ctx, rec); err != nil {
		// The record is stuck in Pending and invisible to the retry scan.
		e.sink.Escalate(ctx, "compensate",
			fmt.Errorf("marking record %s (%s) failed: %w", rec.RecordID, recordType, err))
	} else {
		e.transition(recordType, StatusFailed)
	}
	slog.WarnContext(ctx, "action failed, compensation scheduled",
		"record_id", rec.RecordID, "type", recordType, "role_id", roleID,
		"next_retry_at", rec.NextRetryAt, "error", actionErr, trace.Attr(ctx))
	return actionErr
}

// ProcessDue runs one retry pass over records due at now and reports how many
// handler invocations it made. The worker calls it on a ticker; tests call it
// directly with a synthetic clock.
func (e *Engine) ProcessDue(ctx context.Context, now time.Time) int {
	due, err := e.repo.DueForRetry(ctx, now, e.opts.ScanLimit)
	if err != nil {
		slog.ErrorContext(ctx, "scanning due compensation records failed", "error", err)
		return 0
	}
	attempts := 0
	for _, rec := range due {
		h := e.handler(rec.Type)
		if h == nil {
			e.missingHandler(ctx, rec, now)
			continue
		}
		attempts++
		e.attempt(ctx, h, rec, now)
	}
	return attempts
}

// attempt runs one handler invocation and persists the resulting transition.
// RetryCount counts invocations, successful or not.
func (e *Engine) attempt(ctx context.Context, h Handler, rec *Record, now time.Time) {
	err := h.Compensate(ctx, rec)
	rec.RetryCount++
	rec.UpdatedAt = now

	switch {
	case err == nil:
		rec.Status = StatusCompensated
		slog.InfoContext(ctx, "compensation succeeded",
			"record_id", rec.RecordID, "type", rec.Type, "attempts", rec.RetryCount)
	case rec.RetryCount >= rec.MaxRetries:
		rec.Status = StatusManualRequired
		rec.LastError = err.Error()
		e.sink.Escalate(ctx, "compensate",
			fmt.Errorf("record %s (%s, role %d) needs manual intervention after %d attempts: %w",
				rec.RecordID, rec.Type, rec.RoleID, rec.RetryCount, err))
	default:
		rec.LastError = err.Error()
		rec.NextRetryAt = now.Add(e.backoff(rec.RetryCount))
		slog.WarnContext(ctx, "compensation attempt failed",
			"record_id", rec.RecordID, "type", rec.Type, "attempt", rec.RetryCount,
			"next_retry_at", rec.NextRetryAt, "error", err)
	}

	if uerr := e.repo.Update(ctx, rec); uerr != nil {
		e.sink.Escalate(ctx, "compensate",
			fmt.Errorf("persisting record %s transition to %s: %w", rec.RecordID, rec.Status, uerr))
		return
	}
	e.transition(rec.Type, rec.Status)
}

// backoff returns the delay scheduled after the given number of handler
// failures: base, 2*base, 4*base, ...
func (e *Engine) backoff(failures int) time.Duration {
	return e.opts.BaseBackoff << (failures - 1)
}

// missingHandler keeps the record in Failed and pushes it one worker interval
// out, so it retries once the handler shows up after a deploy skew. Escalates
// a single time per record.
func (e *Engine) missingHandler(ctx context.Context, rec *Record, now time.Time) {
	e.mu.Lock()
	_, seen := e.escalated[rec.RecordID]
	if !seen {
		e.escalated[rec.RecordID] = struct{}{}
	}
	e.mu.Unlock()
	if !seen {
		e.sink.Escalate(ctx, "compensate",
			fmt.Errorf("no handler registered for record %s type %s", rec.RecordID, rec.Type))
	}
	rec.NextRetryAt = now.Add(e.opts.WorkerInterval)
	rec.UpdatedAt = now
	if err := e.repo.Update(ctx, rec); err != nil {
		slog.ErrorContext(ctx, "deferring unhandled compensation record failed",
			"record_id", rec.RecordID, "error", err)
	}
}

// PurgeExpired drops terminal records older than the retention window.
func (e *Engine) PurgeExpired(ctx context.Context, now time.Time) {
	n, err := e.repo.PurgeTerminalBefore(ctx, now.Add(-e.opts.Retention))
	if err != nil {
		slog.ErrorContext(ctx, "purging compensation records failed", "error", err)
		return
	}
	if n > 0 {
		slog.InfoContext(ctx, "purged compensation records", "count", n)
	}
}

// ListManualRequired returns the records waiting on an operator.
func (e *Engine) ListManualRequired(ctx context.Context) ([]*Record, error) {
	return e.repo.ListManualRequired(ctx)
}

// Run drives the retry worker until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	retry := time.NewTicker(e.opts.WorkerInterval)
	defer retry.Stop()
	sweep := time.NewTicker(retentionSweepEvery)
	defer sweep.Stop()

	slog.Info("compensation worker started",
		"interval", e.opts.WorkerInterval, "max_retries", e.opts.MaxRetries)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-retry.C:
			e.ProcessDue(ctx, time.Now())
		case <-sweep.C:
			e.PurgeExpired(ctx, time.Now())
		}
	}
}

func (e *Engine) transition(recordType string, to Status) {
	if e.m != nil {
		e.m.CompensationTransitions.WithLabelValues(recordType, string(to)).Inc()
	}
}
