package compensate

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liuxiao2015/gamecore/internal/errs"
	"github.com/liuxiao2015/gamecore/internal/metrics"
)

type countingSink struct {
	calls atomic.Int64
	last  atomic.Value
}

func (s *countingSink) Escalate(_ context.Context, _ string, err error) {
	s.calls.Add(1)
	s.last.Store(err)
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *MemoryRepository, *countingSink) {
	t.Helper()
	repo := NewMemoryRepository()
	sink := &countingSink{}
	return NewEngine(repo, metrics.NewForTest(), sink, opts), repo, sink
}

func TestExecuteSuccessLeavesNoRecord(t *testing.T) {
	ctx := context.Background()
	eng, repo, sink := newTestEngine(t, Options{})

	err := eng.Execute(ctx, "mail.send", 42, map[string]any{"mail_id": "m1"},
		func(context.Context) error { return nil })

	require.NoError(t, err)
	assert.Equal(t, 0, repo.Len())
	assert.Zero(t, sink.calls.Load())
}

func TestExecuteFailureLeavesFailedRecord(t *testing.T) {
	ctx := context.Background()
	eng, repo, _ := newTestEngine(t, Options{})
	boom := errors.New("mail service down")

	err := eng.Execute(ctx, "mail.send", 42, map[string]any{"mail_id": "m1"},
		func(context.Context) error { return boom })

	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, repo.Len())

	recs, derr := repo.DueForRetry(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, derr)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, "mail.send", rec.Type)
	assert.Equal(t, int64(42), rec.RoleID)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, 0, rec.RetryCount)
	assert.Equal(t, "mail service down", rec.LastError)
	assert.Equal(t, "m1", rec.Context["mail_id"])
	// First retry is one base-backoff out.
	assert.WithinDuration(t, time.Now().Add(time.Minute), rec.NextRetryAt, 2*time.Second)
}

// The handler fails twice, then succeeds. The record walks
// Failed(0) -> Failed(1) -> Failed(2) -> Compensated(3), and each reschedule
// doubles the backoff.
func TestRetrySucceedsOnThirdAttempt(t *testing.T) {
	ctx := context.Background()
	eng, repo, sink := newTestEngine(t, Options{})

	var invocations atomic.Int64
	eng.RegisterHandler("currency.refund", HandlerFunc(func(_ context.Context, rec *Record) error {
		if invocations.Add(1) < 3 {
			return fmt.Errorf("refund attempt %d failed", invocations.Load())
		}
		assert.Equal(t, int64(7), rec.RoleID)
		return nil
	}))

	err := eng.Execute(ctx, "currency.refund", 7, map[string]any{"amount": 100},
		func(context.Context) error { return errors.New("debit remote write lost") })
	require.Error(t, err)

	rec := onlyRecord(t, repo)
	require.Equal(t, StatusFailed, rec.Status)
	require.Equal(t, 0, rec.RetryCount)

	// Pass 1: due exactly at its scheduled time, handler fails.
	now := rec.NextRetryAt
	assert.Equal(t, 1, eng.ProcessDue(ctx, now))
	rec = onlyRecord(t, repo)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Equal(t, now.Add(time.Minute), rec.NextRetryAt)

	// Pass 2: fails again, backoff doubles.
	now = rec.NextRetryAt
	assert.Equal(t, 1, eng.ProcessDue(ctx, now))
	rec = onlyRecord(t, repo)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, 2, rec.RetryCount)
	assert.Equal(t, now.Add(2*time.Minute), rec.NextRetryAt)

	// Pass 3: handler succeeds.
	now = rec.NextRetryAt
	assert.Equal(t, 1, eng.ProcessDue(ctx, now))
	rec = onlyRecord(t, repo)
	assert.Equal(t, StatusCompensated, rec.Status)
	assert.Equal(t, 3, rec.RetryCount)

	assert.EqualValues(t, 3, invocations.Load())
	assert.Zero(t, sink.calls.Load())

	// Terminal records are not scanned again.
	assert.Equal(t, 0, eng.ProcessDue(ctx, now.Add(time.Hour)))
}

func TestManualRequiredAfterRetryBudget(t *testing.T) {
	ctx := context.Background()
	eng, repo, sink := newTestEngine(t, Options{MaxRetries: 3})
	eng.RegisterHandler("guild.sync", HandlerFunc(func(context.Context, *Record) error {
		return errors.New("guild service still down")
	}))

	require.Error(t, eng.Execute(ctx, "guild.sync", 9, nil,
		func(context.Context) error { return errors.New("initial write failed") }))

	rec := onlyRecord(t, repo)
	for range 3 {
		eng.ProcessDue(ctx, rec.NextRetryAt)
		rec = onlyRecord(t, repo)
	}

	assert.Equal(t, StatusManualRequired, rec.Status)
	assert.Equal(t, 3, rec.RetryCount)
	assert.Equal(t, "guild service still down", rec.LastError)
	assert.EqualValues(t, 1, sink.calls.Load())

	manual, err := eng.ListManualRequired(ctx)
	require.NoError(t, err)
	require.Len(t, manual, 1)
	assert.Equal(t, rec.RecordID, manual[0].RecordID)

	// ManualRequired is terminal: no further handler attempts.
	assert.Equal(t, 0, eng.ProcessDue(ctx, rec.UpdatedAt.Add(24*time.Hour)))
}

func TestMissingHandlerEscalatesOnce(t *testing.T) {
	ctx := context.Background()
	eng, repo, sink := newTestEngine(t, Options{})

	require.Error(t, eng.Execute(ctx, "unknown.type", 1, nil,
		func(context.Context) error { return errors.New("write failed") }))

	rec := onlyRecord(t, repo)
	assert.Equal(t, 0, eng.ProcessDue(ctx, rec.NextRetryAt))
	assert.EqualValues(t, 1, sink.calls.Load())

	// Deferred one worker interval, still Failed, retry budget untouched.
	deferred := onlyRecord(t, repo)
	assert.Equal(t, StatusFailed, deferred.Status)
	assert.Equal(t, 0, deferred.RetryCount)
	assert.Equal(t, rec.NextRetryAt.Add(time.Minute), deferred.NextRetryAt)

	// Second pass does not escalate again.
	assert.Equal(t, 0, eng.ProcessDue(ctx, deferred.NextRetryAt))
	assert.EqualValues(t, 1, sink.calls.Load())

	// Once the handler shows up, the record compensates normally.
	eng.RegisterHandler("unknown.type", HandlerFunc(func(context.Context, *Record) error { return nil }))
	eng.ProcessDue(ctx, onlyRecord(t, repo).NextRetryAt)
	assert.Equal(t, StatusCompensated, onlyRecord(t, repo).Status)
}

func TestPurgeExpiredKeepsLiveRecords(t *testing.T) {
	ctx := context.Background()
	eng, repo, _ := newTestEngine(t, Options{})
	now := time.Now()

	done := &Record{
		RecordID: "done", Type: "item.grant", Status: StatusCompensated,
		RetryCount: 1, MaxRetries: 3,
		CreatedAt: now.Add(-8 * 24 * time.Hour), UpdatedAt: now.Add(-8 * 24 * time.Hour),
	}
	live := &Record{
		RecordID: "live", Type: "item.grant", Status: StatusFailed,
		MaxRetries: 3, NextRetryAt: now.Add(time.Minute),
		CreatedAt: now.Add(-10 * 24 * time.Hour), UpdatedAt: now.Add(-10 * 24 * time.Hour),
	}
	require.NoError(t, repo.Insert(ctx, done))
	require.NoError(t, repo.Insert(ctx, live))

	// The terminal record is past retention and goes away; the Failed one is
	// even older but still live, so it stays.
	eng.PurgeExpired(ctx, now)
	require.Equal(t, 1, repo.Len())
	assert.Equal(t, StatusFailed, onlyRecord(t, repo).Status)
}

func TestExecuteWithoutMarkerDoesNotRunAction(t *testing.T) {
	ctx := context.Background()
	repo := failingRepo{}
	eng := NewEngine(repo, metrics.NewForTest(), errs.SinkFunc(func(context.Context, string, error) {}), Options{})

	ran := false
	err := eng.Execute(ctx, "mail.send", 1, nil, func(context.Context) error {
		ran = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, ran)
}

// onlyRecord fetches the single record in the repository regardless of
// status.
func onlyRecord(t *testing.T, repo *MemoryRepository) *Record {
	t.Helper()
	require.Equal(t, 1, repo.Len())
	far := time.Now().Add(365 * 24 * time.Hour)
	if recs, _ := repo.DueForRetry(context.Background(), far, 10); len(recs) == 1 {
		return recs[0]
	}
	if recs, _ := repo.ListManualRequired(context.Background()); len(recs) == 1 {
		return recs[0]
	}
	repo.mu.Lock()
	defer repo.mu.Unlock()
	for _, rec := range repo.records {
		return cloneRecord(rec)
	}
	t.Fatal("no record found")
	return nil
}

type failingRepo struct{}

func (failingRepo) Insert(context.Context, *Record) error { return errors.New("db down") }
func (failingRepo) Update(context.Context, *Record) error { return errors.New("db down") }
func (failingRepo) Delete(context.Context, string) error  { return errors.New("db down") }
func (failingRepo) DueForRetry(context.Context, time.Time, int) ([]*Record, error) {
	return nil, errors.New("db down")
}
func (failingRepo) ListManualRequired(context.Context) ([]*Record, error) {
	return nil, errors.New("db down")
}
func (failingRepo) PurgeTerminalBefore(context.Context, time.Time) (int64, error) {
	return 0, errors.New("db down")
}
