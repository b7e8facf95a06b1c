// Package compensate retries failed cross-service writes. A write wrapped in
// Execute leaves a durable record while in flight; if the write fails, the
// record stays behind and a periodic worker drives the registered handler
// until it compensates, with exponential backoff, escalating to an operator
// after the retry budget is spent.
package compensate

import (
	"context"
	"time"
)

// Status is a compensation record's lifecycle state. Pending and Failed are
// live; Compensated and ManualRequired are terminal.
type Status string

const (
	StatusPending        Status = "Pending"
	StatusFailed         Status = "Failed"
	StatusCompensated    Status = "Compensated"
	StatusManualRequired Status = "ManualRequired"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompensated || s == StatusManualRequired
}

// Record is one durable needs-retry marker.
type Record struct {
	RecordID   string
	Type       string
	RoleID     int64
	Context    map[string]any
	Status     Status
	RetryCount int
	MaxRetries int
	LastError  string
	// NextRetryAt schedules the next handler attempt; meaningful only while
	// Status is Failed.
	NextRetryAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Repository persists compensation records.
type Repository interface {
	Insert(ctx context.Context, rec *Record) error
	Update(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, recordID string) error
	// DueForRetry returns up to limit Failed records whose NextRetryAt is at
	// or before now, oldest first.
	DueForRetry(ctx context.Context, now time.Time, limit int) ([]*Record, error)
	ListManualRequired(ctx context.Context) ([]*Record, error)
	// PurgeTerminalBefore deletes terminal records last updated before
	// cutoff and returns how many went away.
	PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Handler compensates records of one type.
type Handler interface {
	Compensate(ctx context.Context, rec *Record) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, rec *Record) error

func (f HandlerFunc) Compensate(ctx context.Context, rec *Record) error {
	return f(ctx, rec)
}
