package compensate

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps records in a map. It backs tests and single-node
// setups that run without Postgres.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[string]*Record
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]*Record)}
}

var _ Repository = (*MemoryRepository)(nil)

func (r *MemoryRepository) Insert(_ context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.RecordID]; ok {
		return fmt.Errorf("inserting compensation record %s: already exists", rec.RecordID)
	}
	r.records[rec.RecordID] = cloneRecord(rec)
	return nil
}

func (r *MemoryRepository) Update(_ context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.RecordID]; !ok {
		return fmt.Errorf("updating compensation record %s: not found", rec.RecordID)
	}
	r.records[rec.RecordID] = cloneRecord(rec)
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, recordID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, recordID)
	return nil
}

func (r *MemoryRepository) DueForRetry(_ context.Context, now time.Time, limit int) ([]*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []*Record
	for _, rec := range r.records {
		if rec.Status == StatusFailed && !rec.NextRetryAt.After(now) {
			due = append(due, cloneRecord(rec))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *MemoryRepository) ListManualRequired(_ context.Context) ([]*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Record
	for _, rec := range r.records {
		if rec.Status == StatusManualRequired {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (r *MemoryRepository) PurgeTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, rec := range r.records {
		if rec.Status.Terminal() && rec.UpdatedAt.Before(cutoff) {
			delete(r.records, id)
			n++
		}
	}
	return n, nil
}

// Get returns a copy of the stored record, or nil when absent.
func (r *MemoryRepository) Get(recordID string) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[recordID]
	if !ok {
		return nil
	}
	return cloneRecord(rec)
}

// Len reports how many records are stored, any status.
func (r *MemoryRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func cloneRecord(rec *Record) *Record {
	cp := *rec
	if rec.Context != nil {
		cp.Context = make(map[string]any, len(rec.Context))
		maps.Copy(cp.Context, rec.Context)
	}
	return &cp
}
