package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// In-memory implementations of the persistence contracts. They keep unit
// tests free of Redis/Postgres and mirror the shared-store semantics the
// core relies on (expiry, sorted-set ordering, fan-out).

var (
	_ KV        = (*MemoryKV)(nil)
	_ SortedSet = (*MemorySortedSet)(nil)
	_ PubSub    = (*MemoryPubSub)(nil)
	_ Documents = (*MemoryDocuments)(nil)
)

// MemoryKV is an in-memory KV with TTL support.
type MemoryKV struct {
	mu      sync.Mutex
	entries map[string]memoryKVEntry
}

type memoryKVEntry struct {
	value  []byte
	expiry time.Time // zero = no expiry
}

// NewMemoryKV creates an empty in-memory KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: make(map[string]memoryKVEntry)}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expiry.IsZero() && time.Now().After(e.expiry) {
		delete(m.entries, key)
		return nil, false, nil
	}
	val := make([]byte, len(e.value))
	copy(val, e.value)
	return val, true, nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryKVEntry{value: append([]byte(nil), value...)}
	return nil
}

func (m *MemoryKV) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memoryKVEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiry = time.Now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

// Len reports the number of live keys (expired entries included until read).
func (m *MemoryKV) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// MemorySortedSet is an in-memory sorted set with Redis ordering semantics:
// ascending score, ties broken by ascending member.
type MemorySortedSet struct {
	mu   sync.Mutex
	sets map[string]map[string]float64
}

// NewMemorySortedSet creates an empty in-memory sorted-set store.
func NewMemorySortedSet() *MemorySortedSet {
	return &MemorySortedSet{sets: make(map[string]map[string]float64)}
}

func (m *MemorySortedSet) set(key string) map[string]float64 {
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]float64)
		m.sets[key] = s
	}
	return s
}

// ascending returns the members of key ordered by (score asc, member asc).
func (m *MemorySortedSet) ascending(key string) []Entry {
	s := m.sets[key]
	entries := make([]Entry, 0, len(s))
	for member, score := range s {
		entries = append(entries, Entry{Member: member, Score: score})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score < entries[j].Score
		}
		return entries[i].Member < entries[j].Member
	})
	return entries
}

func (m *MemorySortedSet) Add(_ context.Context, key, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(key)[member] = score
	return nil
}

func (m *MemorySortedSet) Remove(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sets[key]
	for _, member := range members {
		delete(s, member)
	}
	return nil
}

func (m *MemorySortedSet) Score(_ context.Context, key, member string) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	score, ok := m.sets[key][member]
	return score, ok, nil
}

func (m *MemorySortedSet) ReverseRank(_ context.Context, key, member string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sets[key][member]; !ok {
		return 0, false, nil
	}
	asc := m.ascending(key)
	for i, e := range asc {
		if e.Member == member {
			return int64(len(asc) - 1 - i), true, nil
		}
	}
	return 0, false, nil
}

// clampRange maps Redis-style inclusive [start, stop] (negative = from end)
// onto [lo, hi) slice bounds. ok is false when the range selects nothing.
func clampRange(start, stop, n int64) (lo, hi int64, ok bool) {
	if start < 0 {
		start = n + start
	}
	if start < 0 {
		start = 0
	}
	if stop < 0 {
		stop = n + stop
	}
	if stop >= n {
		stop = n - 1
	}
	if start >= n || start > stop {
		return 0, 0, false
	}
	return start, stop + 1, true
}

func (m *MemorySortedSet) ReverseRangeWithScores(_ context.Context, key string, start, stop int64) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	asc := m.ascending(key)
	n := int64(len(asc))

	desc := make([]Entry, n)
	for i, e := range asc {
		desc[n-1-int64(i)] = e
	}

	lo, hi, ok := clampRange(start, stop, n)
	if !ok {
		return nil, nil
	}
	out := make([]Entry, hi-lo)
	copy(out, desc[lo:hi])
	return out, nil
}

func (m *MemorySortedSet) IncrementBy(_ context.Context, key, member string, delta float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.set(key)
	s[member] += delta
	return s[member], nil
}

func (m *MemorySortedSet) Cardinality(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.sets[key])), nil
}

func (m *MemorySortedSet) RemoveRangeByRank(_ context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	asc := m.ascending(key)
	lo, hi, ok := clampRange(start, stop, int64(len(asc)))
	if !ok {
		return nil
	}
	s := m.sets[key]
	for _, e := range asc[lo:hi] {
		delete(s, e.Member)
	}
	return nil
}

// MemoryPubSub fans messages out to in-process subscribers. Delivery is
// synchronous on the publisher goroutine, which makes cross-node tests
// deterministic.
type MemoryPubSub struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]func([]byte)
}

// NewMemoryPubSub creates an empty in-memory pub/sub hub.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subs: make(map[string]map[int]func([]byte))}
}

func (m *MemoryPubSub) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	handlers := make([]func([]byte), 0, len(m.subs[channel]))
	for _, h := range m.subs[channel] {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(append([]byte(nil), payload...))
	}
	return nil
}

func (m *MemoryPubSub) Subscribe(_ context.Context, channel string, handler func(payload []byte)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[int]func([]byte))
	}
	id := m.next
	m.next++
	m.subs[channel][id] = handler
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs[channel], id)
	}, nil
}

// MemoryDocuments stores entity state documents in a map.
type MemoryDocuments struct {
	mu   sync.Mutex
	docs map[string][]byte
}

// NewMemoryDocuments creates an empty in-memory document store.
func NewMemoryDocuments() *MemoryDocuments {
	return &MemoryDocuments{docs: make(map[string][]byte)}
}

func docKey(system, id string) string { return system + "/" + id }

func (m *MemoryDocuments) Load(_ context.Context, system, id string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[docKey(system, id)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), doc...), true, nil
}

func (m *MemoryDocuments) Save(_ context.Context, system, id string, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[docKey(system, id)] = append([]byte(nil), doc...)
	return nil
}

func (m *MemoryDocuments) Delete(_ context.Context, system, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, docKey(system, id))
	return nil
}

// Len reports the number of stored documents.
func (m *MemoryDocuments) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}
