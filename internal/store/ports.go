// Package store defines the persistence contracts the core consumes (a
// key-value object store, a sorted-set index, a pub/sub channel and a
// document store) plus the Redis and PostgreSQL adapters behind them and
// in-memory fakes for tests.
package store

import (
	"context"
	"time"
)

// KV is a shared key-value object store.
type KV interface {
	// Get returns the stored value and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Entry is one scored member of a sorted set.
type Entry struct {
	Member string
	Score  float64
}

// SortedSet is a score-ordered index.
type SortedSet interface {
	Add(ctx context.Context, key, member string, score float64) error
	Remove(ctx context.Context, key string, members ...string) error
	// Score returns the member's score and whether the member exists.
	Score(ctx context.Context, key, member string) (float64, bool, error)
	// ReverseRank returns the member's 0-based position ordered by
	// descending score, and whether the member exists.
	ReverseRank(ctx context.Context, key, member string) (int64, bool, error)
	// ReverseRangeWithScores returns members in [start, stop] (inclusive,
	// negative indexes count from the end) ordered by descending score.
	ReverseRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Entry, error)
	IncrementBy(ctx context.Context, key, member string, delta float64) (float64, error)
	Cardinality(ctx context.Context, key string) (int64, error)
	// RemoveRangeByRank deletes members in [start, stop] ordered by
	// ascending score (Redis ZREMRANGEBYRANK semantics).
	RemoveRangeByRank(ctx context.Context, key string, start, stop int64) error
}

// PubSub is a broadcast channel shared by all nodes.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe registers a handler for messages on channel and returns an
	// unsubscribe function. The handler runs on the subscription goroutine;
	// it must not block.
	Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (func(), error)
}

// Documents is a durable store for entity state, keyed by system and entity id.
type Documents interface {
	// Load returns the stored document and whether it exists.
	Load(ctx context.Context, system, id string) ([]byte, bool, error)
	Save(ctx context.Context, system, id string, doc []byte) error
	Delete(ctx context.Context, system, id string) error
}
