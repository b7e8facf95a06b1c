// Package cache is the two-tier read-through cache: a bounded in-process LRU
// with TTL in front of the shared store, in front of a caller-supplied
// loader. Cross-node writes stay coherent through CacheEvict events: every
// node drops its local copy when one node evicts.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/liuxiao2015/gamecore/internal/eventbus"
	"github.com/liuxiao2015/gamecore/internal/metrics"
	"github.com/liuxiao2015/gamecore/internal/store"
)

// Loader fetches a value on a double miss. ok=false means the value does not
// exist; absence is not cached (negative caching is the loader's business).
type Loader[T any] func(ctx context.Context) (T, bool, error)

// Broadcaster publishes events cluster-wide. Satisfied by *eventbus.Bus.
type Broadcaster interface {
	Broadcast(ctx context.Context, ev eventbus.Event) error
}

// Options tune one Cache. Zero values fall back to the defaults.
type Options struct {
	LocalSize int           // bounded LRU entries, default 10 000
	LocalTTL  time.Duration // local tier TTL, default 5 minutes
	SharedTTL time.Duration // shared tier TTL, default 30 minutes
}

func (o Options) withDefaults() Options {
	if o.LocalSize <= 0 {
		o.LocalSize = 10_000
	}
	if o.LocalTTL <= 0 {
		o.LocalTTL = 5 * time.Minute
	}
	if o.SharedTTL <= 0 {
		o.SharedTTL = 30 * time.Minute
	}
	return o
}

// Cache is the two-tier cache. Values are JSON-encoded in the shared tier
// and held as decoded values in the local tier.
type Cache struct {
	local     *expirable.LRU[string, any]
	shared    store.KV
	bus       Broadcaster
	metrics   *metrics.Metrics
	sharedTTL time.Duration
	flight    singleflight.Group
}

// New builds a Cache over the shared KV and subscribes it to CacheEvict
// events on local so remote evictions clear this node's copies.
func New(shared store.KV, bus Broadcaster, local *eventbus.LocalBus, m *metrics.Metrics, opts Options) *Cache {
	opts = opts.withDefaults()
	c := &Cache{
		local:     expirable.NewLRU[string, any](opts.LocalSize, nil, opts.LocalTTL),
		shared:    shared,
		bus:       bus,
		metrics:   m,
		sharedTTL: opts.SharedTTL,
	}
	if local != nil {
		local.SubscribeType(eventbus.TypeCacheEvict, func(_ context.Context, ev eventbus.Event) {
			evict := ev.(*eventbus.CacheEvict)
			if evict.Key == "" {
				c.EvictLocal(evict.Namespace)
				return
			}
			c.local.Remove(localKey(evict.Namespace, evict.Key))
		})
	}
	return c
}

func localKey(namespace, key string) string { return namespace + ":" + key }

func sharedKey(namespace, key string) string { return "cache:" + namespace + ":" + key }

// Get reads namespace/key through the tiers: local, shared, loader. A nil
// loader stops at the shared tier. Concurrent misses for the same key are
// collapsed into one loader call.
func Get[T any](ctx context.Context, c *Cache, namespace, key string, loader Loader[T]) (T, bool, error) {
	var zero T

	lk := localKey(namespace, key)
	if raw, ok := c.local.Get(lk); ok {
		// A type mismatch means the key was cached under another shape;
		// fall through and let the refill overwrite it.
		if typed, ok := raw.(T); ok {
			c.metrics.CacheLocalHits.WithLabelValues(namespace).Inc()
			return typed, true, nil
		}
	}

	res, err, _ := c.flight.Do(lk, func() (any, error) {
		return fill(ctx, c, namespace, key, loader)
	})
	if err != nil {
		return zero, false, err
	}

	fr := res.(fillResult)
	if !fr.ok {
		return zero, false, nil
	}
	typed, ok := fr.value.(T)
	if !ok {
		return zero, false, fmt.Errorf("cache %s/%s: stored %T, requested %T", namespace, key, fr.value, zero)
	}
	return typed, true, nil
}

type fillResult struct {
	value any
	ok    bool
}

func fill[T any](ctx context.Context, c *Cache, namespace, key string, loader Loader[T]) (fillResult, error) {
	raw, found, err := c.shared.Get(ctx, sharedKey(namespace, key))
	if err != nil {
		return fillResult{}, fmt.Errorf("reading shared cache %s/%s: %w", namespace, key, err)
	}
	if found {
		var value T
		if err := json.Unmarshal(raw, &value); err != nil {
			return fillResult{}, fmt.Errorf("decoding shared cache %s/%s: %w", namespace, key, err)
		}
		c.metrics.CacheSharedHits.WithLabelValues(namespace).Inc()
		c.local.Add(localKey(namespace, key), value)
		return fillResult{value: value, ok: true}, nil
	}

	c.metrics.CacheMisses.WithLabelValues(namespace).Inc()
	if loader == nil {
		return fillResult{}, nil
	}

	value, ok, err := loader(ctx)
	if err != nil {
		c.metrics.CacheLoads.WithLabelValues(namespace, "error").Inc()
		return fillResult{}, fmt.Errorf("loading %s/%s: %w", namespace, key, err)
	}
	if !ok {
		c.metrics.CacheLoads.WithLabelValues(namespace, "absent").Inc()
		return fillResult{}, nil
	}
	c.metrics.CacheLoads.WithLabelValues(namespace, "hit").Inc()

	if err := c.Put(ctx, namespace, key, value); err != nil {
		// The caller still gets the loaded value; the shared tier will heal
		// on the next fill.
		slog.Warn("filling shared cache failed", "namespace", namespace, "key", key, "error", err)
	}
	return fillResult{value: value, ok: true}, nil
}

// Put writes value to both tiers.
func (c *Cache) Put(ctx context.Context, namespace, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding cache %s/%s: %w", namespace, key, err)
	}
	if err := c.shared.SetWithTTL(ctx, sharedKey(namespace, key), raw, c.sharedTTL); err != nil {
		return fmt.Errorf("writing shared cache %s/%s: %w", namespace, key, err)
	}
	c.local.Add(localKey(namespace, key), value)
	return nil
}

// Evict removes namespace/key from both tiers and broadcasts the eviction so
// other nodes drop their local copies.
func (c *Cache) Evict(ctx context.Context, namespace, key string) error {
	c.local.Remove(localKey(namespace, key))
	if err := c.shared.Delete(ctx, sharedKey(namespace, key)); err != nil {
		return fmt.Errorf("evicting shared cache %s/%s: %w", namespace, key, err)
	}
	if c.bus != nil {
		if err := c.bus.Broadcast(ctx, &eventbus.CacheEvict{Namespace: namespace, Key: key}); err != nil {
			return fmt.Errorf("broadcasting eviction %s/%s: %w", namespace, key, err)
		}
	}
	return nil
}

// EvictLocal drops every local entry in namespace. The shared tier is left
// alone.
func (c *Cache) EvictLocal(namespace string) {
	prefix := namespace + ":"
	for _, k := range c.local.Keys() {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			c.local.Remove(k)
		}
	}
}

// EvictAllLocal empties the local tier.
func (c *Cache) EvictAllLocal() {
	c.local.Purge()
}

// LocalLen reports the local tier's entry count.
func (c *Cache) LocalLen() int {
	return c.local.Len()
}
