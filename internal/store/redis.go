package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis wraps a go-redis client and implements the KV, SortedSet and PubSub
// contracts against one shared instance.
type Redis struct {
	rdb *redis.Client
}

var (
	_ KV        = (*Redis)(nil)
	_ SortedSet = (*Redis)(nil)
	_ PubSub    = (*Redis)(nil)
)

// NewRedis connects to the shared Redis instance and verifies connectivity.
func NewRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis %s: %w", addr, err)
	}

	slog.Info("redis connected", "addr", addr, "db", db)
	return &Redis{rdb: rdb}, nil
}

// Close shuts down the underlying client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

// Client returns the raw go-redis client for callers that need commands
// beyond the core contracts.
func (r *Redis) Client() *redis.Client {
	return r.rdb
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	if err := r.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (r *Redis) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del %v: %w", keys, err)
	}
	return nil
}

func (r *Redis) Add(ctx context.Context, key, member string, score float64) error {
	if err := r.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("redis zadd %q: %w", key, err)
	}
	return nil
}

func (r *Redis) Remove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.rdb.ZRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("redis zrem %q: %w", key, err)
	}
	return nil
}

func (r *Redis) Score(ctx context.Context, key, member string) (float64, bool, error) {
	score, err := r.rdb.ZScore(ctx, key, member).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis zscore %q %q: %w", key, member, err)
	}
	return score, true, nil
}

func (r *Redis) ReverseRank(ctx context.Context, key, member string) (int64, bool, error) {
	rank, err := r.rdb.ZRevRank(ctx, key, member).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis zrevrank %q %q: %w", key, member, err)
	}
	return rank, true, nil
}

func (r *Redis) ReverseRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Entry, error) {
	zs, err := r.rdb.ZRevRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrevrange %q: %w", key, err)
	}
	entries := make([]Entry, len(zs))
	for i, z := range zs {
		member, _ := z.Member.(string)
		entries[i] = Entry{Member: member, Score: z.Score}
	}
	return entries, nil
}

func (r *Redis) IncrementBy(ctx context.Context, key, member string, delta float64) (float64, error) {
	score, err := r.rdb.ZIncrBy(ctx, key, delta, member).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zincrby %q %q: %w", key, member, err)
	}
	return score, nil
}

func (r *Redis) Cardinality(ctx context.Context, key string) (int64, error) {
	n, err := r.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zcard %q: %w", key, err)
	}
	return n, nil
}

func (r *Redis) RemoveRangeByRank(ctx context.Context, key string, start, stop int64) error {
	if err := r.rdb.ZRemRangeByRank(ctx, key, start, stop).Err(); err != nil {
		return fmt.Errorf("redis zremrangebyrank %q: %w", key, err)
	}
	return nil
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %q: %w", channel, err)
	}
	return nil
}

// Subscribe registers handler for messages on channel. The returned function
// tears the subscription down; the handler runs on the subscription
// goroutine and must not block.
func (r *Redis) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (func(), error) {
	sub := r.rdb.Subscribe(ctx, channel)

	// Receive blocks until the server confirms the subscription, so messages
	// published after Subscribe returns are never missed.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribing to %q: %w", channel, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}
