package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryKVExpiry(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()

	require.NoError(t, kv.Set(ctx, "a", []byte("1")))
	require.NoError(t, kv.SetWithTTL(ctx, "b", []byte("2"), 10*time.Millisecond))

	val, ok, err := kv.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), val)

	_, ok, err = kv.Get(ctx, "b")
	require.NoError(t, err)
	assert.True(t, ok, "fresh TTL entry must still be visible")

	time.Sleep(20 * time.Millisecond)
	_, ok, err = kv.Get(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok, "entry must expire after its TTL")

	require.NoError(t, kv.Delete(ctx, "a"))
	_, ok, err = kv.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryKVAbsentVsEmpty(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()

	// An empty value is a present entry, distinct from an absent key.
	require.NoError(t, kv.Set(ctx, "empty", []byte{}))
	val, ok, err := kv.Get(ctx, "empty")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, val)

	_, ok, err = kv.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemorySortedSetOrdering(t *testing.T) {
	ctx := context.Background()
	zs := NewMemorySortedSet()

	require.NoError(t, zs.Add(ctx, "k", "low", 10))
	require.NoError(t, zs.Add(ctx, "k", "high", 30))
	require.NoError(t, zs.Add(ctx, "k", "mid", 20))

	rank, ok, err := zs.ReverseRank(ctx, "k", "high")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(0), rank)

	rank, ok, err = zs.ReverseRank(ctx, "k", "low")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), rank)

	_, ok, err = zs.ReverseRank(ctx, "k", "ghost")
	require.NoError(t, err)
	assert.False(t, ok)

	entries, err := zs.ReverseRangeWithScores(ctx, "k", 0, -1)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "high", entries[0].Member)
	assert.Equal(t, "mid", entries[1].Member)
	assert.Equal(t, "low", entries[2].Member)
}

// Redis breaks score ties by ascending member, so the descending view orders
// tied members lexicographically descending.
func TestMemorySortedSetTies(t *testing.T) {
	ctx := context.Background()
	zs := NewMemorySortedSet()

	require.NoError(t, zs.Add(ctx, "k", "b", 5))
	require.NoError(t, zs.Add(ctx, "k", "a", 5))
	require.NoError(t, zs.Add(ctx, "k", "c", 5))

	entries, err := zs.ReverseRangeWithScores(ctx, "k", 0, -1)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "c", entries[0].Member)
	assert.Equal(t, "b", entries[1].Member)
	assert.Equal(t, "a", entries[2].Member)
}

func TestMemorySortedSetRemoveRangeByRank(t *testing.T) {
	ctx := context.Background()
	zs := NewMemorySortedSet()

	for i, member := range []string{"e1", "e2", "e3", "e4", "e5"} {
		require.NoError(t, zs.Add(ctx, "k", member, float64(i+1)))
	}

	// Keep the top 2 scores: remove ascending ranks 0..-(2+1).
	require.NoError(t, zs.RemoveRangeByRank(ctx, "k", 0, -3))

	n, err := zs.Cardinality(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	entries, err := zs.ReverseRangeWithScores(ctx, "k", 0, -1)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "e5", entries[0].Member)
	assert.Equal(t, "e4", entries[1].Member)
}

func TestMemorySortedSetIncrement(t *testing.T) {
	ctx := context.Background()
	zs := NewMemorySortedSet()

	score, err := zs.IncrementBy(ctx, "k", "m", 7)
	require.NoError(t, err)
	assert.Equal(t, 7.0, score)

	score, err = zs.IncrementBy(ctx, "k", "m", 3)
	require.NoError(t, err)
	assert.Equal(t, 10.0, score)

	got, ok, err := zs.Score(ctx, "k", "m")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 10.0, got)
}

func TestMemoryPubSubFanOut(t *testing.T) {
	ctx := context.Background()
	ps := NewMemoryPubSub()

	var got1, got2 []byte
	unsub1, err := ps.Subscribe(ctx, "ch", func(p []byte) { got1 = p })
	require.NoError(t, err)
	_, err = ps.Subscribe(ctx, "ch", func(p []byte) { got2 = p })
	require.NoError(t, err)

	require.NoError(t, ps.Publish(ctx, "ch", []byte("hello")))
	assert.Equal(t, []byte("hello"), got1)
	assert.Equal(t, []byte("hello"), got2)

	unsub1()
	require.NoError(t, ps.Publish(ctx, "ch", []byte("again")))
	assert.Equal(t, []byte("hello"), got1, "unsubscribed handler must not fire")
	assert.Equal(t, []byte("again"), got2)
}

func TestMemoryDocuments(t *testing.T) {
	ctx := context.Background()
	docs := NewMemoryDocuments()

	_, ok, err := docs.Load(ctx, "player", "42")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, docs.Save(ctx, "player", "42", []byte(`{"gold":100}`)))
	doc, ok, err := docs.Load(ctx, "player", "42")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"gold":100}`, string(doc))

	require.NoError(t, docs.Delete(ctx, "player", "42"))
	_, ok, err = docs.Load(ctx, "player", "42")
	require.NoError(t, err)
	assert.False(t, ok)
}
