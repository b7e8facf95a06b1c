// Package rank maintains keyed leaderboards over the shared sorted-set
// index. Ranks are 1-based; a higher score ranks earlier. Tied scores keep
// the order the underlying store assigns (lexicographic on the member id),
// so callers needing a deterministic tie-break fold a secondary field into
// the score.
package rank

import (
	"context"
	"fmt"

	"github.com/liuxiao2015/gamecore/internal/store"
)

// Entry is one leaderboard row.
type Entry struct {
	MemberID string  `json:"member_id"`
	Rank     int64   `json:"rank"`
	Score    float64 `json:"score"`
}

// Index exposes the rank operations over one sorted-set store.
type Index struct {
	zset store.SortedSet
}

// NewIndex creates a rank index on the given sorted-set store.
func NewIndex(zset store.SortedSet) *Index {
	return &Index{zset: zset}
}

func rankKey(rankType string) string { return "rank:" + rankType }

// Update sets member's score, inserting it if absent.
func (x *Index) Update(ctx context.Context, rankType, memberID string, score float64) error {
	if err := x.zset.Add(ctx, rankKey(rankType), memberID, score); err != nil {
		return fmt.Errorf("updating rank %s/%s: %w", rankType, memberID, err)
	}
	return nil
}

// Remove drops members from the rank: character deletion, bans, season
// resets scoped to a few members. Missing members are ignored.
func (x *Index) Remove(ctx context.Context, rankType string, memberIDs ...string) error {
	if len(memberIDs) == 0 {
		return nil
	}
	if err := x.zset.Remove(ctx, rankKey(rankType), memberIDs...); err != nil {
		return fmt.Errorf("removing from rank %s: %w", rankType, err)
	}
	return nil
}

// Increment adds delta to member's score and returns the new score. A
// missing member starts from zero.
func (x *Index) Increment(ctx context.Context, rankType, memberID string, delta float64) (float64, error) {
	score, err := x.zset.IncrementBy(ctx, rankKey(rankType), memberID, delta)
	if err != nil {
		return 0, fmt.Errorf("incrementing rank %s/%s: %w", rankType, memberID, err)
	}
	return score, nil
}

// Score returns member's score and whether the member is ranked.
func (x *Index) Score(ctx context.Context, rankType, memberID string) (float64, bool, error) {
	score, ok, err := x.zset.Score(ctx, rankKey(rankType), memberID)
	if err != nil {
		return 0, false, fmt.Errorf("reading score %s/%s: %w", rankType, memberID, err)
	}
	return score, ok, nil
}

// Rank returns member's 1-based rank, or -1 when the member is not ranked.
func (x *Index) Rank(ctx context.Context, rankType, memberID string) (int64, error) {
	pos, ok, err := x.zset.ReverseRank(ctx, rankKey(rankType), memberID)
	if err != nil {
		return 0, fmt.Errorf("reading rank %s/%s: %w", rankType, memberID, err)
	}
	if !ok {
		return -1, nil
	}
	return pos + 1, nil
}

// Top returns the best n entries, ranked from 1.
func (x *Index) Top(ctx context.Context, rankType string, n int64) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	return x.Range(ctx, rankType, 0, n)
}

// Range returns entries in the 0-based half-open rank window [start, end),
// translated to 1-based ranks on return.
func (x *Index) Range(ctx context.Context, rankType string, start, end int64) ([]Entry, error) {
	if start < 0 {
		start = 0
	}
	if end <= start {
		return nil, nil
	}
	raw, err := x.zset.ReverseRangeWithScores(ctx, rankKey(rankType), start, end-1)
	if err != nil {
		return nil, fmt.Errorf("reading rank range %s[%d,%d): %w", rankType, start, end, err)
	}
	entries := make([]Entry, len(raw))
	for i, e := range raw {
		entries[i] = Entry{MemberID: e.Member, Rank: start + int64(i) + 1, Score: e.Score}
	}
	return entries, nil
}

// Nearby returns the window of span entries on each side of member,
// member included. A missing member yields nil.
func (x *Index) Nearby(ctx context.Context, rankType, memberID string, span int64) ([]Entry, error) {
	pos, ok, err := x.zset.ReverseRank(ctx, rankKey(rankType), memberID)
	if err != nil {
		return nil, fmt.Errorf("locating %s/%s: %w", rankType, memberID, err)
	}
	if !ok {
		return nil, nil
	}
	start := pos - span
	if start < 0 {
		start = 0
	}
	return x.Range(ctx, rankType, start, pos+span+1)
}

// Size returns the number of ranked members.
func (x *Index) Size(ctx context.Context, rankType string) (int64, error) {
	n, err := x.zset.Cardinality(ctx, rankKey(rankType))
	if err != nil {
		return 0, fmt.Errorf("sizing rank %s: %w", rankType, err)
	}
	return n, nil
}

// Clear removes every member of the rank.
func (x *Index) Clear(ctx context.Context, rankType string) error {
	if err := x.zset.RemoveRangeByRank(ctx, rankKey(rankType), 0, -1); err != nil {
		return fmt.Errorf("clearing rank %s: %w", rankType, err)
	}
	return nil
}

// Trim keeps the best keep entries and removes the rest.
func (x *Index) Trim(ctx context.Context, rankType string, keep int64) error {
	if keep < 0 {
		keep = 0
	}
	// Ascending ranks 0..-(keep+1) are everything below the kept top.
	if err := x.zset.RemoveRangeByRank(ctx, rankKey(rankType), 0, -(keep + 1)); err != nil {
		return fmt.Errorf("trimming rank %s to %d: %w", rankType, keep, err)
	}
	return nil
}
