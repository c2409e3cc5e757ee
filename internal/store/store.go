// Package store defines the key/value operations the maintenance processes
// rely on and implements them on Redis.
//
// Every method is atomic on its own. Sequences that touch more than one key
// must go through Atomic, Guarded or Evict to be observed all-or-none.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrWrongType is returned when a key holds a value of a different kind.
var ErrWrongType = errors.New("store: operation against a key holding the wrong kind of value")

// ErrConflict is returned by Guarded when the guarded keys kept changing
// under it and no attempt could be applied.
var ErrConflict = errors.New("store: guarded keys changed concurrently")

// Member is one entry of a scored index.
type Member struct {
	ID    string
	Score float64
}

// Aggregate selects how ZInterStore combines the scores of a member.
type Aggregate string

const (
	AggregateSum Aggregate = "SUM"
	AggregateMin Aggregate = "MIN"
	AggregateMax Aggregate = "MAX"
)

// Weighted names one source of an intersection and the factor applied to
// its scores. Plain sets take part with a score of 1.
type Weighted struct {
	Key    string
	Weight float64
}

// Eviction describes members to drop from a scored index together with the
// state that hangs off them.
type Eviction struct {
	// Index is the scored index the members are removed from.
	Index string
	// Members are candidates. A member is only evicted while its score is
	// still <= MaxScore.
	Members  []string
	MaxScore float64
	// Hash loses the field named after each evicted member. Optional.
	Hash string
	// Keys returns the dependent keys deleted with a member. Optional.
	Keys func(member string) []string
}

// Guard is a condition on one member that Guarded checks right before
// applying its writes.
type Guard struct {
	Key    string
	Member string
	// Absent requires Member to be missing from Key, which may be a scored
	// index or a plain set. Otherwise Member must be in the scored index
	// Key with exactly Score.
	Absent bool
	Score  float64
}

// ScoreIs holds while member still has score in the scored index key.
func ScoreIs(key, member string, score float64) Guard {
	return Guard{Key: key, Member: member, Score: score}
}

// NotMember holds while member is missing from key.
func NotMember(key, member string) Guard {
	return Guard{Key: key, Member: member, Absent: true}
}

// Batch queues writes that are applied as one unit by Store.Atomic.
type Batch interface {
	Set(key, value string, ttl time.Duration)
	Del(keys ...string)
	Expire(key string, ttl time.Duration)
	HSet(key string, fields map[string]any)
	HIncrBy(key, field string, delta int64)
	HDel(key string, fields ...string)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
	ZAdd(key string, members ...Member)
	ZIncrBy(key, member string, delta float64)
	ZRem(key string, members ...string)
	ZRemRangeByRank(key string, start, stop int64)
}

// Store is the shared key/value store. Reads of missing keys are not
// errors: they report ok=false or return empty results.
type Store interface {
	Incr(ctx context.Context, key string) (int64, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// TTL returns the remaining lifetime of key; ok is false when the key is
	// missing or has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, bool, error)

	HSet(ctx context.Context, key string, fields map[string]any) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	HDel(ctx context.Context, key string, fields ...string) error

	// SAdd reports how many of members were not already present.
	SAdd(ctx context.Context, key string, members ...string) (int64, error)
	SRem(ctx context.Context, key string, members ...string) error
	SCard(ctx context.Context, key string) (int64, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	ZAdd(ctx context.Context, key string, members ...Member) error
	ZScore(ctx context.Context, key, member string) (float64, bool, error)
	// ZRank is the zero-based ascending rank of member.
	ZRank(ctx context.Context, key, member string) (int64, bool, error)
	ZCard(ctx context.Context, key string) (int64, error)
	// ZRange returns ranks start..stop inclusive in ascending score order.
	// Negative ranks count from the highest score (-1 is the last member).
	ZRange(ctx context.Context, key string, start, stop int64) ([]Member, error)
	// ZRevRange is ZRange over descending score order.
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]Member, error)
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) (int64, error)
	ZIncrBy(ctx context.Context, key, member string, delta float64) (float64, error)
	ZRem(ctx context.Context, key string, members ...string) error
	// ZInterStore writes into dest every member present in all sources,
	// scored by agg over the weighted source scores, and returns the
	// resulting cardinality. dest may be one of the sources.
	ZInterStore(ctx context.Context, dest string, sources []Weighted, agg Aggregate) (int64, error)

	// Atomic applies the writes queued by fn as one unit.
	Atomic(ctx context.Context, fn func(b Batch)) error
	// Guarded applies the writes queued by fn as one unit only while every
	// guard holds, and reports whether it did. It returns ErrConflict when
	// concurrent writers kept invalidating the check.
	Guarded(ctx context.Context, guards []Guard, fn func(b Batch)) (bool, error)
	// Evict applies e atomically and returns the members actually removed.
	Evict(ctx context.Context, e Eviction) ([]string, error)
}
