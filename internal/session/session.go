// Package session tracks login tokens, recently viewed items and carts, and
// bounds the number of tracked tokens by evicting the least recently active.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"scorekeeper/internal/config"
	"scorekeeper/internal/metrics"
	"scorekeeper/internal/store"
)

var ErrEmptyToken = errors.New("session: empty token")

const (
	loginKey  = "login:"
	recentKey = "recent:"
)

func viewedKey(token string) string { return "viewed:" + token }
func cartKey(token string) string   { return "cart:" + token }

// ViewCounter adds a popularity update to an activity batch.
type ViewCounter interface {
	QueueView(b store.Batch, item string)
}

// Tracker owns the login hash, the recent-activity index and the per-token
// state hanging off it.
type Tracker struct {
	Store     store.Store
	Limit     int64 // tokens kept before the reaper starts evicting
	BatchSize int64 // evictions per pass
	ViewedCap int64 // viewed items kept per token
	Now       func() time.Time
	Views     ViewCounter // optional
	Metrics   metrics.Recorder
}

// New builds a Tracker from configuration. views may be nil.
func New(s store.Store, cfg config.SessionsConfig, views ViewCounter, rec metrics.Recorder) *Tracker {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Tracker{
		Store:     s,
		Limit:     cfg.Limit,
		BatchSize: cfg.BatchSize,
		ViewedCap: cfg.ViewedCap,
		Now:       time.Now,
		Views:     views,
		Metrics:   rec,
	}
}

// NewToken issues a fresh random session token.
func NewToken() string {
	return uuid.NewString()
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// UpdateActivity binds token to user and marks it active now. A non-empty
// item is recorded as the token's latest view, keeping only the newest
// ViewedCap views.
func (t *Tracker) UpdateActivity(ctx context.Context, token, user, item string) error {
	if token == "" {
		return ErrEmptyToken
	}
	now := unixSeconds(t.Now())
	err := t.Store.Atomic(ctx, func(b store.Batch) {
		b.HSet(loginKey, map[string]any{token: user})
		b.ZAdd(recentKey, store.Member{ID: token, Score: now})
		if item == "" {
			return
		}
		b.ZAdd(viewedKey(token), store.Member{ID: item, Score: now})
		b.ZRemRangeByRank(viewedKey(token), 0, -(t.ViewedCap + 1))
		if t.Views != nil {
			t.Views.QueueView(b, item)
		}
	})
	if err != nil {
		return fmt.Errorf("update token activity: %w", err)
	}
	return nil
}

// CheckToken returns the user a token is bound to.
func (t *Tracker) CheckToken(ctx context.Context, token string) (string, bool, error) {
	if token == "" {
		return "", false, nil
	}
	return t.Store.HGet(ctx, loginKey, token)
}

// RecentItems returns the token's viewed items, most recent first.
func (t *Tracker) RecentItems(ctx context.Context, token string) ([]string, error) {
	ms, err := t.Store.ZRevRange(ctx, viewedKey(token), 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out, nil
}

// AddToCart sets the quantity of item in the token's cart. A quantity of
// zero or less removes the item.
func (t *Tracker) AddToCart(ctx context.Context, token, item string, qty int) error {
	if token == "" {
		return ErrEmptyToken
	}
	if qty <= 0 {
		return t.Store.HDel(ctx, cartKey(token), item)
	}
	return t.Store.HSet(ctx, cartKey(token), map[string]any{item: qty})
}

// Cart returns item quantities in the token's cart.
func (t *Tracker) Cart(ctx context.Context, token string) (map[string]int, error) {
	h, err := t.Store.HGetAll(ctx, cartKey(token))
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(h))
	for item, v := range h {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("cart %s item %s: %w", token, item, err)
		}
		out[item] = n
	}
	return out, nil
}

// Count is the number of tracked tokens.
func (t *Tracker) Count(ctx context.Context) (int64, error) {
	return t.Store.ZCard(ctx, recentKey)
}

// ReapOnce evicts up to BatchSize of the oldest tokens while more than
// Limit are tracked, and returns how many were removed. A token that became
// active again after it was picked is left alone.
func (t *Tracker) ReapOnce(ctx context.Context) (int, error) {
	size, err := t.Store.ZCard(ctx, recentKey)
	if err != nil {
		return 0, fmt.Errorf("count tokens: %w", err)
	}
	if size <= t.Limit {
		return 0, nil
	}
	n := min(size-t.Limit, t.BatchSize)

	oldest, err := t.Store.ZRange(ctx, recentKey, 0, n-1)
	if err != nil {
		return 0, fmt.Errorf("read oldest tokens: %w", err)
	}
	if len(oldest) == 0 {
		return 0, nil
	}
	tokens := make([]string, len(oldest))
	for i, m := range oldest {
		tokens[i] = m.ID
	}

	removed, err := t.Store.Evict(ctx, store.Eviction{
		Index:    recentKey,
		Members:  tokens,
		MaxScore: oldest[len(oldest)-1].Score,
		Hash:     loginKey,
		Keys: func(token string) []string {
			return []string{viewedKey(token), cartKey(token)}
		},
	})
	if err != nil {
		return 0, fmt.Errorf("evict tokens: %w", err)
	}
	t.Metrics.RecordEvicted(len(removed))
	return len(removed), nil
}
