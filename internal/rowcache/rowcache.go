// Package rowcache keeps JSON copies of source rows in the store and
// refreshes each one on its own period.
//
// Two scored indexes drive it: "schedule:" maps a row id to the time it is
// next due and "delay:" maps it to its refresh period in seconds. A period
// of zero or less retires the row.
package rowcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"scorekeeper/internal/config"
	"scorekeeper/internal/metrics"
	"scorekeeper/internal/store"
)

// ErrRowNotFound is returned by a Source for ids it does not know.
var ErrRowNotFound = errors.New("rowcache: row not found")

// Source is the source of truth rows are copied from.
type Source interface {
	Row(ctx context.Context, id string) (map[string]any, error)
}

const (
	scheduleKey = "schedule:"
	delayKey    = "delay:"
)

func rowKey(id string) string { return "inv:" + id }

// Outcome reports what RefreshNext did.
type Outcome int

const (
	// Idle means no row was due.
	Idle Outcome = iota
	Refreshed
	Purged
)

func (o Outcome) String() string {
	switch o {
	case Refreshed:
		return "refreshed"
	case Purged:
		return "purged"
	default:
		return "idle"
	}
}

// Cache schedules and refreshes cached rows.
type Cache struct {
	Store   store.Store
	Source  Source
	Now     func() time.Time
	Limiter *rate.Limiter // throttles Source reads; nil means unlimited
	Metrics metrics.Recorder
}

// New builds a Cache from configuration.
func New(s store.Store, src Source, cfg config.RowCacheConfig, rec metrics.Recorder) *Cache {
	if rec == nil {
		rec = metrics.Nop{}
	}
	c := &Cache{Store: s, Source: src, Now: time.Now, Metrics: rec}
	if cfg.MaxFetchPerSecond > 0 {
		c.Limiter = rate.NewLimiter(rate.Limit(cfg.MaxFetchPerSecond), 1)
	}
	return c
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Schedule sets the refresh period of row id and makes it due now. A
// period <= 0 makes the next refresh pass drop the row instead.
func (c *Cache) Schedule(ctx context.Context, id string, every time.Duration) error {
	now := unixSeconds(c.Now())
	err := c.Store.Atomic(ctx, func(b store.Batch) {
		b.ZAdd(delayKey, store.Member{ID: id, Score: every.Seconds()})
		b.ZAdd(scheduleKey, store.Member{ID: id, Score: now})
	})
	if err != nil {
		return fmt.Errorf("schedule row %s: %w", id, err)
	}
	return nil
}

// Row returns the cached copy of row id.
func (c *Cache) Row(ctx context.Context, id string) (map[string]any, bool, error) {
	raw, ok, err := c.Store.Get(ctx, rowKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	var row map[string]any
	if err := json.Unmarshal([]byte(raw), &row); err != nil {
		return nil, false, fmt.Errorf("decode row %s: %w", id, err)
	}
	return row, true, nil
}

// NextDue returns the earliest scheduled row and when it is due.
func (c *Cache) NextDue(ctx context.Context) (string, time.Time, bool, error) {
	next, err := c.Store.ZRange(ctx, scheduleKey, 0, 0)
	if err != nil || len(next) == 0 {
		return "", time.Time{}, false, err
	}
	sec := int64(next[0].Score)
	due := time.Unix(sec, int64((next[0].Score-float64(sec))*1e9))
	return next[0].ID, due, true, nil
}

// RefreshNext handles the earliest scheduled row if it is due: rows with a
// period are copied from the Source and rescheduled one period from now,
// rows without one are purged. Writes only land while the row's due time
// and period are still the ones this pass read; a row rescheduled or
// unscheduled meanwhile is left for the next pass.
func (c *Cache) RefreshNext(ctx context.Context) (Outcome, error) {
	next, err := c.Store.ZRange(ctx, scheduleKey, 0, 0)
	if err != nil {
		return Idle, fmt.Errorf("peek schedule: %w", err)
	}
	now := c.Now()
	if len(next) == 0 || next[0].Score > unixSeconds(now) {
		return Idle, nil
	}
	id := next[0].ID

	delay, ok, err := c.Store.ZScore(ctx, delayKey, id)
	if err != nil {
		return Idle, fmt.Errorf("read delay of row %s: %w", id, err)
	}
	guards := []store.Guard{store.ScoreIs(scheduleKey, id, next[0].Score)}
	if ok {
		guards = append(guards, store.ScoreIs(delayKey, id, delay))
	} else {
		guards = append(guards, store.NotMember(delayKey, id))
	}
	if !ok || delay <= 0 {
		return c.purge(ctx, id, guards)
	}

	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return Idle, err
		}
	}
	nextDue := unixSeconds(now) + delay

	row, err := c.Source.Row(ctx, id)
	if errors.Is(err, ErrRowNotFound) {
		return c.purge(ctx, id, guards)
	}
	if err != nil {
		// Keep the stale copy and try again next period.
		_, rerr := c.apply(ctx, guards, func(b store.Batch) {
			b.ZAdd(scheduleKey, store.Member{ID: id, Score: nextDue})
		})
		if rerr != nil {
			return Idle, fmt.Errorf("reschedule row %s: %w", id, rerr)
		}
		return Idle, fmt.Errorf("fetch row %s: %w", id, err)
	}
	payload, err := json.Marshal(row)
	if err != nil {
		return Idle, fmt.Errorf("encode row %s: %w", id, err)
	}

	applied, err := c.apply(ctx, guards, func(b store.Batch) {
		b.ZAdd(scheduleKey, store.Member{ID: id, Score: nextDue})
		b.Set(rowKey(id), string(payload), 0)
	})
	if err != nil {
		return Idle, fmt.Errorf("store row %s: %w", id, err)
	}
	if !applied {
		return Idle, nil
	}
	c.Metrics.RecordRowRefreshed()
	return Refreshed, nil
}

func (c *Cache) purge(ctx context.Context, id string, guards []store.Guard) (Outcome, error) {
	applied, err := c.apply(ctx, guards, func(b store.Batch) {
		b.ZRem(delayKey, id)
		b.ZRem(scheduleKey, id)
		b.Del(rowKey(id))
	})
	if err != nil {
		return Idle, fmt.Errorf("purge row %s: %w", id, err)
	}
	if !applied {
		return Idle, nil
	}
	c.Metrics.RecordRowPurged()
	return Purged, nil
}

// apply runs a guarded write. Losing a race to a concurrent Schedule is not
// an error; the next pass sees the new schedule.
func (c *Cache) apply(ctx context.Context, guards []store.Guard, fn func(b store.Batch)) (bool, error) {
	applied, err := c.Store.Guarded(ctx, guards, fn)
	if errors.Is(err, store.ErrConflict) {
		return false, nil
	}
	return applied, err
}
