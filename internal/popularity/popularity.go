// Package popularity counts item views and decides which item pages are
// popular enough to cache.
//
// Views are counted in one scored index, "viewed:", with each view lowering
// the item's score by one. Ascending rank 0 is therefore the most viewed
// item and rank checks need no reverse query.
package popularity

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"scorekeeper/internal/config"
	"scorekeeper/internal/metrics"
	"scorekeeper/internal/store"
)

const viewedKey = "viewed:"

// Admission tracks views and answers cacheability.
type Admission struct {
	Store         store.Store
	Keep          int64   // items retained by Rescale
	CacheableRank int64   // items ranked below this are cacheable
	DecayFactor   float64 // applied to every score by Rescale
	Metrics       metrics.Recorder

	// ItemID extracts the item a request is about. The default reads the
	// "item" query parameter.
	ItemID func(r *http.Request) (string, bool)
	// Dynamic reports requests whose response must never be cached. The
	// default treats anything but GET and HEAD, and any request carrying a
	// "_dynamic" query parameter, as dynamic.
	Dynamic func(r *http.Request) bool
}

// New builds an Admission from configuration.
func New(s store.Store, cfg config.PopularityConfig, rec metrics.Recorder) *Admission {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Admission{
		Store:         s,
		Keep:          cfg.Keep,
		CacheableRank: cfg.CacheableRank,
		DecayFactor:   cfg.DecayFactor,
		Metrics:       rec,
		ItemID:        QueryItemID,
		Dynamic:       DefaultDynamic,
	}
}

// QueryItemID reads the "item" query parameter.
func QueryItemID(r *http.Request) (string, bool) {
	id := r.URL.Query().Get("item")
	return id, id != ""
}

// DefaultDynamic marks non-GET/HEAD requests and "_dynamic" requests.
func DefaultDynamic(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return true
	}
	return r.URL.Query().Has("_dynamic")
}

// QueueView adds one view of item to b.
func (a *Admission) QueueView(b store.Batch, item string) {
	b.ZIncrBy(viewedKey, item, -1)
}

// RecordView counts one view of item on its own.
func (a *Admission) RecordView(ctx context.Context, item string) error {
	_, err := a.Store.ZIncrBy(ctx, viewedKey, item, -1)
	return err
}

// IsCacheable reports whether the page for r may be cached: it must name an
// item, not be dynamic, and the item must rank among the CacheableRank most
// viewed.
func (a *Admission) IsCacheable(ctx context.Context, r *http.Request) (bool, error) {
	id, ok := a.ItemID(r)
	if !ok || a.Dynamic(r) {
		return false, nil
	}
	rank, ok, err := a.Store.ZRank(ctx, viewedKey, id)
	if err != nil {
		return false, fmt.Errorf("rank item %s: %w", id, err)
	}
	return ok && rank < a.CacheableRank, nil
}

// Ranked is an item with its decayed view count.
type Ranked struct {
	Item  string
	Views float64
}

// Top returns the n most viewed items.
func (a *Admission) Top(ctx context.Context, n int64) ([]Ranked, error) {
	if n <= 0 {
		return nil, nil
	}
	ms, err := a.Store.ZRange(ctx, viewedKey, 0, n-1)
	if err != nil {
		return nil, err
	}
	out := make([]Ranked, len(ms))
	for i, m := range ms {
		out[i] = Ranked{Item: m.ID, Views: -m.Score}
	}
	return out, nil
}

// Rescale drops everything ranked past Keep and multiplies the remaining
// counts by DecayFactor. It returns how many items are still tracked.
func (a *Admission) Rescale(ctx context.Context) (int64, error) {
	start := time.Now()
	if _, err := a.Store.ZRemRangeByRank(ctx, viewedKey, a.Keep, -1); err != nil {
		return 0, fmt.Errorf("trim view counts: %w", err)
	}
	n, err := a.Store.ZInterStore(ctx, viewedKey, []store.Weighted{
		{Key: viewedKey, Weight: a.DecayFactor},
	}, store.AggregateSum)
	if err != nil {
		return 0, fmt.Errorf("decay view counts: %w", err)
	}
	a.Metrics.RecordRescale(n, time.Since(start))
	return n, nil
}
