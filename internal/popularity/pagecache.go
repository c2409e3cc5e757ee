package popularity

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"scorekeeper/internal/config"
	"scorekeeper/internal/metrics"
	"scorekeeper/internal/store"
)

// PageCache caches rendered pages of popular items. Entries are never
// invalidated; they live for TTL.
type PageCache struct {
	Store     store.Store
	Admission *Admission
	TTL       time.Duration
	Metrics   metrics.Recorder
}

// NewPageCache builds a PageCache from configuration.
func NewPageCache(s store.Store, a *Admission, cfg config.PopularityConfig, rec metrics.Recorder) *PageCache {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &PageCache{Store: s, Admission: a, TTL: cfg.PageTTL, Metrics: rec}
}

// RequestKey is the cache key of a request's page.
func RequestKey(r *http.Request) string {
	sum := xxhash.Sum64String(r.Method + " " + r.URL.String())
	return "cache:" + strconv.FormatUint(sum, 16)
}

// ServeWithCache returns the page for r, computing it with compute when it
// is not cacheable or not cached yet.
func (p *PageCache) ServeWithCache(ctx context.Context, r *http.Request, compute func(*http.Request) (string, error)) (string, error) {
	ok, err := p.Admission.IsCacheable(ctx, r)
	if err != nil {
		return "", err
	}
	if !ok {
		return compute(r)
	}

	key := RequestKey(r)
	page, hit, err := p.Store.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("read cached page: %w", err)
	}
	p.Metrics.RecordPageCache(hit)
	if hit {
		return page, nil
	}

	page, err = compute(r)
	if err != nil {
		return "", err
	}
	if err := p.Store.Set(ctx, key, page, p.TTL); err != nil {
		return "", fmt.Errorf("cache page: %w", err)
	}
	return page, nil
}
