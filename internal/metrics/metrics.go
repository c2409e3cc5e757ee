// Package metrics collects Prometheus metrics for the maintenance loops and
// the foreground entry points.
package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the domain packages report to.
type Recorder interface {
	RecordVote(accepted bool)
	RecordEvicted(count int)
	RecordRowRefreshed()
	RecordRowPurged()
	RecordRescale(kept int64, duration time.Duration)
	RecordPageCache(hit bool)
	RecordLoopError(loop string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordVote(bool) {}
func (Nop) RecordEvicted(int) {}
func (Nop) RecordRowRefreshed() {}
func (Nop) RecordRowPurged() {}
func (Nop) RecordRescale(int64, time.Duration) {}
func (Nop) RecordPageCache(bool) {}
func (Nop) RecordLoopError(string) {}

// Collector implements Recorder with Prometheus metrics.
type Collector struct {
	votes          *prometheus.CounterVec
	evicted        prometheus.Counter
	rowsRefreshed  prometheus.Counter
	rowsPurged     prometheus.Counter
	rescales       prometheus.Counter
	viewedKept     prometheus.Gauge
	rescaleLatency prometheus.Histogram
	pageCache      *prometheus.CounterVec
	loopErrors     *prometheus.CounterVec
}

// NewCollector creates a Collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scorekeeper_votes_total",
			Help: "Votes submitted, by whether they changed the ranking",
		}, []string{"result"}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scorekeeper_sessions_evicted_total",
			Help: "Session tokens removed by the reaper",
		}),
		rowsRefreshed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scorekeeper_rows_refreshed_total",
			Help: "Cached rows rewritten from the source of truth",
		}),
		rowsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scorekeeper_rows_purged_total",
			Help: "Cached rows dropped from scheduling",
		}),
		rescales: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scorekeeper_popularity_rescales_total",
			Help: "Completed view count rescales",
		}),
		viewedKept: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scorekeeper_popularity_tracked_items",
			Help: "Items tracked by the view counter after the last rescale",
		}),
		rescaleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scorekeeper_popularity_rescale_seconds",
			Help:    "Duration of a view count rescale",
			Buckets: prometheus.DefBuckets,
		}),
		pageCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scorekeeper_page_cache_requests_total",
			Help: "Page cache lookups, by outcome",
		}, []string{"outcome"}),
		loopErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scorekeeper_loop_errors_total",
			Help: "Store errors seen by background loops",
		}, []string{"loop"}),
	}

	reg.MustRegister(
		c.votes,
		c.evicted,
		c.rowsRefreshed,
		c.rowsPurged,
		c.rescales,
		c.viewedKept,
		c.rescaleLatency,
		c.pageCache,
		c.loopErrors,
	)
	return c
}

func (c *Collector) RecordVote(accepted bool) {
	if accepted {
		c.votes.WithLabelValues("accepted").Inc()
		return
	}
	c.votes.WithLabelValues("ignored").Inc()
}

func (c *Collector) RecordEvicted(count int) {
	c.evicted.Add(float64(count))
}

func (c *Collector) RecordRowRefreshed() {
	c.rowsRefreshed.Inc()
}

func (c *Collector) RecordRowPurged() {
	c.rowsPurged.Inc()
}

func (c *Collector) RecordRescale(kept int64, duration time.Duration) {
	c.rescales.Inc()
	c.viewedKept.Set(float64(kept))
	c.rescaleLatency.Observe(duration.Seconds())
}

func (c *Collector) RecordPageCache(hit bool) {
	if hit {
		c.pageCache.WithLabelValues("hit").Inc()
		return
	}
	c.pageCache.WithLabelValues("miss").Inc()
}

func (c *Collector) RecordLoopError(loop string) {
	c.loopErrors.WithLabelValues(loop).Inc()
}

// Router serves /metrics for Prometheus and a trivial /healthz.
func Router(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}
