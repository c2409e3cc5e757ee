package worker

import (
	"context"
	"log/slog"
	"time"

	"scorekeeper/internal/metrics"
	"scorekeeper/internal/rowcache"
)

// RowRefresher works through due rows of the row cache, polling every
// Interval when nothing is due.
type RowRefresher struct {
	Cache    *rowcache.Cache
	Interval time.Duration
	Metrics  metrics.Recorder
}

func (w *RowRefresher) Start(ctx context.Context) error {
	if w.Interval <= 0 {
		w.Interval = 50 * time.Millisecond
	}
	if w.Metrics == nil {
		w.Metrics = metrics.Nop{}
	}
	for ctx.Err() == nil {
		out, err := w.Cache.RefreshNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("row-refresher: refresh failed", "error", err)
			w.Metrics.RecordLoopError("row_refresher")
		}
		if err == nil && out != rowcache.Idle {
			continue
		}
		if !sleep(ctx, w.Interval) {
			return nil
		}
	}
	return nil
}
