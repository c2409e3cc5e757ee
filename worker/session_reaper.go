package worker

import (
	"context"
	"log/slog"
	"time"

	"scorekeeper/internal/metrics"
	"scorekeeper/internal/session"
)

// SessionReaper keeps the number of tracked tokens at or below the
// tracker's limit. It drains in back-to-back passes while over the limit and
// polls every Interval otherwise.
type SessionReaper struct {
	Tracker  *session.Tracker
	Interval time.Duration
	Metrics  metrics.Recorder
}

func (w *SessionReaper) Start(ctx context.Context) error {
	if w.Interval <= 0 {
		w.Interval = time.Second
	}
	if w.Metrics == nil {
		w.Metrics = metrics.Nop{}
	}
	for ctx.Err() == nil {
		n, err := w.Tracker.ReapOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("session-reaper: pass failed", "error", err)
			w.Metrics.RecordLoopError("session_reaper")
		}
		if err == nil && n > 0 {
			slog.Debug("session-reaper: evicted tokens", "count", n)
			continue
		}
		if !sleep(ctx, w.Interval) {
			return nil
		}
	}
	return nil
}
