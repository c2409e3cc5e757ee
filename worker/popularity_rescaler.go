package worker

import (
	"context"
	"log/slog"
	"time"

	"scorekeeper/internal/metrics"
	"scorekeeper/internal/popularity"
)

// PopularityRescaler trims and decays view counts every Interval.
type PopularityRescaler struct {
	Admission *popularity.Admission
	Interval  time.Duration
	Metrics   metrics.Recorder
}

func (w *PopularityRescaler) Start(ctx context.Context) error {
	if w.Interval <= 0 {
		w.Interval = 5 * time.Minute
	}
	if w.Metrics == nil {
		w.Metrics = metrics.Nop{}
	}

	// initial run
	w.runOnce(ctx)

	t := time.NewTicker(w.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			w.runOnce(ctx)
		}
	}
}

func (w *PopularityRescaler) runOnce(ctx context.Context) {
	kept, err := w.Admission.Rescale(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("popularity-rescaler: rescale failed", "error", err)
			w.Metrics.RecordLoopError("popularity_rescaler")
		}
		return
	}
	slog.Info("popularity-rescaler: completed", "tracked", kept)
}
