package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"scorekeeper/internal/config"
	"scorekeeper/internal/metrics"
	"scorekeeper/internal/popularity"
	"scorekeeper/internal/rowcache"
	"scorekeeper/internal/session"
	"scorekeeper/worker"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session reaper, row refresher and popularity rescaler",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		st, closeStore := openStore()
		defer closeStore()

		reg := prometheus.NewRegistry()
		rec := metrics.NewCollector(reg)

		src, closeSrc, err := openSource(cfg.RowCache.Source)
		if err != nil {
			return err
		}
		defer closeSrc()

		admission := popularity.New(st, cfg.Popularity, rec)
		tracker := session.New(st, cfg.Sessions, admission, rec)
		rows := rowcache.New(st, src, cfg.RowCache, rec)

		ws := []worker.Worker{
			&worker.SessionReaper{Tracker: tracker, Interval: cfg.Sessions.PollInterval, Metrics: rec},
			&worker.RowRefresher{Cache: rows, Interval: cfg.RowCache.PollInterval, Metrics: rec},
			&worker.PopularityRescaler{Admission: admission, Interval: cfg.Popularity.RescaleInterval, Metrics: rec},
		}
		slog.Info("starting workers",
			"session_limit", cfg.Sessions.Limit,
			"row_source", cfg.RowCache.Source.Kind,
			"rescale_interval", cfg.Popularity.RescaleInterval)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if cfg.Metrics.Addr != "" {
			srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metrics.Router(reg), ReadHeaderTimeout: 5 * time.Second}
			go func() {
				slog.Info("serving metrics", "addr", cfg.Metrics.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					slog.Error("metrics server failed", "error", err)
				}
			}()
			defer func() {
				shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
				defer done()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		// Signal handling for systemd
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			s := <-sigc
			slog.Info("received signal, shutting down", "signal", s.String())
			cancel()
		}()

		return worker.NewManager(ws...).Start(ctx)
	},
}

// openSource builds the row source named by cfg.Kind.
func openSource(cfg config.SourceConfig) (rowcache.Source, func(), error) {
	switch strings.ToLower(cfg.Kind) {
	case "file":
		return rowcache.FileSource{Path: cfg.Path}, func() {}, nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open row source: %w", err)
		}
		return rowcache.SQLSource{DB: db, Query: cfg.Query}, func() { _ = db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown row source kind %q", cfg.Kind)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
