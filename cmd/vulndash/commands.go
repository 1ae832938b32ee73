// ABOUTME: serve, ingest, and snapshot subcommands wiring store, sources, coordinator, and HTTP server.
// ABOUTME: Each command opens the components it needs and closes them in reverse order.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jfeddern/VulnDash/internal/aggregate"
	"github.com/jfeddern/VulnDash/internal/cache"
	"github.com/jfeddern/VulnDash/internal/coordinator"
	"github.com/jfeddern/VulnDash/internal/ingest"
	"github.com/jfeddern/VulnDash/internal/metrics"
	"github.com/jfeddern/VulnDash/internal/server"
	"github.com/jfeddern/VulnDash/internal/sources"
	"github.com/jfeddern/VulnDash/internal/store"
	"github.com/jfeddern/VulnDash/internal/types"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// ErrIngestionFailed is returned by the ingest command when the run ends in error
var ErrIngestionFailed = errors.New("ingestion failed")

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the dashboard API and ingest the feed in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().String("addr", "", "listen address (default 127.0.0.1:9090)")
	_ = a.viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func (a *app) ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Run one ingestion in the foreground and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.ingestOnce(ctx)
		},
	}
}

func (a *app) snapshotCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Write a precomputed aggregates snapshot of the stored rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.writeSnapshot(cmd.Context(), out)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "-", "output file, - for stdout")
	return cmd
}

// components owns everything built from the configuration for one command
type components struct {
	store       *store.Store
	coordinator *coordinator.Coordinator
	chartCache  *cache.ChartCache
}

func (c *components) Close() {
	if c.coordinator != nil {
		c.coordinator.Close()
	}
	if c.chartCache != nil {
		c.chartCache.Close()
	}
	if c.store != nil {
		_ = c.store.Close()
	}
}

// build opens the store and the ingestion pipeline
func (a *app) build(ctx context.Context, autoIngest bool) (*components, error) {
	cfg := a.config
	c := &components{}

	st, err := store.Open(ctx, cfg.Store.Path, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	c.store = st

	feed, err := sources.NewFeedSource(ctx, cfg.FeedSourceConfig(), a.logger)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create feed source: %w", err)
	}

	engine := ingest.NewEngine(st, feed, ingest.Config{
		BatchSize:  cfg.Ingest.BatchSize,
		YieldDelay: cfg.Ingest.YieldDelay,
		BufferSize: cfg.Ingest.BufferSize,
	}, a.logger)

	c.coordinator = coordinator.New(st, func() coordinator.Worker {
		return ingest.NewWorker(engine, a.logger)
	}, coordinator.Config{
		ExpectedTotal:  cfg.Ingest.ExpectedTotal,
		SufficientRows: cfg.Ingest.SufficientRows,
		AutoIngest:     autoIngest,
	}, a.logger)

	a.logger.WithFields(logrus.Fields{
		"store":       cfg.Store.Path,
		"feed_source": feed.Name(),
	}).Info("Components initialized")
	return c, nil
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.config

	c, err := a.build(ctx, cfg.Ingest.Auto)
	if err != nil {
		return err
	}
	defer c.Close()

	snapshotSource, err := sources.NewSnapshotSource(ctx, cfg.SnapshotSourceConfig(), a.logger)
	if err != nil {
		return fmt.Errorf("failed to create snapshot source: %w", err)
	}

	c.chartCache = cache.NewChartCache(cfg.Cache.TTL, a.logger)
	c.coordinator.Subscribe(c.chartCache.OnStatus)

	metricsHandler := metrics.NewMetricsHandler(c.coordinator, c.store, a.logger).WithCacheStats(c.chartCache)
	c.coordinator.Subscribe(metricsHandler.OnStatus)

	service := aggregate.NewService(c.store, aggregate.NewSnapshotLoader(snapshotSource, a.logger), a.logger).
		WithCache(c.chartCache).
		WithObserver(func(p aggregate.Path) { metricsHandler.ObserveChartPath(string(p)) })

	srv := server.New(cfg.Server.Addr, c.coordinator, service, metricsHandler, a.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		return c.coordinator.Initialize(gctx)
	})

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, context.Canceled) {
		err = nil
	}
	a.logger.Info("Shutdown complete")
	return err
}

// ingestOnce starts a run, logs its progress, and waits for the terminal status
func (a *app) ingestOnce(ctx context.Context) error {
	c, err := a.build(ctx, false)
	if err != nil {
		return err
	}
	defer c.Close()

	finished := make(chan types.IngestionStatus, 1)
	lastLogged := -1.0
	unsubscribe := c.coordinator.Subscribe(func(s types.IngestionStatus) {
		if s.IsIngesting {
			if s.Progress-lastLogged >= 10 {
				lastLogged = s.Progress
				a.logger.WithFields(logrus.Fields{
					"rows":     s.TotalRows,
					"progress": fmt.Sprintf("%.1f%%", s.Progress),
				}).Info("Ingestion progress")
			}
			return
		}
		if s.FinishedAt != nil {
			select {
			case finished <- s:
			default:
			}
		}
	})
	defer unsubscribe()

	start := time.Now()
	c.coordinator.StartIngestion()

	select {
	case s := <-finished:
		if s.Error != nil {
			return fmt.Errorf("%w: %s", ErrIngestionFailed, *s.Error)
		}
		a.logger.WithFields(logrus.Fields{
			"rows":     s.TotalRows,
			"duration": time.Since(start).Round(time.Millisecond).String(),
		}).Info("Ingestion finished")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *app) writeSnapshot(ctx context.Context, out string) error {
	st, err := store.Open(ctx, a.config.Store.Path, a.logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	snapshot, err := aggregate.BuildSnapshot(ctx, st, time.Now())
	if err != nil {
		return err
	}

	if out == "" || out == "-" {
		return aggregate.WriteSnapshot(a.out, snapshot)
	}

	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", out, err)
	}
	if err := aggregate.WriteSnapshot(f, snapshot); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", out, err)
	}

	a.logger.WithFields(logrus.Fields{
		"out":  out,
		"rows": *snapshot.TotalCount,
	}).Info("Snapshot written")
	return nil
}
