// search-indexer runs the periodic index maintenance jobs: the orphan sweep
// and, on demand, a full reindex. Applications register their document
// builders into searchdoc.DefaultRegistry before starting it.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"github.com/glimmerbi/searchcore/pkg/config"
	"github.com/glimmerbi/searchcore/pkg/index"
	"github.com/glimmerbi/searchcore/pkg/lifecycle"
	"github.com/glimmerbi/searchcore/pkg/observability"
	"github.com/glimmerbi/searchcore/pkg/searchdoc"
)

var (
	runOnce = flag.Bool("run-once", false, "Run the sweep once and exit (for testing or backfilling)")
	reindex = flag.Bool("reindex", false, "Run a full reindex into a fresh table before sweeping")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.LogLevel, os.Stdout)
	metrics := observability.NewMetrics(nil)

	ctx := context.Background()
	store, db, err := index.Open(ctx, cfg.Database.URL,
		cfg.Database.MaxConns, cfg.Database.MinConns, cfg.Database.MaxLifetime, logger)
	if err != nil {
		if errors.Is(err, index.ErrIndexUnavailable) {
			log.Fatalf("Search is not supported on this database: %v", err)
		}
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	controller := lifecycle.NewController(store, searchdoc.DefaultRegistry, cfg.Sweep, logger, metrics)

	if err := controller.EnsureActive(ctx); err != nil {
		log.Fatalf("Failed to initialize search index: %v", err)
	}

	if *reindex {
		logger.Info("starting full reindex")
		if err := controller.Reindex(ctx, false); err != nil {
			log.Fatalf("Reindex failed: %v", err)
		}
	}

	runSweep := func() {
		report, err := controller.Sweep(ctx)
		if err != nil {
			logger.WithError(err).Error("sweep failed")
			return
		}
		logger.Infof("sweep done: scanned=%d deleted=%d backfilled=%d",
			report.Scanned, report.Deleted, report.Backfilled)
	}

	// One eager run per process start, then the cron takes over.
	runSweep()

	if *runOnce {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		logger.Infof("metrics listening on %s", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server failed")
		}
	}()

	c := cron.New()
	if _, err := c.AddFunc(cfg.Sweep.Schedule, runSweep); err != nil {
		log.Fatalf("Failed to schedule sweep: %v", err)
	}
	c.Start()
	logger.Infof("search-indexer started, sweep schedule: %s", cfg.Sweep.Schedule)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down gracefully")
	stopCtx := c.Stop()
	<-stopCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("metrics server shutdown failed")
	}
	cancel()
	logger.Info("search-indexer stopped")
}
