package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/balticgrid/estfeed/internal/api"
	"github.com/balticgrid/estfeed/internal/backfill"
	"github.com/balticgrid/estfeed/internal/config"
	"github.com/balticgrid/estfeed/internal/coordinator"
	"github.com/balticgrid/estfeed/internal/scheduler"
	"github.com/balticgrid/estfeed/internal/storage"
	"github.com/balticgrid/estfeed/internal/web"
)

// Command estfeed polls the Elering Estfeed metering API and serves fresh
// and historical readings to a host application.
//
// The service:
//   - Discovers the metering points the credentials grant access to
//   - Refreshes current readings on a configurable interval
//   - Backfills historical data on demand (up to 365 days), caching it
//     durably so covered ranges are never refetched
//   - Enforces the client-side request floor across all callers
//   - Exposes refresh/backfill/history/diagnostics over HTTP plus
//     Prometheus metrics
//
// Usage:
//
//	estfeed [flags]
//
// The flags are:
//
//	-config string
//	      path to config file (default "config.yaml")
func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	logger.WithFields(logrus.Fields{
		"api_host": cfg.API.Host,
		"port":     cfg.Server.Port,
	}).Info("Starting estfeed service")

	store, err := newStore(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to create history store: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// One limiter and one token manager per credential set; every API
	// caller funnels through them.
	tokens := api.NewTokenManager(cfg.API.TokenURL, api.Credentials{
		ClientID:     cfg.API.ClientID,
		ClientSecret: cfg.API.ClientSecret,
	}, nil, logger)
	limiter := api.NewRateLimiter(time.Duration(cfg.API.RateLimitSeconds) * time.Second)
	client := api.NewClient(cfg.API.Host, tokens, limiter, nil, logger)

	engine := backfill.NewEngine(client, store, logger)
	coord := coordinator.New(client, engine, store, coordinator.Options{
		Resolution:        cfg.Resolution(),
		BackfillDays:      cfg.API.BackfillDays,
		EnableElectricity: cfg.API.EnableElectricity,
		EnableGas:         cfg.API.EnableGas,
	}, logger)

	sched := scheduler.NewScheduler(ctx, coord, time.Duration(cfg.API.ScanInterval)*time.Second, logger)

	_, handler := web.NewServer(coord, prometheus.DefaultRegisterer, logger)
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: handler,
	}

	errChan := make(chan error, 1)

	// Discovery and the initial backfill can take a while under the
	// request floor; run them in the background.
	go func() {
		if err := coord.Bootstrap(ctx); err != nil {
			errChan <- fmt.Errorf("bootstrap error: %w", err)
		}
	}()

	go func() {
		if err := sched.Start(); err != nil {
			errChan <- fmt.Errorf("scheduler error: %w", err)
		}
	}()

	go handleShutdown(ctx, srv, sched, store, logger)

	logger.WithField("addr", srv.Addr).Info("Starting HTTP server")
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	if err := <-errChan; err != nil {
		logger.Fatalf("Service error: %v", err)
	}
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	return logger
}

func newStore(cfg *config.Config, logger *logrus.Logger) (storage.HistoryStore, error) {
	var (
		inner storage.HistoryStore
		err   error
	)
	switch cfg.Storage.Driver {
	case "postgres":
		inner, err = storage.NewPostgresStore(cfg.Storage.ConnString())
	default:
		inner, err = storage.NewFileStore(cfg.Storage.Dir, logger)
	}
	if err != nil {
		return nil, err
	}
	return storage.NewCachingStore(inner, cfg.Storage.CacheSize)
}

func handleShutdown(ctx context.Context, srv *http.Server, sched *scheduler.Scheduler, store storage.HistoryStore, logger *logrus.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-ctx.Done():
		logger.Info("Context canceled, initiating shutdown")
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Received signal, initiating shutdown")
	}

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown")
	}

	if err := store.Close(); err != nil {
		logger.WithError(err).Warn("Store close")
	}
	logger.Info("Server stopped")
	os.Exit(0)
}
