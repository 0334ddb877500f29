package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/gridwatch/powermon/internal/config"
	"github.com/gridwatch/powermon/internal/metrics"
	"github.com/gridwatch/powermon/internal/models"
	"github.com/gridwatch/powermon/internal/poller"
	"github.com/gridwatch/powermon/internal/retention"
	"github.com/gridwatch/powermon/internal/series"
	"github.com/gridwatch/powermon/internal/service"
	"github.com/gridwatch/powermon/internal/store"
)

// Command powermon continuously samples electrical telemetry from
// networked meters, persists it as an append-only time series in SQLite,
// answers range queries at a caller-chosen resolution, and keeps the
// on-disk footprint inside an operator-configured space budget.
//
// Usage:
//
//	powermon [flags]
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
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := newLogger(cfg.Logging)

	// Store initialization is the only failure fatal to the service.
	st, err := store.Open(cfg.Database.Path, cfg.Database.BusyTimeoutMS, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize store: %v", err)
	}

	m := metrics.New()
	engine := series.NewEngine(st, logger)
	energyCalc := series.NewEnergyCalculator(st, logger)

	// One client and one limiter per poll kind; the transport performs no
	// retries of its own.
	readingClient := poller.NewClient(
		cfg.Polling.ReadingTimeout,
		rate.NewLimiter(rate.Limit(cfg.Polling.RateLimit), cfg.Polling.RateLimitBurst),
		logger,
	)
	energyClient := poller.NewClient(
		cfg.Polling.EnergyTimeout,
		rate.NewLimiter(rate.Limit(cfg.Polling.RateLimit), cfg.Polling.RateLimitBurst),
		logger,
	)

	var svc *service.Service

	readingSup := poller.NewSupervisor(poller.Options{
		Kind:        "reading",
		Interval:    func(d models.Device) time.Duration { return d.PollInterval },
		Backoff:     cfg.Polling.ReadingBackoff,
		MaxFailures: cfg.Polling.MaxFailures,
	}, func(ctx context.Context, d models.Device) error {
		r, err := readingClient.FetchReading(ctx, d)
		if err != nil {
			return err
		}
		svc.SubmitReading(ctx, r)
		return nil
	}, logger, m)

	energySup := poller.NewSupervisor(poller.Options{
		Kind:        "energy",
		Interval:    func(d models.Device) time.Duration { return d.EnergyPollInterval },
		Backoff:     cfg.Polling.EnergyBackoff,
		MaxFailures: cfg.Polling.MaxFailures,
	}, func(ctx context.Context, d models.Device) error {
		readings, err := energyClient.FetchEnergy(ctx, d)
		if err != nil {
			return err
		}
		svc.SubmitEnergyReadings(ctx, readings)
		return nil
	}, logger, m)

	svc, err = service.New(st, engine, energyCalc, readingSup, energySup, cfg.Cache.Size, logger, m)
	if err != nil {
		logger.Fatalf("Failed to create service: %v", err)
	}

	manager := retention.NewManager(st, retention.Config{
		MinFreeBytes:      gbToBytes(cfg.Retention.MinFreeGB),
		SafetyMarginBytes: gbToBytes(cfg.Retention.SafetyMarginGB),
		CompactAfter:      time.Duration(cfg.Retention.CompactAfterDays) * 24 * time.Hour,
		DeleteBatch:       time.Duration(cfg.Retention.DeleteBatchDays) * 24 * time.Hour,
		WALMaxBytes:       cfg.Retention.WALMaxMB * 1024 * 1024,
	}, logger, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		logger.WithError(err).Error("fleet startup incomplete")
	}
	if err := manager.Start(); err != nil {
		logger.WithError(err).Error("retention schedule not started")
	}

	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: m.Handler(),
	}
	go func() {
		logger.WithField("port", cfg.Server.MetricsPort).Info("metrics listener started")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("metrics listener stopped")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.WithField("signal", sig.String()).Info("shutting down")

	readingSup.Stop()
	energySup.Stop()
	manager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("metrics listener shutdown failed")
	}

	if err := st.Close(); err != nil {
		logger.WithError(err).Error("store close failed")
	}
	logger.Info("stopped")
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

func gbToBytes(gb float64) uint64 {
	return uint64(gb * 1024 * 1024 * 1024)
}
