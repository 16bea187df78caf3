// Command fabric runs the moogle-fabric orchestration runtime: it brings up
// the admin health/metrics HTTP surface, dials the Redis-compatible store,
// and runs the Observer (scanner + fan-in subscriber + presenter + sampler)
// until interrupted. Session creation, task dispatch, and worker execution
// are driven by cmd/fabricctl and embedding callers against the
// internal/session, internal/dispatcher, and internal/worker packages; this
// binary is the always-on cross-session observability process.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/moogle-fabric/fabric/internal/circuitbreaker"
	"github.com/moogle-fabric/fabric/internal/config"
	"github.com/moogle-fabric/fabric/internal/health"
	"github.com/moogle-fabric/fabric/internal/observer"
	"github.com/moogle-fabric/fabric/internal/observer/errorlog"
	"github.com/moogle-fabric/fabric/internal/observer/logstore"
	"github.com/moogle-fabric/fabric/internal/session"
	"github.com/moogle-fabric/fabric/internal/storeclient"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := newLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	// ------------------------------------------------------------------
	// Health manager and admin HTTP routes are built first; the HTTP
	// server itself starts listening only after the store connection
	// succeeds (a failed connection exits the process before that).
	// ------------------------------------------------------------------
	hm := health.NewManager(logger)
	httpMux := http.NewServeMux()
	health.NewHTTPHandler(hm, logger).RegisterRoutes(httpMux)
	httpMux.Handle("/metrics", promhttp.Handler())

	circuitbreaker.StartMetricsCollection()

	store, err := storeclient.New(storeclient.Config{
		Addr:         cfg.Store.Addr,
		DialTimeout:  cfg.Store.DialTimeout,
		ReadTimeout:  cfg.Store.ReadTimeout,
		WriteTimeout: cfg.Store.WriteTimeout,
	})
	if err != nil {
		logger.Fatal("failed to connect to store", zap.String("addr", cfg.Store.Addr), zap.Error(err))
	}
	defer store.Close()

	storeWrapper := circuitbreaker.NewStoreWrapper(store, logger)
	_ = hm.RegisterChecker(health.NewStoreHealthChecker(storeWrapper, logger))

	sm := session.NewManager(store, logger)

	logs := logstore.New(cfg.Observer.LogBaseDir)
	errLog, err := errorlog.New(cfg.Observer.ErrorLogPath, int64(cfg.Observer.ErrorLogMaxMB)*1024*1024, cfg.Observer.ErrorLogBackups)
	if err != nil {
		logger.Fatal("failed to open error log", zap.Error(err))
	}
	defer errLog.Close()

	obs := observer.New(store, cfg.Store.Addr, sm, logs, observer.Config{
		ScanInterval:    cfg.Observer.ScanInterval,
		PresentInterval: cfg.Observer.PresentInterval,
		SampleInterval:  cfg.Observer.SampleInterval,
		SubscriberCap:   cfg.Observer.SubscriberCap,
		DialTimeout:     cfg.Store.DialTimeout,
	}, logger)
	_ = hm.RegisterChecker(health.NewObserverHealthChecker(obs, logger))

	go func() {
		if err := hm.Start(ctx); err != nil {
			logger.Warn("health manager start failed", zap.Error(err))
		}
	}()

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.HealthPort),
		Handler:      httpMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("admin HTTP server listening", zap.Int("port", cfg.HealthPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errLog.LogError(err, "main.adminHTTPServer", nil)
			logger.Error("admin HTTP server failed", zap.Error(err))
		}
	}()

	logger.Info("fabric observer starting",
		zap.String("store_addr", cfg.Store.Addr),
		zap.Duration("scan_interval", cfg.Observer.ScanInterval),
		zap.Duration("sample_interval", cfg.Observer.SampleInterval),
	)
	obs.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin HTTP server shutdown error", zap.Error(err))
	}
	if err := hm.Stop(); err != nil {
		logger.Warn("health manager stop error", zap.Error(err))
	}
	logger.Info("fabric observer stopped")
}

func newLogger() (*zap.Logger, error) {
	if os.Getenv("FABRIC_ENV") == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
