package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"parkwatch/internal/bridge"
	"parkwatch/internal/broadcast"
	"parkwatch/internal/config"
	"parkwatch/internal/heartbeat"
	"parkwatch/internal/ledger"
	"parkwatch/internal/logging"
	"parkwatch/internal/metrics"
	"parkwatch/internal/registry"
	"parkwatch/internal/router"
	"parkwatch/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	store, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		logger.Fatal("ledger open failed", zap.Error(err))
	}
	defer store.Close()

	metricsRegistry := metrics.NewRegistry()
	reg := registry.New(
		registry.WithMetrics(metricsRegistry),
		registry.WithRateLimit(cfg.WebSocket.RateLimitPerSec, cfg.WebSocket.RateLimitBurst),
	)
	engine := broadcast.NewEngine(reg, logger, metricsRegistry,
		cfg.WebSocket.WriteTimeout, cfg.WebSocket.ErrorThreshold)
	rt := router.New(reg, store, engine, logger, metricsRegistry)
	hb := heartbeat.NewScheduler(cfg.Heartbeat.Interval, engine, logger, metricsRegistry)
	server := transport.NewServer(cfg, logger, reg, rt, engine, hb)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Start(); err != nil {
		logger.Fatal("server start failed", zap.Error(err))
	}

	eventBridge := bridge.New(cfg.NATS, rt, logger)
	if err := eventBridge.Start(); err != nil {
		server.Stop()
		logger.Fatal("bridge start failed", zap.Error(err))
	}

	go metrics.NewProcessCollector(metricsRegistry, logger, cfg.Metrics.ProcessInterval).Run(ctx)

	httpErrCh := make(chan error, 1)
	if cfg.Metrics.Enabled {
		go func() {
			httpErrCh <- runDiagnosticsServer(ctx, cfg, reg, store, metricsRegistry, logger)
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("diagnostics server error", zap.Error(err))
		}
		stop()
	}

	eventBridge.Stop()
	server.Stop()
}

func runDiagnosticsServer(ctx context.Context, cfg config.Config, reg *registry.Registry, store *ledger.Store, metricsRegistry *metrics.Registry, logger *zap.Logger) error {
	startedAt := time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ledgerOK := true
		openTickets, err := store.CountOpen()
		if err != nil {
			ledgerOK = false
		}

		status := "healthy"
		code := http.StatusOK
		if !ledgerOK {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":            status,
			"timestamp":         time.Now().UTC().Format(time.RFC3339Nano),
			"clients":           reg.Len(),
			"total_connections": reg.TotalAccepted(),
			"open_tickets":      openTickets,
			"ledger":            ledgerOK,
			"uptime_seconds":    time.Since(startedAt).Seconds(),
		})
	})
	mux.Handle("/metrics", metricsRegistry.Handler())

	httpServer := &http.Server{
		Addr:         cfg.Metrics.ListenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("diagnostics http server starting", zap.String("addr", cfg.Metrics.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("diagnostics http server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
