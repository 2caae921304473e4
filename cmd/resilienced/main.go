// Package main is the resilience daemon. It loads configuration, builds the
// policy registry and orchestrator, drives configured probes against their
// upstreams through the full policy stack, and serves metrics, health, and
// admin endpoints. Configuration hot-reloads on file change or SIGHUP;
// shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dskow/resilience-core/internal/admin"
	"github.com/dskow/resilience-core/internal/config"
	"github.com/dskow/resilience-core/internal/logging"
	"github.com/dskow/resilience-core/internal/metrics"
	"github.com/dskow/resilience-core/internal/observe"
	"github.com/dskow/resilience-core/internal/resilience"
)

const gaugeSampleInterval = 10 * time.Second

func main() {
	configPath := flag.String("config", "configs/resilience.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.New(cfg.Logging)
	defer logCloser.Close()

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"policies", len(cfg.Policies),
		"probes", len(cfg.Probes),
		"admin_enabled", cfg.Admin.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	dispatcher := observe.NewDispatcher(observe.LogSink{Logger: logger})
	defer dispatcher.Close()

	registry := resilience.NewRegistryFromConfig(cfg, logger, dispatcher)
	registry.StartGaugeLoop(gaugeSampleInterval)
	defer registry.Close()

	orchestrator := resilience.NewOrchestrator(registry, logger, dispatcher)

	// Config reloader: policy thresholds hot-swap; server/logging changes
	// require a restart.
	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.OnReload(registry.ApplyConfig)
	reloader.Start()
	defer reloader.Stop()

	// Probe drivers
	probeCtx, stopProbes := context.WithCancel(context.Background())
	var probes sync.WaitGroup
	for _, probe := range cfg.Probes {
		probes.Add(1)
		go func(p config.ProbeConfig) {
			defer probes.Done()
			runProbe(probeCtx, orchestrator, p, logger)
		}(probe)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}` + "\n"))
	})
	if cfg.Metrics.IsEnabled() {
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", cfg.Metrics.Path)
	}
	if cfg.Admin.Enabled {
		adminHandler := admin.New(reloader, registry, cfg.Admin.IPAllowlist, logger)
		adminHandler.RegisterRoutes(mux)
		logger.Info("admin endpoints registered")
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("starting resilienced", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	stopProbes()
	probes.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("resilienced stopped gracefully")
}

// runProbe issues protected GETs against the probe URL until ctx ends.
// Every response with a 5xx status counts as a failure so the breaker and
// retry policies see realistic outcomes.
func runProbe(ctx context.Context, orch *resilience.Orchestrator, probe config.ProbeConfig, logger *slog.Logger) {
	client := &http.Client{}
	ticker := time.NewTicker(probe.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status, err := resilience.Do(ctx, orch, probe.Name, func(ctx context.Context) (int, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, probe.URL, nil)
			if err != nil {
				return 0, err
			}
			resp, err := client.Do(req)
			if err != nil {
				return 0, err
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode >= http.StatusInternalServerError {
				return resp.StatusCode, fmt.Errorf("upstream returned %d", resp.StatusCode)
			}
			return resp.StatusCode, nil
		})
		if err != nil {
			logger.Warn("probe failed", "name", probe.Name, "url", probe.URL, "code", resilience.ErrorCode(err), "error", err)
			continue
		}
		logger.Debug("probe succeeded", "name", probe.Name, "status", status)
	}
}
