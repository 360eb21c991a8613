// deploy-service is the HTTP API server that runs deployment workflows.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"astraops/internal/api"
	"astraops/internal/cloud"
	"astraops/internal/config"
	"astraops/internal/dispatcher"
	"astraops/internal/health"
	"astraops/internal/job"
	"astraops/internal/logbus"
	"astraops/internal/observability"
	"astraops/internal/phase"
	"astraops/internal/runner"
	"astraops/internal/stream"
	"astraops/internal/workflow"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	dispatcherCfg := dispatcher.LoadConfigFromEnv()

	if err := os.MkdirAll(svcCfg.WorkDir, 0o700); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	bus := logbus.New()
	store := job.NewStore(bus)
	vault := job.NewVault()

	toolRunner, closeRunner, err := newRunner(svcCfg, store)
	if err != nil {
		return err
	}
	defer closeRunner()

	executor := phase.NewExecutor(phase.Config{
		Runner:       toolRunner,
		Logs:         store,
		Credentials:  vault,
		State:        cloud.NewStateStore(),
		Observer:     metrics,
		TerraformDir: svcCfg.TerraformDir,
		WorkDir:      svcCfg.WorkDir,
		Timing:       phase.DefaultTiming(),
	})

	// Lifecycle webhooks are only queued when a destination is configured.
	var eventDispatcher *dispatcher.MemoryDispatcher
	orchCfg := workflow.Config{
		Store:   store,
		Vault:   vault,
		Auth:    cloud.NewAuthenticator(),
		Phases:  executor,
		Metrics: metrics,
		SimStep: svcCfg.SimulationStep,
	}
	if svcCfg.CallbackURL != "" {
		eventDispatcher = dispatcher.NewMemory(dispatcherCfg, metrics)
		orchCfg.Dispatcher = eventDispatcher
		orchCfg.CallbackURL = svcCfg.CallbackURL
		orchCfg.CallbackKey = svcCfg.CallbackKey
		slog.Info("Lifecycle webhooks enabled", "destination", svcCfg.CallbackURL, "signed", svcCfg.CallbackKey != "")
	}

	orchestrator := workflow.New(orchCfg)
	service := workflow.NewService(orchestrator)

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go service.RunSweeper(sweepCtx, svcCfg.SweepInterval, svcCfg.JobMaxAge)

	streams := stream.New(stream.Config{
		Store:     store,
		Bus:       bus,
		Metrics:   metrics,
		Heartbeat: svcCfg.HeartbeatInterval,
	})

	healthChecker := health.NewChecker(readinessChecks(svcCfg, toolRunner, eventDispatcher, dispatcherCfg)...)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Service:       service,
		Streams:       streams,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
		Version:       version,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}

	// Log streams are long-lived, so the API server has no write timeout.
	apiServer := &http.Server{
		Addr:              ":" + svcCfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 2)

	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port, "runner", svcCfg.ToolRunner, "version", version)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown ends open log streams, then closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		streams.Shutdown()
		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Stop accepting connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)
	stopSweeper()

	// Phase 3: Interrupt running jobs. Job state lives in memory only, so
	// they are failed with a terminal entry rather than left dangling.
	slog.Info("Stopping running jobs")
	jobsCtx, jobsCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer jobsCancel()
	if err := orchestrator.Close(jobsCtx); err != nil {
		slog.Warn("Jobs did not stop in time", "error", err)
	}

	// Phase 4: Drain callback dispatcher
	if eventDispatcher != nil {
		slog.Info("Draining callback dispatcher")
		dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dispatcherCancel()
		if err := eventDispatcher.Close(dispatcherCtx); err != nil {
			slog.Warn("Dispatcher shutdown error", "error", err)
		}

		stats := eventDispatcher.Stats()
		slog.Info("Dispatcher stats",
			"delivered", stats.Delivered,
			"failed", stats.Failed,
			"dropped", stats.Dropped,
			"rejected", stats.Rejected,
		)
	}

	slog.Info("Shutdown complete")
	return nil
}

// newRunner builds the tool runner selected by TOOL_RUNNER.
func newRunner(cfg *config.ServiceConfig, sink runner.RawSink) (runner.Runner, func(), error) {
	switch cfg.ToolRunner {
	case "local":
		tools := slices.Sorted(maps.Keys(runner.DefaultImages))
		slog.Info("Running tools locally", "tools", tools)
		return runner.NewLocal(sink, tools...), func() {}, nil
	case "docker":
		d, err := runner.NewDocker(sink, runner.DockerConfig{
			Images:     cfg.ToolImages,
			Mounts:     []string{cfg.WorkDir, cfg.TerraformDir},
			AlwaysPull: cfg.ToolAlwaysPull,
		})
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Running tools in Docker containers")
		return d, func() {
			if err := d.Close(); err != nil {
				slog.Warn("Docker client close error", "error", err)
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown TOOL_RUNNER %q (want local or docker)", cfg.ToolRunner)
	}
}

// readinessChecks gates readiness on the runner and the scratch directory.
// A webhook backlog near capacity only degrades the service.
func readinessChecks(cfg *config.ServiceConfig, r runner.Runner, d *dispatcher.MemoryDispatcher, dcfg dispatcher.MemoryConfig) []health.Check {
	checks := []health.Check{
		{Name: "runner", Probe: r},
		{Name: "workdir", Probe: health.ProbeFunc(func(context.Context) error {
			f, err := os.CreateTemp(cfg.WorkDir, ".ready-*")
			if err != nil {
				return err
			}
			f.Close()
			return os.Remove(f.Name())
		})},
	}
	if d != nil {
		checks = append(checks, health.Check{Name: "callbacks", Optional: true, Probe: health.ProbeFunc(func(context.Context) error {
			if depth := d.Stats().QueueDepth; dcfg.BufferSize > 0 && depth*10 >= dcfg.BufferSize*9 {
				return fmt.Errorf("webhook queue at %d of %d", depth, dcfg.BufferSize)
			}
			return nil
		})})
	}
	return checks
}
