package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/spf13/cobra"

	"github.com/yairfalse/warden/internal/api"
	"github.com/yairfalse/warden/internal/daemon"
	"github.com/yairfalse/warden/telemetry"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API and the execution workers",
	Long: `Run Warden as a service.

Serves the lawbook and run API, executes admitted runs on a worker pool and
exports metrics.

Endpoints:
- API on --api-addr (default :8080): /v1/policies, /v1/runs, /healthz
- Metrics on --metrics-addr (default :9090): /metrics, /health
- Graceful shutdown on SIGTERM/SIGINT`,
	Example: `  warden serve                          # Run with defaults
  warden serve -c /etc/warden.yaml      # Use a config file
  warden serve --api-addr :8181         # Custom API address`,
	RunE: runServe,
}

var (
	serveAPIAddr     string
	serveMetricsAddr string
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAPIAddr, "api-addr", "", "API listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "Metrics listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveAPIAddr != "" {
		cfg.API.Addr = serveAPIAddr
	}
	if serveMetricsAddr != "" {
		cfg.Metrics.Addr = serveMetricsAddr
	}
	logger := telemetry.NewLogger("warden")
	ctx := cmd.Context()

	shutdownOTEL, err := telemetry.InitOTEL(ctx, telemetry.Config{
		ServiceName:    cfg.OTEL.ServiceName,
		ServiceVersion: version,
		OTELEndpoint:   cfg.OTEL.Endpoint,
		Insecure:       cfg.OTEL.Insecure,
	})
	if err != nil {
		return fmt.Errorf("failed to init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownOTEL(sctx)
	}()

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	a, err := openApp(ctx, cfg, appOptions{engine: true, metrics: metrics})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	d, err := daemon.NewDaemon(a.engine, daemon.Config{
		Workers:       cfg.Execution.Workers,
		QueueSize:     cfg.Execution.QueueSize,
		RetryInterval: cfg.Execution.RetryInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	apiServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           api.NewServer(a.policies, a.engine, a.trail, api.WithSubmitter(d)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.MetricsHandler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := d.Health()
		if err := a.store.Ping(r.Context()); err != nil {
			status.Status = "degraded"
		}
		w.Header().Set("Content-Type", "application/json")
		if status.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
	metricsServer := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var g run.Group
	g.Add(listen(apiServer), shutdown(apiServer))
	g.Add(listen(metricsServer), shutdown(metricsServer))

	workCtx, stopWork := context.WithCancel(ctx)
	g.Add(func() error {
		return d.Start(workCtx)
	}, func(error) {
		stopWork()
	})
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	logger.Info().
		Str("api", cfg.API.Addr).
		Str("metrics", cfg.Metrics.Addr).
		Str("storage", cfg.Storage.Backend).
		Str("lease", cfg.Lease.Backend).
		Int("workers", cfg.Execution.Workers).
		Msg("warden starting")

	err = g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		logger.Info().Str("signal", sig.Signal.String()).Msg("shutting down")
		return nil
	}
	return err
}

func listen(srv *http.Server) func() error {
	return func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", srv.Addr, err)
		}
		return nil
	}
}

func shutdown(srv *http.Server) func(error) {
	return func(error) {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
