// Package main implements the entry point for the rtnm collector.
// rtnm subscribes to model-driven telemetry from network devices over
// dial-in and gNMI streams and indexes the records into Elasticsearch.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/rtnm/collector"
	"github.com/c360/rtnm/collector/dialin"
	"github.com/c360/rtnm/collector/gnmi"
	"github.com/c360/rtnm/config"
	"github.com/c360/rtnm/envelope"
	"github.com/c360/rtnm/metric"
	"github.com/c360/rtnm/output/elastic"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "rtnm"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting rtnm (real-time network monitoring)",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "devices", len(cfg.Devices))
		return nil
	}

	registry := metric.NewMetricsRegistry()
	metrics := registry.CoreMetrics()
	queue := envelope.NewQueue(cfg.Queue.Size, metrics)

	sink, err := elastic.NewSink(elastic.SinkDeps{
		Config:  cfg.Elasticsearch,
		Queue:   queue,
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("create sink: %w", err)
	}

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	group, ctx := errgroup.WithContext(signalCtx)

	if cliCfg.MetricsAddr != "" {
		group.Go(func() error {
			return serveMetrics(ctx, cliCfg.MetricsAddr, registry)
		})
	}

	group.Go(func() error {
		return sink.Run(ctx)
	})

	for _, device := range cfg.Devices {
		adapter, err := newAdapter(device, metrics, logger)
		if err != nil {
			return err
		}
		worker := collector.NewWorker(collector.WorkerDeps{
			Device:  device,
			Adapter: adapter,
			Queue:   queue,
			Metrics: metrics,
			Logger:  logger,
		})
		group.Go(func() error {
			return worker.Run(ctx)
		})
	}

	slog.Info("rtnm started", "devices", len(cfg.Devices))

	if err := group.Wait(); err != nil {
		return fmt.Errorf("collector stopped: %w", err)
	}
	slog.Info("rtnm shutdown complete")
	return nil
}

// newAdapter selects the protocol adapter for a device
func newAdapter(device config.Device, metrics *metric.Metrics, logger *slog.Logger) (collector.Adapter, error) {
	switch device.Protocol {
	case config.ProtocolGNMI:
		return gnmi.New(device, metrics, logger), nil
	case config.ProtocolDialIn:
		return dialin.New(device, metrics, logger), nil
	default:
		return nil, fmt.Errorf("device %q: unknown protocol %q", device.Name, device.Protocol)
	}
}

// serveMetrics exposes the prometheus endpoint until ctx is cancelled
func serveMetrics(ctx context.Context, addr string, registry *metric.MetricsRegistry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", registry.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("metrics endpoint listening", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
