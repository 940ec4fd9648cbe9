// Package main implements the parkingd entry point. parkingd is the
// smart-parking platform core: it ingests occupancy uplinks from
// ChirpStack, debounces them into space state changes, and drives
// LoRaWAN e-ink displays through an idempotent, rate-limited downlink
// queue.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/cpaumelle/smart-parking-platform-sub000/chirpstack"
	"github.com/cpaumelle/smart-parking-platform-sub000/config"
	"github.com/cpaumelle/smart-parking-platform-sub000/display"
	"github.com/cpaumelle/smart-parking-platform-sub000/downlink"
	"github.com/cpaumelle/smart-parking-platform-sub000/events"
	"github.com/cpaumelle/smart-parking-platform-sub000/gwmon"
	"github.com/cpaumelle/smart-parking-platform-sub000/health"
	"github.com/cpaumelle/smart-parking-platform-sub000/ingest"
	"github.com/cpaumelle/smart-parking-platform-sub000/kv"
	kvmem "github.com/cpaumelle/smart-parking-platform-sub000/kv/memory"
	kvredis "github.com/cpaumelle/smart-parking-platform-sub000/kv/redis"
	"github.com/cpaumelle/smart-parking-platform-sub000/metric"
	"github.com/cpaumelle/smart-parking-platform-sub000/service"
	"github.com/cpaumelle/smart-parking-platform-sub000/spool"
	"github.com/cpaumelle/smart-parking-platform-sub000/statemgr"
	"github.com/cpaumelle/smart-parking-platform-sub000/storage"
	storemem "github.com/cpaumelle/smart-parking-platform-sub000/storage/memory"
	"github.com/cpaumelle/smart-parking-platform-sub000/storage/postgres"
)

const appName = "parkingd"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\n%s\n", r, buf[:n])
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := buildLogger(cfg.Service)
	slog.SetDefault(logger)
	logger.Info("starting", "service", appName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kvStore, err := buildKV(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer kvStore.Close()

	store, err := buildStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := metric.NewMetricsRegistry()
	metrics := registry.Metrics
	healthMon := health.NewMonitor()

	// Display pipeline
	policies, err := display.NewPolicyCache(ctx, store, kvStore, logger)
	if err != nil {
		return err
	}
	defer policies.Close()
	machine := display.NewStateMachine(store, policies, logger)

	// Downlink queue and delivery
	queue := downlink.NewQueue(kvStore, logger)
	limiter := downlink.NewRateLimiter(kvStore,
		downlink.WithGatewayLimit(cfg.Downlink.GatewayPerMin),
		downlink.WithTenantLimit(cfg.Downlink.TenantPerMin))
	promoter := downlink.NewPromoter(queue, logger)

	// Event bus (optional)
	var publisher *events.Publisher
	if cfg.NATS.URL != "" {
		publisher, err = events.Connect(cfg.NATS.URL, logger)
		if err != nil {
			return err
		}
		defer publisher.Close()
	}

	manager := statemgr.NewManager(store, kvStore, queue, logger,
		statemgr.WithEventPublisher(publisher),
		statemgr.WithMetrics(metrics))

	// MQTT bridge: uplinks in, downlinks out
	var processor *ingest.Processor
	mqttClient := chirpstack.NewClient(cfg.MQTT, func(ctx context.Context, payload []byte) error {
		return processor.HandleUplink(ctx, payload)
	}, logger,
		chirpstack.WithHealthMonitor(healthMon),
		chirpstack.WithDisplayDirectory(store))

	diskSpool, err := spool.New(cfg.Spool.Root, func(ctx context.Context, env *spool.Envelope) error {
		return processor.HandleUplink(ctx, env.Payload)
	}, logger,
		spool.WithMetrics(metrics),
		spool.WithDrainInterval(cfg.Spool.DrainInterval),
		spool.WithReplayRate(cfg.Spool.ReplayRate))
	if err != nil {
		return err
	}

	processor = ingest.NewProcessor(store, kvStore, machine, manager, logger,
		ingest.WithSpool(diskSpool),
		ingest.WithMetrics(metrics))

	if err := mqttClient.Connect(ctx); err != nil {
		return err
	}
	defer mqttClient.Close()

	workers := make([]*downlink.Worker, 0, cfg.Downlink.Workers)
	for i := 0; i < cfg.Downlink.Workers; i++ {
		workers = append(workers, downlink.NewWorker(queue, limiter, mqttClient, logger))
	}

	gateways, err := gwmon.New(store, logger,
		gwmon.WithOfflineThreshold(cfg.Gateway.OfflineThreshold),
		gwmon.WithPollInterval(cfg.Gateway.PollInterval),
		gwmon.WithMetrics(metrics),
		gwmon.WithHealthMonitor(healthMon))
	if err != nil {
		return err
	}
	defer gateways.Close()

	metricsServer := metric.NewServer(cfg.Service.MetricsPort, "/metrics", registry, healthMon.Handler(appName))
	go func() {
		if err := metricsServer.Start(); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	defer func() {
		if err := metricsServer.Stop(context.Background()); err != nil {
			logger.Warn("metrics server shutdown failed", "error", err)
		}
	}()

	runner := service.NewRunner(store, machine, manager, workers, promoter, healthMon, logger,
		service.WithSpool(diskSpool),
		service.WithGatewayMonitor(gateways))

	logger.Info("service ready", "metrics_port", cfg.Service.MetricsPort)
	err = runner.Run(ctx)
	logger.Info("shutting down")
	return err
}

func buildLogger(cfg config.ServiceConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func buildKV(ctx context.Context, cfg *config.Config, logger *slog.Logger) (kv.Store, error) {
	if cfg.Redis.Addr == "" {
		logger.Warn("no redis configured, using in-memory kv store")
		return kvmem.New(), nil
	}
	return kvredis.New(ctx, kvredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func buildStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.Postgres.DSN == "" {
		logger.Warn("no postgres configured, using in-memory store")
		return storemem.New(), nil
	}
	return postgres.Open(ctx, cfg.Postgres.DSN)
}
