package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"homesense/internal/api"
	"homesense/internal/config"
	"homesense/internal/engine"
	"homesense/internal/ingest"
	"homesense/internal/logging"
	"homesense/internal/metrics"
	"homesense/internal/rejects"
	"homesense/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML or JSON config; built-in defaults when empty")
	flag.Parse()

	manager, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("config load failed", "path", *configPath, "err", err)
		os.Exit(1)
	}
	cfg := manager.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("homesense starting", "version", version, "config", manager.Path(), "storage", cfg.Storage.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("storage open failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()
	initCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err = store.Init(initCtx)
	cancel()
	if err != nil {
		logger.Error("storage init failed", "err", err)
		os.Exit(1)
	}

	stats := metrics.NewStore(cfg.Metrics.StoreLimit)
	rej := rejects.NewStore(cfg.Rejects.StoreLimit)
	var collectors *metrics.Collectors
	if cfg.Metrics.Prometheus {
		collectors = metrics.NewCollectors()
	}

	writer := ingest.NewWriter(cfg, logger, store, stats, collectors, rej)
	service := engine.NewService(cfg, logger, store, stats, collectors)
	go writer.Run(ctx)

	var servers []*http.Server
	if srv := ingest.StartREST(ctx, manager, writer, logger); srv != nil {
		servers = append(servers, srv)
	}
	if err := ingest.StartMQTT(ctx, manager, writer, logger); err != nil {
		logger.Error("mqtt ingest failed to start", "err", err)
	}
	ingest.StartKafka(ctx, manager, writer, logger)
	if err := ingest.StartRedisStream(ctx, manager, writer, logger); err != nil {
		logger.Error("redis stream ingest failed to start", "err", err)
	}
	ingest.StartTCPStream(ctx, manager, writer, logger)
	ingest.StartFileTail(ctx, manager, writer, logger)

	apiServer := api.Start(ctx, api.Deps{
		Config:     manager,
		Events:     store,
		Aggregator: service,
		Stats:      stats,
		Rejects:    rej,
		Collectors: collectors,
		Controls:   []api.Control{writer, service},
		Logger:     logger,
		Version:    version,
	})
	if apiServer != nil {
		servers = append(servers, apiServer)
	}

	if manager.Path() != "" {
		go manager.Watch(3*time.Second, func(next *config.Config) {
			logging.SetLevel(next.LogLevel)
			writer.UpdateConfig(next)
			service.UpdateConfig(next)
			logger.Info("config reloaded", "path", manager.Path())
		}, func(err error) {
			logger.Warn("config reload failed", "err", err)
		}, ctx.Done())
	}

	<-ctx.Done()
	logger.Info("homesense shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "addr", srv.Addr, "err", err)
		}
	}
}

func loadConfig(path string) (*config.Manager, error) {
	if path == "" {
		return config.NewStaticManager(config.DefaultConfig()), nil
	}
	return config.NewManager(config.ResolvePath(path))
}
