package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"provenance-pipeline/internal/agent"
	"provenance-pipeline/internal/api"
	"provenance-pipeline/internal/config"
	"provenance-pipeline/internal/events"
	"provenance-pipeline/internal/extract"
	"provenance-pipeline/internal/graph"
	"provenance-pipeline/internal/logger"
	"provenance-pipeline/internal/queue"
	"provenance-pipeline/internal/ratelimit"
	"provenance-pipeline/internal/repository"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}
	log := logger.New(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("worker stopped", slog.Any("err", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := queue.NewRedisClient(cfg)
	opts := queue.Options{
		PollInterval:  cfg.PollInterval,
		ShutdownGrace: cfg.ShutdownGrace,
		PromoteBatch:  cfg.PromoteBatch,
		Logger:        log,
	}
	if cfg.RateLimitCap > 0 {
		opts.Limiter = ratelimit.NewTokenBucket(rdb, cfg.RateLimitCap, cfg.RateLimitRefill, time.Hour)
	}
	svc := queue.NewService(queue.NewRedisQueue(rdb), opts)
	if err := svc.HealthCheck(ctx); err != nil {
		_ = svc.Close(context.Background())
		return err
	}

	store, err := graph.Open(ctx, cfg, log)
	if err != nil {
		_ = svc.Close(context.Background())
		return err
	}
	abort := func(err error) error {
		return errors.Join(err, svc.Close(context.Background()), store.Close(context.Background()))
	}

	fetcher, err := extract.NewFetcher(ctx, cfg)
	if err != nil {
		return abort(err)
	}

	bus := events.NewBus(log)
	actions := repository.NewActionRepository(store, log)
	registry := agent.NewRegistry(log)
	if err := registry.Register(agent.StewardshipName, agent.NewStewardshipAgent(agent.StewardshipConfig{
		Queue:       svc,
		QueueName:   cfg.FileQueue,
		Concurrency: cfg.FileWorkers,
		Bus:         bus,
		Extractor:   extract.New(extract.NewObjectProcessor(fetcher, cfg.MaxObjectBytes), log),
		Content:     repository.NewContentRepository(store),
		Folders:     repository.NewFolderRepository(store),
		Actions:     actions,
		Logger:      log,
	})); err != nil {
		return abort(err)
	}
	if err := registry.Register(agent.ProvenanceName, agent.NewProvenanceAgent(agent.ProvenanceConfig{
		Queue:       svc,
		QueueName:   cfg.ProvQueue,
		Concurrency: cfg.ProvWorkers,
		Bus:         bus,
		Actions:     actions,
		Logger:      log,
	})); err != nil {
		return abort(err)
	}

	httpServer := &http.Server{
		Addr:              cfg.OpsAddr,
		Handler:           api.New(svc, store, registry, bus, log).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("ops server stopped", slog.Any("err", err))
		}
	}()

	var runErr error
	if err := registry.StartAll(ctx); err != nil {
		runErr = err
	} else {
		log.Info("worker started",
			slog.String("ops_addr", cfg.OpsAddr),
			slog.String("graph_backend", cfg.GraphBackend),
			slog.Any("agents", registry.List()),
		)
		<-ctx.Done()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.ShutdownGrace+5*time.Second)
	defer cancel()
	log.Info("shutting down")
	_ = httpServer.Shutdown(shutdownCtx)
	return errors.Join(
		runErr,
		registry.StopAll(shutdownCtx),
		svc.Close(shutdownCtx),
		store.Close(shutdownCtx),
	)
}
