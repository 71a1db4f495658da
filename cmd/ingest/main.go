package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"provenance-pipeline/internal/config"
	"provenance-pipeline/internal/events"
	"provenance-pipeline/internal/graph"
	"provenance-pipeline/internal/ingest"
	"provenance-pipeline/internal/logger"
	"provenance-pipeline/internal/queue"
	"provenance-pipeline/internal/repository"
)

func main() {
	var (
		configPath   = flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
		orgID        = flag.String("org", "", "organization id (required)")
		sourceID     = flag.String("source", "local", "source id recorded on every node")
		dir          = flag.String("dir", "", "local directory to scan")
		file         = flag.String("file", "", "single file path to report")
		mimeType     = flag.String("mime", "", "mime type for -file")
		deleteFolder = flag.String("delete-folder", "", "folder path to soft delete")
	)
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}
	log := logger.New(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	if *orgID == "" {
		fmt.Fprintln(os.Stderr, "-org is required")
		os.Exit(2)
	}
	if *dir == "" && *file == "" && *deleteFolder == "" {
		fmt.Fprintln(os.Stderr, "one of -dir, -file or -delete-folder is required")
		os.Exit(2)
	}
	if cfg.GraphBackend == config.GraphMemory {
		log.Warn("memory graph backend is not shared with the worker; file nodes will be lost on exit")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, *orgID, *sourceID, *dir, *file, *mimeType, *deleteFolder); err != nil {
		log.Error("ingest failed", slog.Any("err", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger, orgID, sourceID, dir, file, mimeType, deleteFolder string) (err error) {
	opts := queue.Options{Logger: log}
	svc := queue.NewService(queue.NewRedisQueue(queue.NewRedisClient(cfg)), opts)
	defer func() { err = errors.Join(err, svc.Close(context.Background())) }()
	if err := svc.HealthCheck(ctx); err != nil {
		return err
	}

	store, err := graph.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, store.Close(context.Background())) }()

	ing := ingest.New(svc, cfg.FileQueue, repository.NewContentRepository(store), events.NewBus(log), log)

	if deleteFolder != "" {
		id, err := ing.RemoveFolder(ctx, orgID, sourceID, deleteFolder)
		if err != nil {
			return err
		}
		log.Info("folder delete queued", slog.String("job_id", id), slog.String("path", deleteFolder))
	}
	if file != "" {
		fileID, jobID, err := ing.DiscoverFile(ctx, orgID, sourceID, file, mimeType)
		if err != nil {
			return err
		}
		log.Info("file queued", slog.String("file_id", fileID), slog.String("job_id", jobID))
	}
	if dir != "" {
		if _, err := ing.ScanDir(ctx, orgID, sourceID, dir); err != nil {
			return err
		}
	}
	return nil
}
