package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/aspor-platform/extraction-engine/internal/common"
	"github.com/aspor-platform/extraction-engine/internal/engine"
	"github.com/aspor-platform/extraction-engine/internal/extract"
	"github.com/aspor-platform/extraction-engine/internal/llm"
	"github.com/aspor-platform/extraction-engine/internal/ocr"
	"github.com/aspor-platform/extraction-engine/internal/prompt"
	"github.com/aspor-platform/extraction-engine/internal/report"
	"github.com/aspor-platform/extraction-engine/internal/repository"
	"github.com/aspor-platform/extraction-engine/internal/storage"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.Info("extractiond starting", "version", version, "db_driver", cfg.Database.Driver, "storage", cfg.Storage.Backend)

	db, err := repository.Open(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer repository.Close(db, logger)

	runs := repository.NewRunRepository(db, logger)
	store := newObjectStore(cfg.Storage, logger)

	ocrClient := ocr.NewClient(cfg.OCR, logger)
	extractor := extract.NewExtractor(cfg.Extract, store, ocrClient, logger)
	resolver := prompt.NewTiered(logger,
		prompt.NewStoreResolver(store),
		prompt.NewEmbeddedResolver(),
	)
	invoker := llm.NewClient(cfg.LLM, logger)
	synthesizer := report.NewSynthesizer(logger)

	eng := engine.New(*cfg, runs, store, extractor, resolver, invoker, synthesizer, logger)
	queue := engine.NewQueue(ctx, eng, cfg.Engine.Workers, cfg.Engine.QueueSize, logger)

	// Crash recovery: runs interrupted mid-pipeline pick up at the last
	// persisted stage.
	if n, err := eng.ResumeUnfinished(ctx, queue); err != nil {
		logger.Warn("resume of unfinished runs failed", "error", err)
	} else if n > 0 {
		logger.Info("resumed unfinished runs", "count", n)
	}

	<-ctx.Done()

	slog.Info("extractiond shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	queue.Shutdown(shutdownCtx)

	slog.Info("extractiond stopped")
	return nil
}

func newObjectStore(cfg common.StorageConfig, logger *slog.Logger) storage.ObjectStore {
	if cfg.Backend == "s3" {
		return storage.NewS3Store(cfg, logger)
	}
	return storage.NewLocalStore(cfg.LocalDir)
}
