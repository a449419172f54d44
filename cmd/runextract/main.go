package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/aspor-platform/extraction-engine/constants"
	"github.com/aspor-platform/extraction-engine/internal/common"
	"github.com/aspor-platform/extraction-engine/internal/engine"
	"github.com/aspor-platform/extraction-engine/internal/entity"
	"github.com/aspor-platform/extraction-engine/internal/extract"
	"github.com/aspor-platform/extraction-engine/internal/llm"
	"github.com/aspor-platform/extraction-engine/internal/ocr"
	"github.com/aspor-platform/extraction-engine/internal/prompt"
	"github.com/aspor-platform/extraction-engine/internal/report"
	"github.com/aspor-platform/extraction-engine/internal/repository"
	"github.com/aspor-platform/extraction-engine/internal/storage"
)

// runextract drives one full run from local files: uploads them to the
// object store, submits, processes to a terminal state, and writes the DOCX
// report (and optionally the PDF) next to the inputs.
func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	owner := flag.String("owner", "local-user", "owner id the run is scoped to")
	model := flag.String("model", "A", "model selector: A (contragarantías) or B (informe social)")
	filesArg := flag.String("files", "", "comma-separated paths of 1-3 source documents (pdf/docx)")
	outDir := flag.String("out", ".", "directory the report is written to")
	wantPDF := flag.Bool("pdf", false, "also request the fixed-layout PDF derivative")
	flag.Parse()

	if *filesArg == "" {
		logger.Error("usage", "cmd", "runextract -files a.pdf[,b.docx,...] [-model A|B] [-owner id] [-pdf]")
		os.Exit(2)
	}

	_ = godotenv.Load()
	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Error("config invalid", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	db, err := repository.Open(cfg.Database, logger)
	if err != nil {
		logger.Error("open db", "error", err)
		os.Exit(1)
	}
	defer repository.Close(db, logger)

	runs := repository.NewRunRepository(db, logger)
	var store storage.ObjectStore
	if cfg.Storage.Backend == "s3" {
		store = storage.NewS3Store(cfg.Storage, logger)
	} else {
		store = storage.NewLocalStore(cfg.Storage.LocalDir)
	}

	eng := engine.New(*cfg,
		runs,
		store,
		extract.NewExtractor(cfg.Extract, store, ocr.NewClient(cfg.OCR, logger), logger),
		prompt.NewTiered(logger, prompt.NewStoreResolver(store), prompt.NewEmbeddedResolver()),
		llm.NewClient(cfg.LLM, logger),
		report.NewSynthesizer(logger),
		logger,
	)

	inputs, err := uploadInputs(ctx, store, strings.Split(*filesArg, ","))
	if err != nil {
		logger.Error("upload inputs", "error", err)
		os.Exit(1)
	}

	runID, err := eng.SubmitRun(ctx, *owner, constants.ModelSelector(*model), inputs)
	if err != nil {
		logger.Error("submit run", "error", err)
		os.Exit(1)
	}
	logger.Info("run submitted", "run_id", runID)

	if err := eng.ProcessRun(ctx, runID); err != nil {
		logger.Error("run failed", "run_id", runID, "error", err)
	}

	run, err := eng.GetRun(ctx, runID, *owner)
	if err != nil {
		logger.Error("get run", "error", err)
		os.Exit(1)
	}
	logger.Info("run finished", "run_id", runID, "state", run.State)
	if run.Error != nil {
		logger.Error("run error", "stage", run.Error.Stage, "kind", run.Error.Kind, "message", run.Error.Message)
		os.Exit(1)
	}

	formats := []constants.ReportFormat{constants.FormatDOCX}
	if *wantPDF {
		formats = append(formats, constants.FormatPDF)
	}
	for _, format := range formats {
		if _, err := eng.RequestFormat(ctx, runID, *owner, format); err != nil {
			logger.Error("request format", "format", format, "error", err)
			os.Exit(1)
		}
		data, _, err := eng.OpenArtifact(ctx, runID, *owner, format)
		if err != nil {
			logger.Error("open artifact", "format", format, "error", err)
			os.Exit(1)
		}
		path := filepath.Join(*outDir, fmt.Sprintf("reporte_%s.%s", shortID(runID.String()), format))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			logger.Error("write report", "path", path, "error", err)
			os.Exit(1)
		}
		logger.Info("report written", "format", format, "path", path, "bytes", len(data))
	}
}

func uploadInputs(ctx context.Context, store storage.ObjectStore, paths []string) ([]entity.InputFile, error) {
	inputs := make([]entity.InputFile, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		name := filepath.Base(p)
		key := fmt.Sprintf("uploads/%d-%s", time.Now().UnixNano(), name)
		if err := store.PutBytes(ctx, key, data, ""); err != nil {
			return nil, fmt.Errorf("uploading %s: %w", p, err)
		}
		inputs = append(inputs, entity.InputFile{
			StorageKey:   key,
			OriginalName: name,
			ByteSize:     int64(len(data)),
		})
	}
	return inputs, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
