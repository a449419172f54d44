package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"

	"github.com/aspor-platform/extraction-engine/internal/common"
	"github.com/aspor-platform/extraction-engine/internal/entity"
	"github.com/aspor-platform/extraction-engine/internal/storage"
)

// OCRService recognizes text in a document the direct path cannot read.
type OCRService interface {
	DetectText(ctx context.Context, data []byte, name string) (string, error)
}

// TruncationMarker is appended when the concatenated text exceeds the
// configured character budget. Excess is never dropped without signal.
const TruncationMarker = "\n\n[TEXTO TRUNCADO: el documento excede el límite de caracteres]"

// Extractor turns stored source files into normalized text. The fast path is
// structural extraction (pdftotext for PDF, the OOXML walk for DOCX); when
// that yields less than the configured floor the file goes to the OCR
// service instead.
type Extractor struct {
	cfg    common.ExtractConfig
	store  storage.ObjectStore
	ocr    OCRService
	runner Runner
	logger *slog.Logger
}

// NewExtractor builds an Extractor over the given object store and OCR
// service.
func NewExtractor(cfg common.ExtractConfig, store storage.ObjectStore, ocr OCRService, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Pdftotext == "" {
		cfg.Pdftotext = "pdftotext"
	}
	if cfg.MinTextChars <= 0 {
		cfg.MinTextChars = 64
	}
	return &Extractor{cfg: cfg, store: store, ocr: ocr, runner: execRunner{}, logger: logger}
}

// WithRunner swaps the external-command runner; tests use this to stub
// pdftotext.
func (e *Extractor) WithRunner(r Runner) *Extractor {
	e.runner = r
	return e
}

// ExtractFile fetches one input file and returns its normalized text.
func (e *Extractor) ExtractFile(ctx context.Context, file entity.InputFile) (string, error) {
	data, err := e.store.GetBytes(ctx, file.StorageKey)
	if err != nil {
		return "", fmt.Errorf("%w: reading %s: %v", common.ErrExtraction, file.OriginalName, err)
	}

	text, directErr := e.direct(ctx, data, file.OriginalName)
	if directErr == nil && len(strings.TrimSpace(text)) >= e.cfg.MinTextChars {
		e.logger.Info("extract.direct.ok", "file", file.OriginalName, "chars", len(text))
		return normalize(text), nil
	}

	if directErr != nil {
		e.logger.Warn("extract.direct.failed", "file", file.OriginalName, "error", directErr)
	} else {
		e.logger.Info("extract.direct.insufficient",
			"file", file.OriginalName,
			"chars", len(strings.TrimSpace(text)),
			"floor", e.cfg.MinTextChars,
		)
	}

	// Scanned or unreadable document: same bytes through OCR instead.
	ocrText, ocrErr := e.ocr.DetectText(ctx, data, file.OriginalName)
	if ocrErr != nil {
		if errors.Is(ocrErr, common.ErrOCRUnavailable) {
			return "", ocrErr
		}
		return "", fmt.Errorf("%w: %s: %v", common.ErrExtraction, file.OriginalName, ocrErr)
	}
	if strings.TrimSpace(ocrText) == "" {
		return "", fmt.Errorf("%w: %s produced no text", common.ErrExtraction, file.OriginalName)
	}

	e.logger.Info("extract.ocr.ok", "file", file.OriginalName, "chars", len(ocrText))
	return normalize(ocrText), nil
}

// ExtractAll extracts every input file concurrently, returning texts in
// upload order. The first failure cancels the remaining files.
func (e *Extractor) ExtractAll(ctx context.Context, files []entity.InputFile) ([]string, error) {
	texts := make([]string, len(files))

	g, gctx := errgroup.WithContext(ctx)
	for i := range files {
		i := i
		g.Go(func() error {
			text, err := e.ExtractFile(gctx, files[i])
			if err != nil {
				return err
			}
			texts[i] = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return texts, nil
}

// direct picks the structural extraction path from the sniffed content type.
func (e *Extractor) direct(ctx context.Context, data []byte, name string) (string, error) {
	mt := mimetype.Detect(data)
	switch {
	case mt.Is("application/pdf"):
		return e.pdfText(ctx, data)
	case mt.Is("application/vnd.openxmlformats-officedocument.wordprocessingml.document"):
		return docxText(data)
	default:
		return "", fmt.Errorf("unsupported content type %s for %s", mt.String(), name)
	}
}

// Concatenate joins per-file texts in upload order with a per-document
// delimiter naming the source file, then applies the character budget.
// Callers pass maxChars <= 0 to disable truncation.
func Concatenate(files []entity.InputFile, texts []string, maxChars int) string {
	var b strings.Builder
	for i, text := range texts {
		name := "Archivo"
		if i < len(files) && files[i].OriginalName != "" {
			name = files[i].OriginalName
		}
		fmt.Fprintf(&b, "\n\n--- DOCUMENTO %d: %s ---\n\n", i+1, name)
		b.WriteString(text)
	}

	joined := strings.TrimSpace(b.String())
	if maxChars <= 0 || len(joined) <= maxChars {
		return joined
	}

	cut := maxChars
	// Do not split a multi-byte rune at the boundary.
	for cut > 0 && !utf8.RuneStart(joined[cut]) {
		cut--
	}
	return joined[:cut] + TruncationMarker
}

// normalize collapses Windows line endings and trims outer whitespace.
func normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.TrimSpace(text)
}
