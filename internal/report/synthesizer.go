package report

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aspor-platform/extraction-engine/constants"
	"github.com/aspor-platform/extraction-engine/internal/common"
)

// blockKind classifies one line of model output for layout purposes.
type blockKind int

const (
	blockText blockKind = iota
	blockHeading
	blockBullet
	blockBlank
)

type block struct {
	kind blockKind
	text string
}

// footerLine closes every report regardless of selector or format.
const footerLine = "Documento generado automáticamente por el sistema de análisis documental"

// Synthesizer maps raw model output into a report document. It is a pure
// function of (model output, selector, format); the only ambient input is
// the report date, injectable for tests.
type Synthesizer struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewSynthesizer builds a Synthesizer using the wall clock for the date line.
func NewSynthesizer(logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{logger: logger, now: time.Now}
}

// WithClock fixes the date source. Tests use this to assert byte-identical
// output.
func (s *Synthesizer) WithClock(now func() time.Time) *Synthesizer {
	s.now = now
	return s
}

// Synthesize renders the report in the requested format and returns the
// document bytes plus their content type. Empty or unmappable model output
// is a SynthesisError.
func (s *Synthesizer) Synthesize(modelOutput string, selector constants.ModelSelector, format constants.ReportFormat) ([]byte, string, error) {
	blocks := parseBlocks(modelOutput)
	if !mappable(blocks) {
		return nil, "", fmt.Errorf("%w: model output has no mappable content", common.ErrSynthesis)
	}
	if !format.Valid() {
		return nil, "", fmt.Errorf("%w: unknown format %q", common.ErrSynthesis, format)
	}

	title := selector.ReportTitle()
	dateLine := "Fecha: " + s.now().Format("02/01/2006")
	blocks = append(blocks, block{kind: blockBlank}, block{kind: blockText, text: footerLine})

	var (
		data []byte
		err  error
	)
	switch format {
	case constants.FormatDOCX:
		data, err = buildDOCX(title, dateLine, blocks)
	case constants.FormatPDF:
		data, err = buildPDF(title, dateLine, blocks)
	}
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", common.ErrSynthesis, err)
	}

	s.logger.Info("report.synthesize.ok",
		"selector", selector,
		"format", format,
		"blocks", len(blocks),
		"bytes", len(data),
	)
	return data, format.ContentType(), nil
}

// parseBlocks splits model output into layout blocks. Both section schemas
// arrive the same way: uppercase or markdown headers introducing sections,
// body text carried through largely verbatim.
func parseBlocks(output string) []block {
	lines := strings.Split(strings.ReplaceAll(output, "\r\n", "\n"), "\n")
	blocks := make([]block, 0, len(lines))

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			blocks = append(blocks, block{kind: blockBlank})
		case isRule(trimmed):
			// Underline rules ("=====", "-----") decorate the previous
			// heading; drop them from the layout.
			continue
		case strings.HasPrefix(trimmed, "#"):
			blocks = append(blocks, block{kind: blockHeading, text: strings.TrimSpace(strings.TrimLeft(trimmed, "# "))})
		case strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* "):
			blocks = append(blocks, block{kind: blockBullet, text: strings.TrimSpace(trimmed[2:])})
		case isUpperHeading(trimmed):
			blocks = append(blocks, block{kind: blockHeading, text: trimmed})
		default:
			blocks = append(blocks, block{kind: blockText, text: line})
		}
	}
	return blocks
}

func mappable(blocks []block) bool {
	for _, b := range blocks {
		if b.kind != blockBlank && strings.TrimSpace(b.text) != "" {
			return true
		}
	}
	return false
}

// isRule reports whether the line is a section underline like "=====".
func isRule(s string) bool {
	if len(s) < 3 {
		return false
	}
	for _, r := range s {
		if r != '=' && r != '-' {
			return false
		}
	}
	return true
}

// isUpperHeading detects section headers written in full uppercase, the way
// both report schemas title their sections.
func isUpperHeading(s string) bool {
	if len(s) > 80 {
		return false
	}
	hasLetter := false
	for _, r := range s {
		switch {
		case isLowerLetter(r):
			return false
		case isUpperLetter(r):
			hasLetter = true
		}
	}
	return hasLetter
}

func isUpperLetter(r rune) bool {
	return (r >= 'A' && r <= 'Z') || strings.ContainsRune("ÁÉÍÓÚÑÜ", r)
}

func isLowerLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || strings.ContainsRune("áéíóúñü", r)
}
