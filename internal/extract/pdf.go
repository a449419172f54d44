package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// pdfText runs pdftotext over the document bytes and returns its stdout.
// The tool only reads files, so the bytes are staged in a temp directory.
func (e *Extractor) pdfText(ctx context.Context, data []byte) (string, error) {
	tmpDir, err := os.MkdirTemp("", "ee-pdf-*")
	if err != nil {
		return "", err
	}
	defer func() {
		if rerr := os.RemoveAll(tmpDir); rerr != nil {
			e.logger.Warn("extract.pdf.tmp_cleanup_failed", "dir", tmpDir, "error", rerr)
		}
	}()

	path := filepath.Join(tmpDir, "input.pdf")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}

	// pdftotext -layout -enc UTF-8 -eol unix <path> -
	out, errb, err := e.runner.Run(ctx, e.cfg.Pdftotext, "-layout", "-enc", "UTF-8", "-eol", "unix", path, "-")
	if err != nil {
		return "", fmt.Errorf("pdftotext: %w (%s)", err, truncate(string(errb), 512))
	}
	return string(out), nil
}
