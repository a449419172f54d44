package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/aspor-platform/extraction-engine/internal/common"
)

// Client calls the remote OCR service. One request covers one whole document;
// the service is treated as all-or-nothing per file.
type Client struct {
	cfg        common.OCRConfig
	httpClient *http.Client
	limiter    *semaphore.Weighted
	logger     *slog.Logger
}

// NewClient builds an OCR client with a bounded number of in-flight requests.
func NewClient(cfg common.OCRConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	var limiter *semaphore.Weighted
	if cfg.MaxInFlight > 0 {
		limiter = semaphore.NewWeighted(cfg.MaxInFlight)
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		logger:     logger,
	}
}

type ocrPage struct {
	Index    int    `json:"index"`
	Markdown string `json:"markdown"`
}

type ocrResponse struct {
	Pages []ocrPage `json:"pages"`
	Model string    `json:"model"`
}

type ocrErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// ServiceError is a non-2xx answer from the OCR service.
type ServiceError struct {
	StatusCode int
	Message    string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("ocr status %d: %s", e.StatusCode, e.Message)
}

// DetectText submits the document bytes and returns the recognized text with
// pages joined in order. Service failures and unreachability surface as
// ErrOCRUnavailable so the extraction stage can classify them.
func (c *Client) DetectText(ctx context.Context, data []byte, name string) (string, error) {
	if c.cfg.BaseURL == "" {
		return "", fmt.Errorf("%w: no OCR endpoint configured", common.ErrOCRUnavailable)
	}

	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx, 1); err != nil {
			return "", err
		}
		defer c.limiter.Release(1)
	}

	body := map[string]any{
		"model": c.cfg.Model,
		"document": map[string]any{
			"type":          "document_base64",
			"document_name": name,
			"data":          base64.StdEncoding.EncodeToString(data),
		},
	}
	bs, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode ocr request: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/ocr"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bs))
	if err != nil {
		return "", fmt.Errorf("build ocr request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("ocr.detect.send_error", "file", name, "error", err)
		return "", fmt.Errorf("%w: %v", common.ErrOCRUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		svcErr := &ServiceError{StatusCode: resp.StatusCode, Message: string(raw)}
		var parsed ocrErrorResponse
		if json.Unmarshal(raw, &parsed) == nil && parsed.Error.Message != "" {
			svcErr.Message = parsed.Error.Message
		}
		c.logger.Error("ocr.detect.status_error",
			"file", name, "status", resp.StatusCode,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return "", fmt.Errorf("%w: %v", common.ErrOCRUnavailable, svcErr)
	}

	var result ocrResponse
	dec := json.NewDecoder(io.LimitReader(resp.Body, 100<<20))
	if err := dec.Decode(&result); err != nil {
		return "", fmt.Errorf("decode ocr response: %w", err)
	}
	if len(result.Pages) == 0 {
		return "", fmt.Errorf("%w: ocr returned no pages", common.ErrExtraction)
	}

	var b strings.Builder
	for i, page := range result.Pages {
		if i > 0 {
			b.WriteString("\n\f\n")
		}
		b.WriteString(page.Markdown)
	}

	c.logger.Info("ocr.detect.ok",
		"file", name,
		"pages", len(result.Pages),
		"chars", b.Len(),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return b.String(), nil
}
