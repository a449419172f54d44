package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aspor-platform/extraction-engine/internal/common"
)

// Result is one successful completion with its usage accounting. LatencyMS
// covers the winning HTTP round trip only; failed retries do not count.
type Result struct {
	OutputText string
	TokensIn   int
	TokensOut  int
	LatencyMS  int64
}

// Invoker submits one prompt per run to the inference service.
type Invoker interface {
	Invoke(ctx context.Context, prompt string) (Result, error)
}

// Compile-time interface check.
var _ Invoker = (*Client)(nil)

// Client is a chat-completions client with fixed low-randomness settings so
// repeated runs on identical input stay as reproducible as the external
// model allows.
type Client struct {
	cfg        common.LLMConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient builds the inference client.
func NewClient(cfg common.LLMConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// apiError is a non-2xx answer from the inference service.
type apiError struct {
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("llm status %d: %s", e.StatusCode, e.Body)
}

// retryable reports whether another attempt can help: transport errors,
// 429, and 5xx. Any other status is final.
func retryable(err error) bool {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.StatusCode == http.StatusTooManyRequests || ae.StatusCode >= 500
	}
	return true
}

// Invoke sends the rendered prompt and returns the model output, retrying
// transient failures with backoff up to the configured attempt budget.
func (c *Client) Invoke(ctx context.Context, prompt string) (Result, error) {
	rid := uuid.New().String()

	c.logger.Info("llm.invoke.start",
		"req_id", rid,
		"model", c.cfg.Model,
		"temp", c.cfg.Temperature,
		"prompt_len", len(prompt),
	)

	body := map[string]any{
		"model":       c.cfg.Model,
		"temperature": c.cfg.Temperature,
		"top_p":       c.cfg.TopP,
		"max_tokens":  c.cfg.MaxTokens,
		"messages": []map[string]any{
			{"role": "user", "content": prompt},
		},
	}
	bs, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("encode request: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := c.cfg.RetryBackoff * time.Duration(attempt-1)
			c.logger.Warn("llm.invoke.retry",
				"req_id", rid, "attempt", attempt, "backoff", backoff, "error", lastErr)
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(backoff):
			}
		}

		res, err := c.complete(ctx, endpoint, bs)
		if err == nil {
			c.logger.Info("llm.invoke.ok",
				"req_id", rid,
				"attempt", attempt,
				"tokens_in", res.TokensIn,
				"tokens_out", res.TokensOut,
				"latency_ms", res.LatencyMS,
			)
			return res, nil
		}

		lastErr = err
		if !retryable(err) {
			break
		}
	}

	c.logger.Error("llm.invoke.failed", "req_id", rid, "error", lastErr)
	return Result{}, fmt.Errorf("%w: %v", common.ErrInvocation, lastErr)
}

func (c *Client) complete(ctx context.Context, endpoint string, body []byte) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}
	latency := time.Since(start).Milliseconds()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, &apiError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 2048)}
	}

	var cc completionResponse
	if err := json.Unmarshal(raw, &cc); err != nil {
		return Result{}, fmt.Errorf("decode response: %w", err)
	}
	if len(cc.Choices) == 0 {
		return Result{}, fmt.Errorf("no choices in response")
	}

	// The service may truncate long output mid-structure; the raw text is
	// still accepted and judged downstream by the synthesizer.
	return Result{
		OutputText: strings.TrimSpace(cc.Choices[0].Message.Content),
		TokensIn:   cc.Usage.PromptTokens,
		TokensOut:  cc.Usage.CompletionTokens,
		LatencyMS:  latency,
	}, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
