package refine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sketch/internal/schema"
)

const (
	// DefaultTimeout bounds one generate call.
	DefaultTimeout = 10 * time.Second
	// DefaultMaxRetries is the transient-failure retry budget.
	DefaultMaxRetries = 2
	// retryBackoff is the initial wait between attempts; it doubles per
	// retry.
	retryBackoff = 500 * time.Millisecond
)

// Logger is the logging seam. *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// ClientOptions configures the HTTP refiner.
type ClientOptions struct {
	// BaseURL is the endpoint root, e.g. "http://localhost:11434".
	BaseURL string
	// Model is the model name passed through to the endpoint.
	Model string
	// Timeout bounds one request. Zero means DefaultTimeout.
	Timeout time.Duration
	// MaxRetries bounds transient-failure retries. Negative disables
	// retrying; zero means DefaultMaxRetries.
	MaxRetries int
}

// Client speaks an Ollama-style generate API.
type Client struct {
	opts ClientOptions
	http *http.Client
	log  Logger
}

// NewClient returns a Client. A nil logger disables logging.
func NewClient(opts ClientOptions, log Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if log == nil {
		log = nopLogger{}
	}
	return &Client{
		opts: opts,
		http: &http.Client{Timeout: opts.Timeout},
		log:  log,
	}
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Refine sends the schema to the model and overlays the additive parts of
// its answer. Transient transport failures are retried with backoff up to
// the configured budget; malformed responses are not retried.
func (c *Client) Refine(ctx context.Context, s schema.Schema, docContext string, temperature float64) (Result, error) {
	start := time.Now()

	schemaJSON, err := s.EncodeJSON()
	if err != nil {
		return Result{Schema: s}, fmt.Errorf("refine: encode schema: %w", err)
	}
	prompt := buildPrompt(string(schemaJSON), docContext)

	var (
		raw     string
		retries int
	)
	backoff := retryBackoff
	for attempt := 0; ; attempt++ {
		raw, err = c.generate(ctx, prompt, temperature)
		if err == nil {
			break
		}
		var nerr *NetworkError
		if !errors.As(err, &nerr) || !nerr.Transient || attempt >= c.opts.MaxRetries {
			return Result{Schema: s, Retries: retries}, err
		}
		retries++
		c.log.Printf("stage=refine transient failure, retry %d/%d: %v", retries, c.opts.MaxRetries, err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return Result{Schema: s, Retries: retries}, ctx.Err()
		}
		backoff *= 2
	}

	refined, decodeErr := schema.DecodeJSON([]byte(stripFences(raw)))
	if decodeErr != nil {
		return Result{Schema: s, Retries: retries},
			&NetworkError{Op: "parse model response", Err: decodeErr, Transient: false}
	}

	merged, changed, warnings := overlay(s, refined)
	res := Result{
		Schema:   merged,
		Refined:  changed,
		Model:    c.opts.Model,
		Retries:  retries,
		Warnings: warnings,
		Duration: time.Since(start),
	}
	c.log.Printf("stage=refine ok model=%s refined=%v warnings=%d duration=%s",
		c.opts.Model, changed, len(warnings), res.Duration.Round(time.Millisecond))
	return res, nil
}

func (c *Client) generate(ctx context.Context, prompt string, temperature float64) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:   c.opts.Model,
		Prompt:  prompt,
		Stream:  false,
		Options: generateOptions{Temperature: temperature},
	})
	if err != nil {
		return "", fmt.Errorf("refine: encode request: %w", err)
	}

	url := strings.TrimSuffix(c.opts.BaseURL, "/") + "/api/generate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("refine: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Connection and timeout failures are worth retrying; the endpoint
		// may just be warming up.
		return "", &NetworkError{Op: "call " + url, Err: fmt.Errorf("%w: %v", ErrUnavailable, err), Transient: true}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", &NetworkError{Op: "read response", Err: err, Transient: true}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", &NetworkError{
			Op:        "call " + url,
			Err:       fmt.Errorf("status %d: %s", resp.StatusCode, truncate(payload, 200)),
			Transient: true,
		}
	default:
		return "", &NetworkError{
			Op:        "call " + url,
			Err:       fmt.Errorf("status %d: %s", resp.StatusCode, truncate(payload, 200)),
			Transient: false,
		}
	}

	var out generateResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", &NetworkError{Op: "decode response", Err: err, Transient: false}
	}
	return out.Response, nil
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
