// Package uploader ships pending aggregates to the ingestion server in
// bounded chunks, with retries, backoff and per-record reconciliation.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/usagepulse/usagepulse/internal/api"
	"github.com/usagepulse/usagepulse/internal/model"
)

// ErrAuth means the server rejected the API key. It is fatal for the run:
// the operator has to re-authenticate, retrying will not help.
var ErrAuth = errors.New("authentication rejected by server")

const (
	defaultMaxRecords  = 500
	defaultMaxBytes    = 8 << 20 // stays under the server's 10 MB payload cap
	defaultMaxAttempts = 4
	defaultBackoff     = 1 * time.Second
	defaultTimeout     = 30 * time.Second
)

// Config controls chunking and retry behaviour.
type Config struct {
	BaseURL     string
	APIKey      string
	MaxRecords  int           // record-count ceiling per chunk
	MaxBytes    int           // serialized-size ceiling per chunk
	MaxAttempts int           // attempts per chunk for retryable failures
	Backoff     time.Duration // base backoff, doubled per attempt
	Timeout     time.Duration // per-request timeout
}

func (c Config) withDefaults() Config {
	if c.MaxRecords <= 0 {
		c.MaxRecords = defaultMaxRecords
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = defaultMaxBytes
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Backoff <= 0 {
		c.Backoff = defaultBackoff
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return c
}

// Record is one serialized aggregate awaiting upload.
type Record struct {
	ID      string
	Payload json.RawMessage
}

// Outcome reconciles one upload call: accepted identifiers belong in the
// ledger, rejected ones were refused by validation and are dropped, failed
// counts records left unacknowledged for the next run.
type Outcome struct {
	Accepted []string
	Rejected []string
	Failed   int
}

// Client uploads aggregates of one granularity at a time.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

// New creates an upload client.
func New(cfg Config, log *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}
}

// batchPath maps an upload type to its endpoint path segment.
func batchPath(uploadType string) (string, error) {
	switch uploadType {
	case model.UploadTypeDaily:
		return "daily", nil
	case model.UploadTypeSession:
		return "sessions", nil
	case model.UploadTypeBlock:
		return "blocks", nil
	}
	return "", fmt.Errorf("unknown upload type %q", uploadType)
}

// Upload splits records into chunks bounded by both the record-count and
// serialized-size ceilings and submits them sequentially. A chunk that
// exhausts its retries is left unacknowledged; later chunks still run.
// Only an authentication rejection aborts the whole upload.
func (c *Client) Upload(ctx context.Context, uploadType string, records []Record) (Outcome, error) {
	var out Outcome
	if len(records) == 0 {
		return out, nil
	}

	segment, err := batchPath(uploadType)
	if err != nil {
		return out, err
	}
	url := fmt.Sprintf("%s/api/usage/%s/batch", c.cfg.BaseURL, segment)

	for _, chunk := range c.chunk(records) {
		resp, err := c.submitChunk(ctx, url, chunk)
		if err != nil {
			if errors.Is(err, ErrAuth) {
				out.Failed += len(chunk)
				return out, err
			}
			c.log.Warn("chunk unacknowledged after retries",
				"type", uploadType, "records", len(chunk), "error", err)
			out.Failed += len(chunk)
			continue
		}

		for _, res := range resp.Results {
			if res.Index < 0 || res.Index >= len(chunk) {
				continue
			}
			switch res.Status {
			case api.StatusAccepted:
				out.Accepted = append(out.Accepted, chunk[res.Index].ID)
			case api.StatusRejected:
				c.log.Warn("record rejected by server",
					"type", uploadType, "identifier", chunk[res.Index].ID, "reason", res.Error)
				out.Rejected = append(out.Rejected, chunk[res.Index].ID)
			}
		}
	}

	return out, nil
}

// chunk splits records so that every chunk respects both ceilings. A single
// oversized record still travels alone; the server enforces the hard cap.
func (c *Client) chunk(records []Record) [][]Record {
	var chunks [][]Record
	var current []Record
	size := 0

	for _, r := range records {
		recSize := len(r.Payload) + 1 // comma separator
		if len(current) > 0 && (len(current) >= c.cfg.MaxRecords || size+recSize > c.cfg.MaxBytes) {
			chunks = append(chunks, current)
			current = nil
			size = 0
		}
		current = append(current, r)
		size += recSize
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// submitChunk POSTs one chunk, retrying on network errors and 5xx with
// exponential backoff. A 429 waits out the server's Retry-After without
// consuming an attempt.
func (c *Client) submitChunk(ctx context.Context, url string, chunk []Record) (*api.BatchResponse, error) {
	payloads := make([]json.RawMessage, len(chunk))
	for i, r := range chunk {
		payloads[i] = r.Payload
	}
	body, err := json.Marshal(api.BatchRequest{Records: payloads})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.cfg.Backoff << (attempt - 1)
			c.log.Debug("retrying chunk", "attempt", attempt+1, "backoff", backoff)
			if err := sleepCtx(ctx, backoff); err != nil {
				return nil, err
			}
		}

		resp, retryAfter, err := c.post(ctx, url, body)
		if err == nil {
			return resp, nil
		}
		var perm *permanentError
		if errors.Is(err, ErrAuth) || errors.As(err, &perm) {
			return nil, err
		}
		if retryAfter > 0 {
			// Rate limited: pace to the server's hint, don't burn an attempt.
			c.log.Debug("rate limited", "retry_after", retryAfter)
			if err := sleepCtx(ctx, retryAfter); err != nil {
				return nil, err
			}
			attempt--
			continue
		}
		lastErr = err
	}
	return nil, fmt.Errorf("retries exhausted: %w", lastErr)
}

// post performs one request. retryAfter is non-zero only for 429 responses.
func (c *Client) post(ctx context.Context, url string, body []byte) (*api.BatchResponse, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusMultiStatus:
		var batchResp api.BatchResponse
		if err := json.NewDecoder(resp.Body).Decode(&batchResp); err != nil {
			return nil, 0, fmt.Errorf("decode response: %w", err)
		}
		return &batchResp, 0, nil

	case resp.StatusCode == http.StatusUnauthorized:
		return nil, 0, ErrAuth

	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, parseRetryAfter(resp), fmt.Errorf("rate limited")

	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("server returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// Client-side problem, e.g. malformed payload. Retrying the
			// identical bytes cannot succeed.
			return nil, 0, &permanentError{err: err}
		}
		return nil, 0, err
	}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func parseRetryAfter(resp *http.Response) time.Duration {
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
