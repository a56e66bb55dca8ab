package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"logshipper/internal/task/engine"
)

const maxErrorBody = 512

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("endpoint returned status %d", e.Code)
	}
	return fmt.Sprintf("endpoint returned status %d: %s", e.Code, e.Body)
}

// SetHeaders applies the headers every ingestion request carries.
func SetHeaders(h http.Header, apiKey string) {
	h.Set("Accept", "application/json")
	h.Set("Content-Type", "application/json")
	h.Set("X-Project-Key", apiKey)
}

// post sends one request. Every non-2xx status is returned as a retryable
// *StatusError; a 429 also carries its Retry-After hint for the engine.
func post(ctx context.Context, client *http.Client, a Attempt, compress bool) error {
	body := a.Body
	if compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return engine.NoRetry(fmt.Errorf("gzip body: %w", err))
		}
		if err := zw.Close(); err != nil {
			return engine.NoRetry(fmt.Errorf("gzip body: %w", err))
		}
		body = buf.Bytes()
	}

	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, bytes.NewReader(body))
	if err != nil {
		return engine.NoRetry(fmt.Errorf("build request: %w", err))
	}
	SetHeaders(req.Header, a.APIKey)
	if compress {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	serr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	if resp.StatusCode == http.StatusTooManyRequests {
		if d := parseRetryAfter(resp.Header.Get("Retry-After")); d > 0 {
			return engine.RetryAfter(serr, d)
		}
	}
	return serr
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
