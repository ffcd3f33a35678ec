// Package connector fetches community knowledge from external services and
// writes it into a project's knowledge database.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "osakb/1.0 (+https://github.com/kalambet/osakb)"
	maxRetries       = 3
	initialBackoff   = 500 * time.Millisecond
	maxRetryAfter    = 60 * time.Second
	maxResponseBytes = 32 << 20
	defaultBatchSize = 50
)

// ErrRateLimited is returned when a server keeps answering 429 after all retries.
var ErrRateLimited = errors.New("rate limited")

// HTTPError is a non-2xx response.
type HTTPError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("GET %s: unexpected status %d: %s", e.URL, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

// Retryable reports whether the request may succeed if repeated later.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsNotFound reports whether err is an HTTP 404.
func IsNotFound(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == http.StatusNotFound
}

// Fetcher issues GET requests with a shared user agent and per-request
// timeout, retrying 429 responses after the server's Retry-After delay.
type Fetcher struct {
	client    *http.Client
	userAgent string
	timeout   time.Duration
	logger    *slog.Logger
}

// NewFetcher creates a Fetcher. Zero values select the defaults.
func NewFetcher(userAgent string, timeout time.Duration) *Fetcher {
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Fetcher{
		client:    &http.Client{},
		userAgent: userAgent,
		timeout:   timeout,
		logger:    slog.Default(),
	}
}

// WithClient returns a copy of f that sends requests through c.
func (f *Fetcher) WithClient(c *http.Client) *Fetcher {
	cp := *f
	cp.client = c
	return &cp
}

// WithTimeout returns a copy of f with a different per-request timeout.
func (f *Fetcher) WithTimeout(d time.Duration) *Fetcher {
	cp := *f
	cp.timeout = d
	return &cp
}

// Get fetches rawURL and returns the response body.
func (f *Fetcher) Get(ctx context.Context, rawURL string, header http.Header) ([]byte, error) {
	var lastErr error
	for attempt := range maxRetries {
		body, retryAfter, err := f.do(ctx, rawURL, header)
		if err == nil {
			return body, nil
		}
		if retryAfter < 0 {
			return nil, err
		}
		lastErr = err
		if attempt == maxRetries-1 {
			break
		}
		if retryAfter == 0 {
			retryAfter = time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
		}
		f.logger.Warn("rate limited, retrying", "url", rawURL, "attempt", attempt+1, "delay", retryAfter)
		if err := sleep(ctx, retryAfter); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRateLimited, maxRetries, lastErr)
}

// GetJSON fetches rawURL and decodes the JSON body into v.
func (f *Fetcher) GetJSON(ctx context.Context, rawURL string, header http.Header, v any) error {
	body, err := f.Get(ctx, rawURL, header)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding %s: %w", rawURL, err)
	}
	return nil
}

// do performs one request. retryAfter is negative unless the server answered 429.
func (f *Fetcher) do(ctx context.Context, rawURL string, header http.Header) ([]byte, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, -1, fmt.Errorf("creating request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, -1, fmt.Errorf("GET %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, parseRetryAfter(resp.Header.Get("Retry-After")), &HTTPError{StatusCode: resp.StatusCode, URL: rawURL}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, -1, &HTTPError{StatusCode: resp.StatusCode, URL: rawURL, Body: strings.TrimSpace(string(snippet))}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, -1, fmt.Errorf("reading %s: %w", rawURL, err)
	}
	return body, -1, nil
}

// parseRetryAfter accepts delay-seconds or an HTTP date. Zero means the
// header was absent or unparseable.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if t, err := http.ParseTime(v); err == nil {
		d = time.Until(t)
	}
	if d < 0 {
		return 0
	}
	return min(d, maxRetryAfter)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
