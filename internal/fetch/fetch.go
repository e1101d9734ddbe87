// Package fetch performs outbound HTTPS requests with per-call deadlines.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout is the per-call deadline applied when none is configured.
const DefaultTimeout = 10 * time.Second

// maxBodyBytes caps the size of any fetched response body.
const maxBodyBytes = 1 << 20 // 1 MiB

// Fetch errors.
var (
	ErrTimeout = errors.New("request deadline exceeded")
	ErrNetwork = errors.New("network request failed")
)

// StatusError reports a non-2xx HTTP response.
type StatusError struct {
	Code   int
	Status string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d %s", e.Code, e.Status)
}

// Client performs HTTP GETs with a bounded per-call deadline.
// It never retries; callers decide their own retry policy.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
}

// New creates a Client with the given per-call timeout.
// A non-positive timeout falls back to DefaultTimeout.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient: &http.Client{},
		timeout:    timeout,
	}
}

// Get performs a GET request against url. The per-call deadline is layered
// on top of ctx, so inbound request cancellation propagates to the outbound
// call. The caller owns the response body.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, url)
		}
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}

	// The cancel func must outlive the body read; tie it to body close.
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}

	return resp, nil
}

// GetJSON fetches url, fails with *StatusError on a non-2xx response, and
// decodes the body into v.
func (c *Client) GetJSON(ctx context.Context, url string, v any) error {
	resp, err := c.Get(ctx, url)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	body := io.LimitReader(resp.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return fmt.Errorf("decoding response from %s: %w", url, err)
	}

	return nil
}

// cancelOnClose releases the request's timeout context when the body is
// closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

// Close closes the body and cancels the per-call context.
func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
