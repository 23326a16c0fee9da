// Package fetch downloads files from the forecast server.
//
// It builds request URLs from a Source, throttles every request through a
// shared rate limiter so the server is never hammered, and classifies
// failures so callers can tell "not published yet" and transient faults
// (retry later) from permanent rejections (give up).
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// maxBody caps a single response. Subset GRIB2 files are a few MB; a full
// CONUS file is a few hundred.
var maxBody int64 = 1 << 30

// notPresentMarker is how the grib filter reports a missing file when it
// answers 200 with an HTML page instead of a 404.
var notPresentMarker = []byte("data file is not present")

// ErrNotYetAvailable means the file has not been published yet.
var ErrNotYetAvailable = errors.New("file not yet available")

// TransientError wraps failures worth retrying: network errors, timeouts,
// 429 and 5xx responses.
type TransientError struct {
	URL  string
	Code int // 0 for transport errors
	Err  error
}

func (e *TransientError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("fetch %s: transient status %d: %v", e.URL, e.Code, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// StatusError is a non-retryable HTTP response.
type StatusError struct {
	URL    string
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Status)
}

// IsRetryable reports whether err should lead to another attempt rather
// than abandoning the download.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrNotYetAvailable) {
		return true
	}
	var te *TransientError
	return errors.As(err, &te)
}

// Getter is the subset of Client the rest of the module depends on.
type Getter interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Client is a politeness-limited HTTP client.
type Client struct {
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
}

// NewClient creates a Client. rps <= 0 disables throttling.
func NewClient(timeout time.Duration, rps float64, burst int, userAgent string) *Client {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst < 1 {
		burst = 1
	}
	return &Client{
		client:    &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(limit, burst),
		userAgent: userAgent,
	}
}

// Get retrieves url and returns the body of a 200 response.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &TransientError{URL: url, Err: fmt.Errorf("rate limiter wait: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &StatusError{URL: url, Status: err.Error()}
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransientError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, fmt.Errorf("fetch %s: %w", url, ErrNotYetAvailable)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &TransientError{URL: url, Code: resp.StatusCode, Err: errors.New(resp.Status)}
	case resp.StatusCode != http.StatusOK:
		return nil, &StatusError{URL: url, Code: resp.StatusCode, Status: resp.Status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if err != nil {
		return nil, &TransientError{URL: url, Err: fmt.Errorf("read body: %w", err)}
	}
	if int64(len(body)) > maxBody {
		return nil, &StatusError{URL: url, Code: resp.StatusCode, Status: fmt.Sprintf("response body exceeds %d bytes", maxBody)}
	}
	if isHTML(resp.Header.Get("Content-Type")) && bytes.Contains(body, notPresentMarker) {
		return nil, fmt.Errorf("fetch %s: %w", url, ErrNotYetAvailable)
	}
	return body, nil
}

func isHTML(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "text/html"
}
