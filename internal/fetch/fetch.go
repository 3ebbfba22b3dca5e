// Package fetch is the concrete HTTP downloader backing the spec's
// opaque "fetch(url, path)" external collaborator (C13). Grounded on
// other_examples/60775a78_arc-language-upkg__pkg-pacman-manager.go.go's
// downloadFile/Client.Download shape, extended with the bounded
// retry/backoff spec.md §5 delegates to "the downloader's retry policy".
package fetch

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// Client fetches URLs to local paths with retry.
type Client struct {
	HTTP       *http.Client
	MaxRetries int
	BaseDelay  time.Duration
}

// NewClient returns a Client with sane defaults: 3 retries, 250ms base
// backoff, 2 minute request timeout.
func NewClient() *Client {
	return &Client{
		HTTP:       &http.Client{Timeout: 2 * time.Minute},
		MaxRetries: 3,
		BaseDelay:  250 * time.Millisecond,
	}
}

// Get downloads url to dest via a temp file + rename, retrying transient
// failures (network errors, 5xx) up to MaxRetries times with exponential
// backoff: the delay starts at BaseDelay and doubles on each retry, with
// no upper cap on a single delay.
func (c *Client) Get(ctx context.Context, url, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return errors.Wrapf(err, "creating directory for %s", dest)
	}

	var lastErr error
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.BaseDelay << uint(attempt-1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := c.tryGet(ctx, url, dest); err != nil {
			lastErr = err
			if !isRetryable(err) {
				break
			}
			continue
		}
		return nil
	}

	return errors.Wrapf(lastErr, "fetching %s", url)
}

func (c *Client) tryGet(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &retryableError{err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &retryableError{errors.Errorf("server error: %s", resp.Status)}
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status: %s", resp.Status)
	}

	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return &retryableError{err}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, dest)
}

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	_, ok := err.(*retryableError)
	return ok
}
