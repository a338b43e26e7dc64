// Package fetch retrieves repository indexes and package archives over the
// transports a repository URL can name: http(s), file, and s3.
//
// All retrieval goes through Client, which owns the retry policy: up to three
// attempts per URL with exponential backoff, rotating to the next mirror after
// a URL's attempts are exhausted. Verification of what was fetched is the
// caller's concern; fetch reports transport failures as ErrNetwork.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// ErrNetwork indicates a transport failure after all mirrors and retries
// were exhausted.
var ErrNetwork = errors.New("network failure")

const (
	// ReadTimeout bounds a single index or metadata fetch attempt.
	ReadTimeout = 30 * time.Second

	// ArchiveTimeout bounds a single archive download attempt.
	ArchiveTimeout = 5 * time.Minute

	// MaxAttempts is the number of tries per URL before rotating to the
	// next mirror.
	MaxAttempts = 3

	backoffInitial = 1 * time.Second
	backoffMax     = 30 * time.Second
)

// CredentialSource supplies credentials for authenticated repository hosts.
// HTTP backends send them as basic auth; the s3 backend uses them as access
// and secret key.
type CredentialSource interface {
	Credentials(host string) (username, password string, ok bool)
}

// ProgressFunc observes download progress. total is -1 when the remote did
// not announce a length.
type ProgressFunc func(url string, written, total int64)

// Client retrieves artifacts across all supported URL schemes.
type Client struct {
	http     *httpBackend
	s3       *s3Backend
	creds    CredentialSource
	logger   *slog.Logger
	Progress ProgressFunc

	backoff    time.Duration
	backoffCap time.Duration
}

// NewClient creates a fetch client. creds may be nil for anonymous access.
func NewClient(creds CredentialSource, logger *slog.Logger) *Client {
	return &Client{
		http:       newHTTPBackend(creds),
		s3:         newS3Backend(creds, logger),
		creds:      creds,
		logger:     logger,
		backoff:    backoffInitial,
		backoffCap: backoffMax,
	}
}

// FetchBytes retrieves a small artifact (index, signature) into memory,
// trying each URL in order with the retry policy. Each attempt is bounded by
// ReadTimeout.
func (c *Client) FetchBytes(ctx context.Context, urls []string) ([]byte, error) {
	var data []byte
	err := c.withRetries(ctx, urls, ReadTimeout, func(ctx context.Context, rawURL string) error {
		body, _, err := c.open(ctx, rawURL)
		if err != nil {
			return err
		}
		defer body.Close()

		data, err = io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("failed to read response from %s: %w", rawURL, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// DownloadFile streams an archive to dest, trying each URL in order with the
// retry policy. Each attempt is bounded by ArchiveTimeout. The file appears
// at dest atomically: a failed attempt leaves no partial file behind.
func (c *Client) DownloadFile(ctx context.Context, urls []string, dest string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create download directory: %w", err)
	}

	var written int64
	err := c.withRetries(ctx, urls, ArchiveTimeout, func(ctx context.Context, rawURL string) error {
		body, total, err := c.open(ctx, rawURL)
		if err != nil {
			return err
		}
		defer body.Close()

		n, err := c.writeAtomic(dest, rawURL, body, total)
		if err != nil {
			return err
		}
		written = n
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// open dispatches on the URL scheme and returns the artifact body plus its
// announced size (-1 if unknown).
func (c *Client) open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}

	switch u.Scheme {
	case "http", "https":
		return c.http.open(ctx, u)
	case "file":
		return openFile(u)
	case "s3":
		return c.s3.open(ctx, u)
	default:
		return nil, 0, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
}

// withRetries runs op against each URL in turn, up to MaxAttempts times per
// URL with exponential backoff between attempts. Context cancellation stops
// the whole sequence immediately.
func (c *Client) withRetries(ctx context.Context, urls []string, attemptTimeout time.Duration, op func(context.Context, string) error) error {
	if len(urls) == 0 {
		return fmt.Errorf("%w: no URLs to try", ErrNetwork)
	}

	var lastErr error
	for _, rawURL := range urls {
		delay := c.backoff
		for attempt := 1; attempt <= MaxAttempts; attempt++ {
			attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
			err := op(attemptCtx, rawURL)
			cancel()
			if err == nil {
				return nil
			}
			lastErr = err

			if ctx.Err() != nil {
				return fmt.Errorf("fetch cancelled: %w", ctx.Err())
			}
			if !retryable(err) {
				c.logger.Debug("Fetch failed, not retryable",
					"url", rawURL,
					"error", err)
				break
			}

			c.logger.Warn("Fetch attempt failed",
				"url", rawURL,
				"attempt", attempt,
				"max_attempts", MaxAttempts,
				"error", err)

			if attempt < MaxAttempts {
				if err := sleepCtx(ctx, delay); err != nil {
					return fmt.Errorf("fetch cancelled: %w", err)
				}
				delay *= 2
				if delay > c.backoffCap {
					delay = c.backoffCap
				}
			}
		}
	}

	return fmt.Errorf("%w: all mirrors exhausted: %v", ErrNetwork, lastErr)
}

// writeAtomic streams body to a temp file in dest's directory, fsyncs, and
// renames into place.
func (c *Client) writeAtomic(dest, rawURL string, body io.Reader, total int64) (written int64, err error) {
	tempFile, err := os.CreateTemp(filepath.Dir(dest), ".fetch-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempFile.Name())
		}
	}()

	reader := body
	if c.Progress != nil {
		reader = &progressReader{r: body, url: rawURL, total: total, fn: c.Progress}
	}

	written, err = io.Copy(tempFile, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to write download from %s: %w", rawURL, err)
	}
	if err := tempFile.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync download: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return 0, fmt.Errorf("failed to close download: %w", err)
	}

	name := tempFile.Name()
	tempFile = nil // rename now owns the file
	if err := os.Rename(name, dest); err != nil {
		os.Remove(name)
		return 0, fmt.Errorf("failed to move download into place: %w", err)
	}
	return written, nil
}

// retryable reports whether another attempt could plausibly succeed.
func retryable(err error) bool {
	var status *statusError
	if errors.As(err, &status) {
		return status.retryable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// timeouts, refused connections, resets: retry
	return true
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

type progressReader struct {
	r       io.Reader
	url     string
	total   int64
	written int64
	fn      ProgressFunc
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.written += int64(n)
		p.fn(p.url, p.written, p.total)
	}
	return n, err
}
