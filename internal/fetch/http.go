package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// statusError is an HTTP response with a non-success status.
type statusError struct {
	code int
	url  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.code, e.url)
}

// retryable reports whether the status is worth another attempt. Client
// errors are final except for timeouts and throttling.
func (e *statusError) retryable() bool {
	switch {
	case e.code >= 500:
		return true
	case e.code == http.StatusRequestTimeout, e.code == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

type httpBackend struct {
	client *http.Client
	creds  CredentialSource
}

func newHTTPBackend(creds CredentialSource) *httpBackend {
	// No overall client timeout: archive bodies may legitimately stream for
	// minutes. Attempt deadlines come from the caller's context.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   ReadTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: ReadTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   8,
	}
	return &httpBackend{
		client: &http.Client{Transport: transport},
		creds:  creds,
	}
}

func (b *httpBackend) open(ctx context.Context, u *url.URL) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "raepkg")

	if b.creds != nil {
		if user, pass, ok := b.creds.Credentials(u.Host); ok {
			req.SetBasicAuth(user, pass)
		}
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request to %s failed: %w", u.Host, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, &statusError{code: resp.StatusCode, url: u.String()}
	}
	return resp.Body, resp.ContentLength, nil
}
