package fetch

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient() *Client {
	c := NewClient(nil, testLogger())
	c.backoff = time.Millisecond
	c.backoffCap = 5 * time.Millisecond
	return c
}

func TestFetchBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"schema": 1}`))
	}))
	defer srv.Close()

	data, err := newTestClient().FetchBytes(context.Background(), []string{srv.URL + "/index.json"})
	require.NoError(t, err)
	assert.Equal(t, `{"schema": 1}`, string(data))
}

func TestFetchBytes_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	data, err := newTestClient().FetchBytes(context.Background(), []string{srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchBytes_NotFoundIsFinal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient().FetchBytes(context.Background(), []string{srv.URL})
	require.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, int32(1), calls.Load(), "client errors must not be retried")
}

func TestFetchBytes_MirrorFailover(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("from mirror"))
	}))
	defer good.Close()

	data, err := newTestClient().FetchBytes(context.Background(), []string{bad.URL, good.URL})
	require.NoError(t, err)
	assert.Equal(t, "from mirror", string(data))
}

func TestFetchBytes_AllMirrorsExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient().FetchBytes(context.Background(), []string{srv.URL, srv.URL + "/mirror"})
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestFetchBytes_NoURLs(t *testing.T) {
	_, err := newTestClient().FetchBytes(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestFetchBytes_Cancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestClient().FetchBytes(ctx, []string{srv.URL})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetchBytes_BasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "alice" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("private"))
	}))
	defer srv.Close()

	c := NewClient(staticCreds{user: "alice", pass: "secret"}, testLogger())
	c.backoff = time.Millisecond

	data, err := c.FetchBytes(context.Background(), []string{srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "private", string(data))
}

type staticCreds struct {
	user, pass string
}

func (s staticCreds) Credentials(host string) (string, string, bool) {
	return s.user, s.pass, true
}

func TestDownloadFile(t *testing.T) {
	payload := []byte("archive payload bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "archives", "abc.pkg")
	n, err := newTestClient().DownloadFile(context.Background(), []string{srv.URL}, dest)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDownloadFile_NoPartialFileOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "abc.pkg")
	_, err := newTestClient().DownloadFile(context.Background(), []string{srv.URL}, dest)
	require.ErrorIs(t, err, ErrNetwork)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "failed download left files behind")
}

func TestDownloadFile_Progress(t *testing.T) {
	payload := make([]byte, 64<<10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	c := newTestClient()
	var last atomic.Int64
	c.Progress = func(url string, written, total int64) {
		last.Store(written)
	}

	dest := filepath.Join(t.TempDir(), "big.pkg")
	_, err := c.DownloadFile(context.Background(), []string{srv.URL}, dest)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), last.Load())
}

func TestFileScheme(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "index.json")
	require.NoError(t, os.WriteFile(src, []byte(`{"schema": 1}`), 0o644))

	data, err := newTestClient().FetchBytes(context.Background(), []string{"file://" + src})
	require.NoError(t, err)
	assert.Equal(t, `{"schema": 1}`, string(data))
}

func TestFileScheme_Missing(t *testing.T) {
	_, err := newTestClient().FetchBytes(context.Background(), []string{"file:///does/not/exist.json"})
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestUnsupportedScheme(t *testing.T) {
	_, err := newTestClient().FetchBytes(context.Background(), []string{"gopher://example.com/x"})
	require.ErrorIs(t, err, ErrNetwork)
	assert.Contains(t, err.Error(), "unsupported URL scheme")
}

func TestExtractRegion(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
	}{
		{"s3.us-east-1.amazonaws.com", "us-east-1"},
		{"s3-eu-west-2.amazonaws.com", "eu-west-2"},
		{"minio.internal:9000", ""},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			assert.Equal(t, tt.want, extractRegion(tt.endpoint))
		})
	}
}
