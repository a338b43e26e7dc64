package repo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/raeenos/raepkg/internal/catalog"
	"github.com/raeenos/raepkg/internal/fetch"
	"github.com/raeenos/raepkg/internal/models"
	"github.com/raeenos/raepkg/internal/signing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncFixture struct {
	syncer  *Syncer
	manager *Manager
	store   *catalog.Store
	keyring *signing.Keyring
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	dir := t.TempDir()

	logger := testLogger()
	store, err := catalog.Open(filepath.Join(dir, "catalog.db"), logger)
	require.NoError(t, err)

	manager := NewManager(filepath.Join(dir, "repos.d"), logger)
	keyring := signing.NewKeyring(logger)
	client := fetch.NewClient(nil, logger)
	syncer := NewSyncer(manager, store, client, keyring, filepath.Join(dir, "index"), logger)

	return &syncFixture{syncer: syncer, manager: manager, store: store, keyring: keyring}
}

func testIndex(repoName string, names ...string) models.Index {
	ix := models.Index{Schema: models.IndexSchema, Name: repoName}
	for _, name := range names {
		ix.Packages = append(ix.Packages, models.IndexPackage{
			Name:         name,
			Version:      "1.0.0",
			Size:         1024,
			SHA256:       "sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
			Architecture: string(models.ArchUniversal),
		})
	}
	return ix
}

func serveIndex(t *testing.T, ix models.Index) *httptest.Server {
	t.Helper()
	data, err := json.Marshal(ix)
	require.NoError(t, err)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/index.json" {
			w.Write(data)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
}

func TestSyncAll(t *testing.T) {
	fx := newSyncFixture(t)
	srv := serveIndex(t, testIndex("main", "curl", "zlib"))
	defer srv.Close()

	require.NoError(t, fx.manager.Add(models.NewRepository("main", srv.URL, 10)))

	report, err := fx.syncer.SyncAll(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	require.NoError(t, report.Results[0].Err)
	assert.Equal(t, 2, report.Results[0].Packages)

	// catalog carries the entries with the repository's provenance
	pkg, err := fx.store.Get("curl", "1.0.0", "main")
	require.NoError(t, err)
	assert.Equal(t, 10, pkg.Source.Priority)

	// last_sync recorded
	repo, err := fx.manager.Get("main")
	require.NoError(t, err)
	assert.False(t, repo.LastSync.IsZero())
	assert.Equal(t, 2, repo.Packages)
}

func TestSyncAll_FailureIsPerRepository(t *testing.T) {
	fx := newSyncFixture(t)
	good := serveIndex(t, testIndex("good", "curl"))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer bad.Close()

	require.NoError(t, fx.manager.Add(models.NewRepository("bad", bad.URL, 1)))
	require.NoError(t, fx.manager.Add(models.NewRepository("good", good.URL, 2)))

	report, err := fx.syncer.SyncAll(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 2)

	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "bad", failed[0].Repository)
	assert.ErrorIs(t, failed[0].Err, fetch.ErrNetwork)
	assert.False(t, report.AllFailed())

	// the good repository still landed
	_, err = fx.store.Get("curl", "1.0.0", "good")
	assert.NoError(t, err)

	// the failed repository recorded no sync
	repo, err := fx.manager.Get("bad")
	require.NoError(t, err)
	assert.True(t, repo.LastSync.IsZero())
}

func TestSync_ReplacesPreviousIndex(t *testing.T) {
	fx := newSyncFixture(t)

	first := serveIndex(t, testIndex("main", "old-tool"))
	require.NoError(t, fx.manager.Add(models.NewRepository("main", first.URL, 10)))
	_, err := fx.syncer.SyncOne(context.Background(), "main")
	require.NoError(t, err)
	first.Close()

	second := serveIndex(t, testIndex("main", "new-tool"))
	defer second.Close()
	repo, err := fx.manager.Get("main")
	require.NoError(t, err)
	repo.URL = second.URL
	require.NoError(t, fx.manager.Update(repo))

	res, err := fx.syncer.SyncOne(context.Background(), "main")
	require.NoError(t, err)
	require.NoError(t, res.Err)

	_, err = fx.store.Get("new-tool", "1.0.0", "main")
	assert.NoError(t, err)
	_, err = fx.store.Get("old-tool", "1.0.0", "main")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestSync_MirrorFailover(t *testing.T) {
	fx := newSyncFixture(t)
	mirror := serveIndex(t, testIndex("main", "curl"))
	defer mirror.Close()
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer dead.Close()

	repo := models.NewRepository("main", dead.URL, 10)
	repo.Mirrors = []string{mirror.URL}
	require.NoError(t, fx.manager.Add(repo))

	res, err := fx.syncer.SyncOne(context.Background(), "main")
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Packages)
}

func TestSync_RejectsUnknownSchema(t *testing.T) {
	fx := newSyncFixture(t)
	ix := testIndex("main", "curl")
	ix.Schema = 99
	srv := serveIndex(t, ix)
	defer srv.Close()

	require.NoError(t, fx.manager.Add(models.NewRepository("main", srv.URL, 10)))

	res, err := fx.syncer.SyncOne(context.Background(), "main")
	require.NoError(t, err)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "unsupported index schema")
}

func serveSignedIndex(t *testing.T, ix models.Index, signer *signing.Signer) *httptest.Server {
	t.Helper()
	data, err := json.Marshal(ix)
	require.NoError(t, err)
	sig, err := signer.Sign(data).Encode()
	require.NoError(t, err)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/index.json":
			w.Write(data)
		case "/index.json.sig":
			w.Write(sig)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestSync_VerifiesSignature(t *testing.T) {
	fx := newSyncFixture(t)
	fx.syncer.VerifySignatures = true

	pub, priv, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	fx.keyring.Add(pub)

	srv := serveSignedIndex(t, testIndex("main", "curl"), signing.NewSigner(priv))
	defer srv.Close()

	repo := models.NewRepository("main", srv.URL, 10)
	repo.KeyID = signing.KeyID(pub)
	require.NoError(t, fx.manager.Add(repo))

	res, err := fx.syncer.SyncOne(context.Background(), "main")
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Packages)
}

func TestSync_RejectsWrongKey(t *testing.T) {
	fx := newSyncFixture(t)
	fx.syncer.VerifySignatures = true

	pub, priv, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	fx.keyring.Add(pub)

	srv := serveSignedIndex(t, testIndex("main", "curl"), signing.NewSigner(priv))
	defer srv.Close()

	// repository declares a different key than the one that signed
	repo := models.NewRepository("main", srv.URL, 10)
	repo.KeyID = "0000000000000000"
	require.NoError(t, fx.manager.Add(repo))

	res, err := fx.syncer.SyncOne(context.Background(), "main")
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, signing.ErrSignature)
}

func TestSync_RejectsUntrustedSigner(t *testing.T) {
	fx := newSyncFixture(t)
	fx.syncer.VerifySignatures = true

	// signer's key is not in the keyring
	_, priv, err := signing.GenerateKeyPair()
	require.NoError(t, err)

	srv := serveSignedIndex(t, testIndex("main", "curl"), signing.NewSigner(priv))
	defer srv.Close()

	require.NoError(t, fx.manager.Add(models.NewRepository("main", srv.URL, 10)))

	res, err := fx.syncer.SyncOne(context.Background(), "main")
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, signing.ErrUnknownKey)
}

func TestSync_UnsignedPolicy(t *testing.T) {
	tests := []struct {
		name          string
		trusted       bool
		allowUnsigned bool
		wantErr       bool
	}{
		{"untrusted unsigned rejected", false, false, true},
		{"untrusted unsigned rejected despite override", false, true, true},
		{"trusted unsigned needs override", true, false, true},
		{"trusted unsigned accepted with override", true, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newSyncFixture(t)
			fx.syncer.VerifySignatures = true
			fx.syncer.AllowUnsigned = tt.allowUnsigned

			srv := serveIndex(t, testIndex("main", "curl"))
			defer srv.Close()

			repo := models.NewRepository("main", srv.URL, 10)
			repo.Trusted = tt.trusted
			require.NoError(t, fx.manager.Add(repo))

			res, err := fx.syncer.SyncOne(context.Background(), "main")
			require.NoError(t, err)
			if tt.wantErr {
				assert.ErrorIs(t, res.Err, signing.ErrSignature)
			} else {
				assert.NoError(t, res.Err)
			}
		})
	}
}

func TestSync_InstalledEntrySurvivesDrop(t *testing.T) {
	fx := newSyncFixture(t)
	ctx := context.Background()

	first := serveIndex(t, testIndex("main", "keeper"))
	require.NoError(t, fx.manager.Add(models.NewRepository("main", first.URL, 10)))
	_, err := fx.syncer.SyncOne(ctx, "main")
	require.NoError(t, err)
	first.Close()

	pkg, err := fx.store.Get("keeper", "1.0.0", "main")
	require.NoError(t, err)
	require.NoError(t, fx.store.MarkInstalled(ctx, pkg, "/", pkg.InstallTime, ""))

	// new index no longer carries the package
	second := serveIndex(t, testIndex("main"))
	defer second.Close()
	repo, err := fx.manager.Get("main")
	require.NoError(t, err)
	repo.URL = second.URL
	require.NoError(t, fx.manager.Update(repo))

	res, err := fx.syncer.SyncOne(ctx, "main")
	require.NoError(t, err)
	require.NoError(t, res.Err)

	// still present because an installation references it
	owner, err := fx.store.InstalledOwner("keeper")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInstalled, owner.Status)
}
