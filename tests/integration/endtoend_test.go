package integration

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/raeenos/raepkg/internal/archive"
	"github.com/raeenos/raepkg/internal/auth"
	"github.com/raeenos/raepkg/internal/catalog"
	"github.com/raeenos/raepkg/internal/config"
	"github.com/raeenos/raepkg/internal/fetch"
	"github.com/raeenos/raepkg/internal/models"
	"github.com/raeenos/raepkg/internal/repo"
	"github.com/raeenos/raepkg/internal/resolver"
	"github.com/raeenos/raepkg/internal/server"
	"github.com/raeenos/raepkg/internal/server/handlers"
	"github.com/raeenos/raepkg/internal/signing"
	"github.com/raeenos/raepkg/internal/storage"
	"github.com/raeenos/raepkg/internal/txn"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// publisher owns a repository directory: it builds signed archives into it
// and republishes the signed index.
type publisher struct {
	root   string
	signer *signing.Signer
	pub    ed25519.PublicKey
	gen    int
}

func newPublisher(t *testing.T) *publisher {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, storage.ArchiveSubdir), 0o755))

	pub, priv, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	return &publisher{root: root, signer: signing.NewSigner(priv), pub: pub}
}

// publish builds a signed archive for one package into the repository.
func (p *publisher) publish(t *testing.T, entry models.IndexPackage, files map[string]string) {
	t.Helper()
	payload := t.TempDir()
	for rel, content := range files {
		full := filepath.Join(payload, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o755))
	}
	if entry.Architecture == "" {
		entry.Architecture = string(models.ArchUniversal)
	}
	dest := filepath.Join(p.root, storage.ArchiveSubdir,
		archive.FileName(entry.Name, entry.Version, models.Architecture(entry.Architecture)))
	_, _, err := archive.Build(dest, entry, payload, p.signer)
	require.NoError(t, err)
}

// publishIndex regenerates the signed index. The mtime bump makes each
// publication distinguishable to the server's change detection even on
// coarse-grained filesystems.
func (p *publisher) publishIndex(t *testing.T) {
	t.Helper()
	_, err := storage.Generate(p.root, "main", p.signer, testLogger())
	require.NoError(t, err)

	p.gen++
	stamp := time.Now().Add(time.Duration(p.gen) * 2 * time.Second)
	for _, name := range []string{storage.IndexFile, storage.IndexSigFile} {
		require.NoError(t, os.Chtimes(filepath.Join(p.root, name), stamp, stamp))
	}
}

// serve starts raepkgd's router over the repository. usersFile is empty for
// anonymous access.
func (p *publisher) serve(t *testing.T, usersFile string) *httptest.Server {
	t.Helper()
	logger := testLogger()
	dir, err := storage.Open(p.root, logger)
	require.NoError(t, err)

	authType := "none"
	var authenticator auth.Authenticator = auth.NewNone()
	if usersFile != "" {
		authType = "basic"
		authenticator, err = auth.NewBasic(usersFile, logger)
		require.NoError(t, err)
	}

	cfg := &config.DaemonConfig{
		Server:  config.ServerConfig{Port: 0, Host: "127.0.0.1"},
		Repo:    config.RepoConfig{Name: "main", Root: p.root},
		Auth:    config.AuthConfig{Type: authType},
		Logging: config.LoggingConfig{Level: "error", Format: "text"},
	}
	srv := server.NewServer(cfg, logger, dir, authenticator)

	index := handlers.NewIndexHandler(dir, logger)
	archives := handlers.NewArchiveHandler(dir, logger)
	health := handlers.NewHealthHandler(dir, logger)
	srv.SetHandlers(server.HandlerSet{
		Index:          index.GetIndex,
		IndexOptions:   index.HandleOptions,
		IndexSignature: index.GetSignature,
		Archive:        archives.GetArchive,
		Health:         health.GetHealth,
	})

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

// staticCreds hands the same credentials to every host.
type staticCreds struct{ user, pass string }

func (c staticCreds) Credentials(string) (string, string, bool) { return c.user, c.pass, true }

// installer is the raepkg side wired against one repository URL.
type installer struct {
	store  *catalog.Store
	syncer *repo.Syncer
	engine *txn.Engine
	root   string
}

func newInstaller(t *testing.T, url string, pub ed25519.PublicKey, creds fetch.CredentialSource) *installer {
	t.Helper()
	base := t.TempDir()
	root := filepath.Join(base, "root")
	require.NoError(t, os.MkdirAll(root, 0o755))
	logger := testLogger()

	store, err := catalog.Open(filepath.Join(base, "state", "catalog.db"), logger)
	require.NoError(t, err)

	keyring := signing.NewKeyring(logger)
	keyID := keyring.Add(pub)

	repos := repo.NewManager(filepath.Join(base, "repos.d"), logger)
	r := models.NewRepository("main", url, 10)
	r.KeyID = keyID
	require.NoError(t, repos.Add(r))

	client := fetch.NewClient(creds, logger)
	syncer := repo.NewSyncer(repos, store, client, keyring, filepath.Join(base, "index-cache"), logger)
	syncer.VerifySignatures = true

	engine := txn.NewEngine(store, resolver.New(store, resolver.Options{}, logger), repos, client, keyring,
		txn.Options{
			InstallRoot:      root,
			CacheDir:         filepath.Join(base, "cache"),
			StateDir:         filepath.Join(base, "state"),
			VerifySignatures: true,
		}, logger)

	return &installer{store: store, syncer: syncer, engine: engine, root: root}
}

// sync syncs the single repository and requires it to succeed.
func (in *installer) sync(t *testing.T) {
	t.Helper()
	res, err := in.syncer.SyncOne(context.Background(), "main")
	require.NoError(t, err)
	require.NoError(t, res.Err)
}

// install runs a full install transaction and returns it committed.
func (in *installer) install(t *testing.T, name string) *txn.Transaction {
	t.Helper()
	ctx := context.Background()
	tx, err := in.engine.Begin(ctx, []resolver.Request{{Action: resolver.ActionInstall, Name: name}})
	require.NoError(t, err)
	require.NoError(t, tx.Prepare(ctx))
	require.NoError(t, tx.Commit(ctx))
	return tx
}

func (in *installer) readInstalled(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(in.root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func TestInstallAndUpgradeOverHTTP(t *testing.T) {
	pub := newPublisher(t)
	pub.publish(t, models.IndexPackage{Name: "libterm", Version: "1.0.0"}, map[string]string{
		"usr/lib/libterm.so": "term v1",
	})
	pub.publish(t, models.IndexPackage{
		Name:    "editor",
		Version: "1.0.0",
		Depends: []models.IndexDependency{{Name: "libterm", Op: ">=", Version: "1.0.0"}},
	}, map[string]string{
		"usr/bin/editor": "editor v1",
	})
	pub.publishIndex(t)
	ts := pub.serve(t, "")

	in := newInstaller(t, ts.URL, pub.pub, nil)
	in.sync(t)

	// dependency resolution pulls libterm in before editor
	tx := in.install(t, "editor")
	require.Len(t, tx.Operations(), 2)
	assert.Equal(t, "editor v1", in.readInstalled(t, "usr/bin/editor"))
	assert.Equal(t, "term v1", in.readInstalled(t, "usr/lib/libterm.so"))

	owner, err := in.store.InstalledOwner("libterm")
	require.NoError(t, err)
	assert.Equal(t, models.ReasonDependency, owner.InstallReason)
	owner, err = in.store.InstalledOwner("editor")
	require.NoError(t, err)
	assert.Equal(t, models.ReasonExplicit, owner.InstallReason)

	// a new release appears upstream
	pub.publish(t, models.IndexPackage{
		Name:    "editor",
		Version: "1.1.0",
		Depends: []models.IndexDependency{{Name: "libterm", Op: ">=", Version: "1.0.0"}},
	}, map[string]string{
		"usr/bin/editor": "editor v2",
	})
	pub.publishIndex(t)
	in.sync(t)

	updates := resolver.New(in.store, resolver.Options{}, testLogger()).CheckUpdates()
	require.Len(t, updates, 1)
	assert.Equal(t, "editor", updates[0].Name)
	assert.Equal(t, "1.0.0", updates[0].Current)
	assert.Equal(t, "1.1.0", updates[0].Available)

	tx = in.install(t, "editor")
	require.Len(t, tx.Operations(), 1)
	assert.Equal(t, txn.OpUpdate, tx.Operations()[0].Op)
	assert.Equal(t, "editor v2", in.readInstalled(t, "usr/bin/editor"))
}

func TestHealthAndCORSHeaders(t *testing.T) {
	pub := newPublisher(t)
	pub.publish(t, models.IndexPackage{Name: "hello", Version: "1.0.0"}, map[string]string{
		"usr/bin/hello": "hi",
	})
	pub.publishIndex(t)
	ts := pub.serve(t, "")

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health handlers.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.True(t, health.Repository.Signed)
	assert.Equal(t, 1, health.Repository.Packages)

	// browsers may read the index cross-origin
	resp, err = http.Get(ts.URL + "/" + storage.IndexFile)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}

func TestTamperedIndexRejected(t *testing.T) {
	pub := newPublisher(t)
	pub.publish(t, models.IndexPackage{Name: "hello", Version: "1.0.0"}, map[string]string{
		"usr/bin/hello": "hi",
	})
	pub.publishIndex(t)

	// an attacker rewrites the index after it was signed
	indexPath := filepath.Join(pub.root, storage.IndexFile)
	data, err := os.ReadFile(indexPath)
	require.NoError(t, err)
	data = []byte(strings.Replace(string(data), `"hello"`, `"evil!"`, 1))
	require.NoError(t, os.WriteFile(indexPath, data, 0o644))

	ts := pub.serve(t, "")
	in := newInstaller(t, ts.URL, pub.pub, nil)

	res, err := in.syncer.SyncOne(context.Background(), "main")
	require.NoError(t, err)
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, signing.ErrSignature)

	// nothing was folded into the catalog
	assert.Empty(t, in.store.List(catalog.Filter{}))
}

func TestBasicAuthGatesRepository(t *testing.T) {
	pub := newPublisher(t)
	pub.publish(t, models.IndexPackage{Name: "hello", Version: "1.0.0"}, map[string]string{
		"usr/bin/hello": "hi",
	})
	pub.publishIndex(t)

	hash, err := auth.HashPassword("wonderland")
	require.NoError(t, err)
	usersFile := filepath.Join(t.TempDir(), "users.yaml")
	users, err := yaml.Marshal(auth.UsersFile{Users: []auth.UserEntry{{Username: "alice", Password: hash}}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(usersFile, users, 0o600))

	ts := pub.serve(t, usersFile)

	// no credentials: the sync is refused
	anon := newInstaller(t, ts.URL, pub.pub, nil)
	res, err := anon.syncer.SyncOne(context.Background(), "main")
	require.NoError(t, err)
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, fetch.ErrNetwork)
	assert.Contains(t, res.Err.Error(), "401")

	// health probes never need credentials
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// with credentials the full install path works
	in := newInstaller(t, ts.URL, pub.pub, staticCreds{user: "alice", pass: "wonderland"})
	in.sync(t)
	in.install(t, "hello")
	assert.Equal(t, "hi", in.readInstalled(t, "usr/bin/hello"))
}

func TestMissingArchiveFailsPrepare(t *testing.T) {
	pub := newPublisher(t)
	pub.publish(t, models.IndexPackage{Name: "hello", Version: "1.0.0"}, map[string]string{
		"usr/bin/hello": "hi",
	})
	pub.publishIndex(t)
	ts := pub.serve(t, "")

	in := newInstaller(t, ts.URL, pub.pub, nil)
	in.sync(t)

	// the published archives vanish between sync and install
	entries, err := filepath.Glob(filepath.Join(pub.root, storage.ArchiveSubdir, "*"+archive.Extension))
	require.NoError(t, err)
	for _, entry := range entries {
		require.NoError(t, os.Remove(entry))
	}

	ctx := context.Background()
	tx, err := in.engine.Begin(ctx, []resolver.Request{{Action: resolver.ActionInstall, Name: "hello"}})
	require.NoError(t, err)
	err = tx.Prepare(ctx)
	require.Error(t, err)
	assert.Equal(t, txn.StateFailed, tx.State())

	// the failed prepare left the system untouched
	assert.NoFileExists(t, filepath.Join(in.root, "usr/bin/hello"))
	_, err = in.store.InstalledOwner("hello")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}
