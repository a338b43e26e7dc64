package storage

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raeenos/raepkg/internal/archive"
	"github.com/raeenos/raepkg/internal/models"
	"github.com/raeenos/raepkg/internal/signing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// repoRoot lays out an empty repository tree and returns its root.
func repoRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ArchiveSubdir), 0o755))
	return root
}

// buildArchive writes a package archive into the repository's archive
// directory and returns its checksum.
func buildArchive(t *testing.T, root, name, version, content string) string {
	t.Helper()
	payload := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(payload, "data"), []byte(content), 0o644))

	entry := models.IndexPackage{
		Name:         name,
		Version:      version,
		Architecture: string(models.ArchUniversal),
	}
	dest := filepath.Join(root, ArchiveSubdir, archive.FileName(name, version, models.ArchUniversal))
	sum, _, err := archive.Build(dest, entry, payload, nil)
	require.NoError(t, err)
	return sum
}

func testSigner(t *testing.T) *signing.Signer {
	t.Helper()
	_, priv, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	return signing.NewSigner(priv)
}

func TestGenerateAndServe(t *testing.T) {
	root := repoRoot(t)
	helloSum := buildArchive(t, root, "hello", "1.2.0", "hello payload")
	buildArchive(t, root, "world", "2.0.0", "world payload")

	signer := testSigner(t)
	index, err := Generate(root, "raeen-main", signer, testLogger())
	require.NoError(t, err)

	require.Len(t, index.Packages, 2)
	assert.Equal(t, "hello", index.Packages[0].Name)
	assert.Equal(t, "world", index.Packages[1].Name)
	assert.Equal(t, signer.KeyID(), index.SignedBy)
	for _, p := range index.Packages {
		assert.Regexp(t, `^sha256:[a-f0-9]{64}$`, p.SHA256)
		assert.Positive(t, p.Size)
		assert.Positive(t, p.InstalledSize)
	}

	dir, err := Open(root, testLogger())
	require.NoError(t, err)

	data, err := dir.Index()
	require.NoError(t, err)
	var served models.Index
	require.NoError(t, json.Unmarshal(data, &served))
	require.NoError(t, served.Validate())
	assert.Len(t, served.Packages, 2)

	// The signature must verify over the exact served bytes.
	sigData, err := dir.IndexSignature()
	require.NoError(t, err)
	keyring := signing.NewKeyring(testLogger())
	keyring.Add(signer.PublicKey())
	require.NoError(t, keyring.VerifyDetached(data, sigData))

	// Each entry is fetchable under its content-addressed name.
	hex := strings.TrimPrefix(helloSum, "sha256:")
	path, err := dir.ArchivePath(hex + archive.Extension)
	require.NoError(t, err)
	require.NoError(t, archive.VerifyFile(path, helloSum))
}

func TestGenerate_Unsigned(t *testing.T) {
	root := repoRoot(t)
	buildArchive(t, root, "hello", "1.0.0", "payload")

	// a leftover signature from a previous signed run must be removed
	require.NoError(t, os.WriteFile(filepath.Join(root, IndexSigFile), []byte("stale"), 0o644))

	index, err := Generate(root, "raeen-main", nil, testLogger())
	require.NoError(t, err)
	assert.Empty(t, index.SignedBy)

	dir, err := Open(root, testLogger())
	require.NoError(t, err)
	_, err = dir.IndexSignature()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGenerate_NoArchives(t *testing.T) {
	root := repoRoot(t)
	_, err := Generate(root, "raeen-main", nil, testLogger())
	assert.ErrorIs(t, err, ErrNoArchives)
}

func TestGenerate_DedupesIdenticalContent(t *testing.T) {
	root := repoRoot(t)
	buildArchive(t, root, "hello", "1.0.0", "payload")

	// the same archive under a second name is one package, not two
	src := filepath.Join(root, ArchiveSubdir, archive.FileName("hello", "1.0.0", models.ArchUniversal))
	data, err := os.ReadFile(src)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, ArchiveSubdir, "copy.pkg"), data, 0o644))

	index, err := Generate(root, "raeen-main", nil, testLogger())
	require.NoError(t, err)
	assert.Len(t, index.Packages, 1)
}

func TestGenerate_ConflictingArchives(t *testing.T) {
	root := repoRoot(t)
	buildArchive(t, root, "hello", "1.0.0", "first payload")

	// same name, version, and architecture with different content
	payload := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(payload, "data"), []byte("second payload"), 0o644))
	entry := models.IndexPackage{Name: "hello", Version: "1.0.0", Architecture: string(models.ArchUniversal)}
	_, _, err := archive.Build(filepath.Join(root, ArchiveSubdir, "hello-again.pkg"), entry, payload, nil)
	require.NoError(t, err)

	_, err = Generate(root, "raeen-main", nil, testLogger())
	assert.ErrorIs(t, err, ErrDuplicatePackage)
}

func TestDir_ArchivePath_RejectsBadNames(t *testing.T) {
	root := repoRoot(t)
	buildArchive(t, root, "hello", "1.0.0", "payload")
	dir, err := Open(root, testLogger())
	require.NoError(t, err)

	for _, name := range []string{
		"../index.json",
		"..%2f..%2fetc%2fpasswd",
		"hello-1.0.0-universal.pkg",
		strings.Repeat("a", 63) + ".pkg",
		strings.Repeat("A", 64) + ".pkg",
		strings.Repeat("a", 64) + ".tar",
	} {
		_, err := dir.ArchivePath(name)
		assert.ErrorIs(t, err, ErrBadArchiveName, "name %q", name)
	}

	// well-formed but absent
	_, err = dir.ArchivePath(strings.Repeat("a", 64) + ".pkg")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDir_IndexReload(t *testing.T) {
	root := repoRoot(t)
	buildArchive(t, root, "hello", "1.0.0", "payload")
	_, err := Generate(root, "raeen-main", nil, testLogger())
	require.NoError(t, err)

	dir, err := Open(root, testLogger())
	require.NoError(t, err)
	first, err := dir.Index()
	require.NoError(t, err)

	// cached read returns the same bytes
	again, err := dir.Index()
	require.NoError(t, err)
	assert.Equal(t, first, again)

	// a republished index with a new modtime is picked up
	buildArchive(t, root, "world", "2.0.0", "world payload")
	_, err = Generate(root, "raeen-main", nil, testLogger())
	require.NoError(t, err)
	bumped := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(filepath.Join(root, IndexFile), bumped, bumped))

	updated, err := dir.Index()
	require.NoError(t, err)
	var ix models.Index
	require.NoError(t, json.Unmarshal(updated, &ix))
	assert.Len(t, ix.Packages, 2)
}

func TestDir_Summarize(t *testing.T) {
	root := repoRoot(t)
	dir, err := Open(root, testLogger())
	require.NoError(t, err)

	s, err := dir.Summarize()
	require.NoError(t, err)
	assert.False(t, s.HasIndex)
	assert.Zero(t, s.Archives)

	buildArchive(t, root, "hello", "1.0.0", "payload")
	_, err = Generate(root, "raeen-main", testSigner(t), testLogger())
	require.NoError(t, err)

	s, err = dir.Summarize()
	require.NoError(t, err)
	assert.True(t, s.HasIndex)
	assert.True(t, s.Signed)
	assert.Equal(t, 1, s.Packages)
	// the source archive plus its content-addressed link
	assert.Equal(t, 2, s.Archives)
}

func TestOpen_MissingRoot(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "absent"), testLogger())
	require.Error(t, err)
}
