package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/raeenos/raepkg/internal/models"
	"github.com/raeenos/raepkg/internal/signing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry() models.IndexPackage {
	return models.IndexPackage{
		Name:         "hello",
		Version:      "1.2.0",
		Architecture: string(models.ArchUniversal),
	}
}

// writePayload lays out a small package payload and returns its directory.
func writePayload(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bin", "hello"), []byte("#!/bin/sh\necho hello\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("hello package\n"), 0o644))
	return dir
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "hello-1.2.0-x86_64.pkg", FileName("hello", "1.2.0", models.ArchX8664))
}

func TestBuildAndReadManifest(t *testing.T) {
	payload := writePayload(t)
	dest := filepath.Join(t.TempDir(), "hello.pkg")

	checksum, size, err := Build(dest, testEntry(), payload, nil)
	require.NoError(t, err)
	assert.Regexp(t, `^sha256:[a-f0-9]{64}$`, checksum)
	assert.Positive(t, size)

	manifest, err := ReadManifest(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello", manifest.Package.Name)

	// sorted manifest: README, bin/, bin/hello
	require.Len(t, manifest.Files, 3)
	assert.Equal(t, "README", manifest.Files[0].Path)
	assert.Equal(t, "bin/", manifest.Files[1].Path)
	assert.Equal(t, "bin/hello", manifest.Files[2].Path)
	assert.Equal(t, uint32(0o755), manifest.Files[2].Mode)
}

func TestBuild_Deterministic(t *testing.T) {
	payload := writePayload(t)
	dir := t.TempDir()

	first, _, err := Build(filepath.Join(dir, "a.pkg"), testEntry(), payload, nil)
	require.NoError(t, err)

	// rebuilding later must not change the checksum
	time.Sleep(10 * time.Millisecond)
	second, _, err := Build(filepath.Join(dir, "b.pkg"), testEntry(), payload, nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestVerifyFile(t *testing.T) {
	payload := writePayload(t)
	dest := filepath.Join(t.TempDir(), "hello.pkg")
	checksum, _, err := Build(dest, testEntry(), payload, nil)
	require.NoError(t, err)

	require.NoError(t, VerifyFile(dest, checksum))

	// corrupt one byte
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xff
	require.NoError(t, os.WriteFile(dest, data, 0o644))

	assert.ErrorIs(t, VerifyFile(dest, checksum), ErrChecksum)
}

func TestExtract(t *testing.T) {
	payload := writePayload(t)
	dest := filepath.Join(t.TempDir(), "hello.pkg")
	_, _, err := Build(dest, testEntry(), payload, nil)
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "root")
	manifest, err := Extract(context.Background(), dest, out)
	require.NoError(t, err)
	assert.Len(t, manifest.Files, 3)

	data, err := os.ReadFile(filepath.Join(out, "bin", "hello"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "echo hello")

	info, err := os.Stat(filepath.Join(out, "bin", "hello"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestExtract_CorruptPayload(t *testing.T) {
	payload := writePayload(t)
	dir := t.TempDir()
	dest := filepath.Join(dir, "hello.pkg")
	_, _, err := Build(dest, testEntry(), payload, nil)
	require.NoError(t, err)

	// rewrite the archive with one payload byte flipped but the original
	// manifest intact
	corrupted := corruptPayloadMember(t, dest, "payload/README")

	_, err = Extract(context.Background(), corrupted, filepath.Join(dir, "root"))
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestExtract_RefusesEscapingPaths(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "evil.pkg")
	writeRawArchive(t, dest, []rawMember{
		{name: "metadata.json", data: []byte(`{"name":"evil","version":"1.0","architecture":"universal","sha256":""}`)},
		{name: "files.json", data: []byte(`[{"path":"../escape","mode":420,"size":4,"sha256":"sha256:9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"}]`)},
		{name: "payload/../escape", data: []byte("test")},
	})

	_, err := Extract(context.Background(), dest, filepath.Join(dir, "root"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes extraction root")
}

func TestExtract_RefusesSymlinks(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "evil.pkg")
	writeRawArchive(t, dest, []rawMember{
		{name: "metadata.json", data: []byte(`{"name":"evil","version":"1.0","architecture":"universal","sha256":""}`)},
		{name: "files.json", data: []byte(`[]`)},
		{name: "payload/link", linkTarget: "/etc/passwd"},
	})

	_, err := Extract(context.Background(), dest, filepath.Join(dir, "root"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported entry type")
}

func TestReadManifest_MissingMembers(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "bad.pkg")
	writeRawArchive(t, dest, []rawMember{
		{name: "metadata.json", data: []byte(`{"name":"x","version":"1.0","architecture":"universal","sha256":""}`)},
	})

	_, err := ReadManifest(dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing metadata.json or files.json")
}

func TestReadManifest_NotGzip(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "bad.pkg")
	require.NoError(t, os.WriteFile(dest, []byte("plain text"), 0o644))

	_, err := ReadManifest(dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed archive")
}

type rawMember struct {
	name       string
	data       []byte
	linkTarget string
}

// writeRawArchive builds an archive without the safety of Build, for
// hostile-input tests.
func writeRawArchive(t *testing.T, dest string, members []rawMember) {
	t.Helper()
	f, err := os.Create(dest)
	require.NoError(t, err)
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for _, m := range members {
		hdr := &tar.Header{Name: m.name, Mode: 0o644, ModTime: epoch}
		if m.linkTarget != "" {
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = m.linkTarget
		} else {
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(m.data))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if m.linkTarget == "" {
			_, err := tw.Write(m.data)
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
}

// corruptPayloadMember rewrites an archive flipping one byte of the named
// payload member while keeping everything else intact.
func corruptPayloadMember(t *testing.T, src, member string) string {
	t.Helper()

	in, err := os.Open(src)
	require.NoError(t, err)
	defer in.Close()
	gzIn, err := gzip.NewReader(in)
	require.NoError(t, err)
	tr := tar.NewReader(gzIn)

	dest := src + ".corrupt"
	out, err := os.Create(dest)
	require.NoError(t, err)
	defer out.Close()
	gzOut := gzip.NewWriter(out)
	tw := tar.NewWriter(gzOut)

	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data := make([]byte, hdr.Size)
		_, err = io.ReadFull(tr, data)
		require.NoError(t, err)
		if hdr.Name == member && len(data) > 0 {
			data[0] ^= 0xff
		}
		_, err = tw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gzOut.Close())
	return dest
}

func TestBuildSignedAndVerify(t *testing.T) {
	dir := t.TempDir()
	payload := writePayload(t)
	dest := filepath.Join(dir, "hello.pkg")

	pub, priv, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	_, _, err = Build(dest, testEntry(), payload, signing.NewSigner(priv))
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	keyring := signing.NewKeyring(logger)
	keyring.Add(pub)
	require.NoError(t, VerifySignature(dest, keyring))

	// a keyring without the signer's key must refuse
	other := signing.NewKeyring(logger)
	assert.ErrorIs(t, VerifySignature(dest, other), signing.ErrUnknownKey)
}

func TestVerifySignature_Unsigned(t *testing.T) {
	dir := t.TempDir()
	payload := writePayload(t)
	dest := filepath.Join(dir, "hello.pkg")

	_, _, err := Build(dest, testEntry(), payload, nil)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	err = VerifySignature(dest, signing.NewKeyring(logger))
	assert.ErrorIs(t, err, ErrUnsigned)
}

func TestBuildSigned_Deterministic(t *testing.T) {
	dir := t.TempDir()
	payload := writePayload(t)

	_, priv, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	signer := signing.NewSigner(priv)

	first, _, err := Build(filepath.Join(dir, "a.pkg"), testEntry(), payload, signer)
	require.NoError(t, err)
	second, _, err := Build(filepath.Join(dir, "b.pkg"), testEntry(), payload, signer)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
