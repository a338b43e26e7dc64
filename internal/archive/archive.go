// Package archive reads and writes raepkg package archives.
//
// An archive is a gzipped tar with a fixed member order: metadata.json (the
// package's index entry), files.json (the payload manifest), an optional
// detached signature over the metadata bytes, then the payload files under
// payload/. Builds are deterministic: entries are sorted, times are pinned
// to the epoch, and ownership is cleared, so rebuilding the same payload
// yields the same checksum.
package archive

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/opencontainers/go-digest"
	"github.com/raeenos/raepkg/internal/models"
)

var (
	// ErrChecksum indicates content that does not match its recorded SHA-256.
	ErrChecksum = errors.New("checksum mismatch")

	// ErrUnsigned indicates an archive that carries no signature member.
	ErrUnsigned = errors.New("archive is unsigned")
)

// Extension is the archive file suffix.
const Extension = ".pkg"

const (
	metadataName  = "metadata.json"
	manifestName  = "files.json"
	signatureName = "signature"
	payloadPrefix = "payload/"
)

// Manifest is what an archive says about itself: the index entry plus the
// payload file list.
type Manifest struct {
	Package models.IndexPackage `json:"package"`
	Files   []models.FileEntry  `json:"files"`
}

// FileName returns the canonical archive name for a package.
func FileName(name, version string, arch models.Architecture) string {
	return fmt.Sprintf("%s-%s-%s%s", name, version, arch, Extension)
}

// HashBytes returns the sha256:<hex> checksum of data.
func HashBytes(data []byte) string {
	return "sha256:" + digest.FromBytes(data).Encoded()
}

// HashReader returns the sha256:<hex> checksum of everything read from r.
func HashReader(r io.Reader) (string, error) {
	digester := digest.SHA256.Digester()
	if _, err := io.Copy(digester.Hash(), r); err != nil {
		return "", fmt.Errorf("failed to hash content: %w", err)
	}
	return "sha256:" + digester.Digest().Encoded(), nil
}

// HashFile returns the sha256:<hex> checksum of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return HashReader(f)
}

// VerifyFile checks the file at path against an expected sha256:<hex>
// checksum and returns ErrChecksum on mismatch.
func VerifyFile(path, want string) error {
	got, err := HashFile(path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w for %s: want %s, got %s", ErrChecksum, path, want, got)
	}
	return nil
}
