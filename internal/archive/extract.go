package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/raeenos/raepkg/internal/models"
)

// ReadManifest reads metadata.json and files.json without extracting the
// payload. Both members must appear before any payload entry.
func ReadManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("malformed archive %s: %w", path, err)
	}
	defer gz.Close()

	var manifest Manifest
	var haveMetadata, haveFiles bool
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF || (haveMetadata && haveFiles) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("malformed archive %s: %w", path, err)
		}

		switch hdr.Name {
		case metadataName:
			if err := json.NewDecoder(tr).Decode(&manifest.Package); err != nil {
				return nil, fmt.Errorf("malformed metadata in %s: %w", path, err)
			}
			haveMetadata = true
		case manifestName:
			if err := json.NewDecoder(tr).Decode(&manifest.Files); err != nil {
				return nil, fmt.Errorf("malformed file manifest in %s: %w", path, err)
			}
			haveFiles = true
		}
	}

	if !haveMetadata || !haveFiles {
		return nil, fmt.Errorf("malformed archive %s: missing metadata.json or files.json", path)
	}
	return &manifest, nil
}

// Extract unpacks the payload into destDir, verifying each file against the
// manifest checksum as it is written. Entries that would escape destDir, or
// that are not regular files or directories, are rejected. Returns the
// manifest of what was extracted.
func Extract(ctx context.Context, path, destDir string) (*Manifest, error) {
	manifest, err := ReadManifest(path)
	if err != nil {
		return nil, err
	}

	want := make(map[string]models.FileEntry, len(manifest.Files))
	for _, entry := range manifest.Files {
		want[entry.Path] = entry
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("malformed archive %s: %w", path, err)
	}
	defer gz.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create extraction directory: %w", err)
	}

	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("extraction cancelled: %w", err)
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("malformed archive %s: %w", path, err)
		}
		if !strings.HasPrefix(hdr.Name, payloadPrefix) {
			continue
		}

		rel := strings.TrimPrefix(hdr.Name, payloadPrefix)
		target, err := securePath(destDir, rel)
		if err != nil {
			return nil, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)&0o777); err != nil {
				return nil, fmt.Errorf("failed to create directory %s: %w", rel, err)
			}
		case tar.TypeReg:
			entry, ok := want[strings.TrimSuffix(rel, "/")]
			if !ok {
				return nil, fmt.Errorf("malformed archive %s: payload file %s not in manifest", path, rel)
			}
			if err := extractFile(tr, target, entry); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("refusing to extract %s: unsupported entry type %d", rel, hdr.Typeflag)
		}
	}

	return manifest, nil
}

// securePath joins rel onto root and rejects anything that escapes it.
func securePath(root, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("refusing to extract absolute path %q", rel)
	}
	target := filepath.Join(root, filepath.FromSlash(rel))
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("refusing to extract %q: escapes extraction root", rel)
	}
	return target, nil
}

// extractFile writes one payload file, hashing as it copies so corruption is
// caught before the file is trusted.
func extractFile(r io.Reader, target string, entry models.FileEntry) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(entry.Mode)&0o777)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", entry.Path, err)
	}

	digester := digest.SHA256.Digester()
	n, err := io.Copy(io.MultiWriter(out, digester.Hash()), r)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(target)
		return fmt.Errorf("failed to write %s: %w", entry.Path, err)
	}

	if n != entry.Size {
		os.Remove(target)
		return fmt.Errorf("%w for %s: want %d bytes, got %d", ErrChecksum, entry.Path, entry.Size, n)
	}
	if got := "sha256:" + digester.Digest().Encoded(); got != entry.SHA256 {
		os.Remove(target)
		return fmt.Errorf("%w for %s: want %s, got %s", ErrChecksum, entry.Path, entry.SHA256, got)
	}
	return nil
}
