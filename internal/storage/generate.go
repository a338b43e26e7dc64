package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/raeenos/raepkg/internal/archive"
	"github.com/raeenos/raepkg/internal/models"
	"github.com/raeenos/raepkg/internal/signing"
)

// Generate scans <root>/archives for package archives, links each one under
// its content-addressed name, and atomically publishes index.json (plus
// index.json.sig when signer is non-nil) at the repository root. Archives
// with identical content are indexed once; two different archives claiming
// the same name, version, and architecture are an error.
func Generate(root, repoName string, signer *signing.Signer, logger *slog.Logger) (*models.Index, error) {
	archiveDir := filepath.Join(root, ArchiveSubdir)
	paths, err := filepath.Glob(filepath.Join(archiveDir, "*"+archive.Extension))
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", archiveDir, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w under %s", ErrNoArchives, archiveDir)
	}
	sort.Strings(paths)

	byChecksum := make(map[string]string) // checksum -> first path seen
	byIdentity := make(map[string]string) // name-version-arch -> checksum
	var entries []models.IndexPackage

	for _, path := range paths {
		sum, err := archive.HashFile(path)
		if err != nil {
			return nil, err
		}
		if prev, ok := byChecksum[sum]; ok {
			logger.Debug("Skipping duplicate archive",
				"path", filepath.Base(path),
				"same_as", filepath.Base(prev))
			continue
		}
		byChecksum[sum] = path

		manifest, err := archive.ReadManifest(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
		}

		entry := manifest.Package
		identity := fmt.Sprintf("%s-%s-%s", entry.Name, entry.Version, entry.Architecture)
		if prevSum, ok := byIdentity[identity]; ok && prevSum != sum {
			return nil, fmt.Errorf("%w: %s appears with checksums %s and %s",
				ErrDuplicatePackage, identity, prevSum, sum)
		}
		byIdentity[identity] = sum

		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		// The archive cannot know its own hash or size; stamp them here.
		entry.SHA256 = sum
		entry.Size = info.Size()
		if entry.InstalledSize == 0 {
			for _, f := range manifest.Files {
				entry.InstalledSize += f.Size
			}
		}

		if err := ensureContentName(archiveDir, path, sum); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Name != entries[j].Name {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].Version < entries[j].Version
	})

	index := &models.Index{
		Schema:   models.IndexSchema,
		Name:     repoName,
		Packages: entries,
	}
	if signer != nil {
		index.SignedBy = signer.KeyID()
	}
	if err := index.Validate(); err != nil {
		return nil, fmt.Errorf("generated index is invalid: %w", err)
	}

	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode index: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(root, IndexFile), data); err != nil {
		return nil, err
	}

	if signer != nil {
		sigData, err := signer.Sign(data).Encode()
		if err != nil {
			return nil, err
		}
		if err := writeFileAtomic(filepath.Join(root, IndexSigFile), sigData); err != nil {
			return nil, err
		}
	} else {
		// A stale signature must not outlive the index it signed.
		if err := os.Remove(filepath.Join(root, IndexSigFile)); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale index signature: %w", err)
		}
	}

	logger.Info("Repository index published",
		"repository", repoName,
		"packages", len(entries),
		"signed", signer != nil)
	return index, nil
}

// ensureContentName makes the archive reachable under its content-addressed
// name, the URL clients request. Hardlink first, copy when the filesystem
// refuses.
func ensureContentName(dir, src, checksum string) error {
	hex := strings.TrimPrefix(checksum, "sha256:")
	dst := filepath.Join(dir, hex+archive.Extension)
	if filepath.Base(src) == filepath.Base(dst) {
		return nil
	}
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	return copyFile(src, dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return fmt.Errorf("failed to close %s: %w", dst, err)
	}
	return nil
}

// writeFileAtomic publishes data at path via temp file and rename, so a
// concurrent reader sees either the old file or the new one, never a
// truncated mix.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tempFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	tempFile = nil // rename now owns the file

	if err := os.Chmod(tempPath, 0o644); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}
