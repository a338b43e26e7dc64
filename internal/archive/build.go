package archive

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/raeenos/raepkg/internal/models"
	"github.com/raeenos/raepkg/internal/signing"
)

// epoch pins every tar header time so identical payloads produce identical
// archives.
var epoch = time.Unix(0, 0).UTC()

// Build writes an archive for entry from the files under payloadDir and
// returns its checksum and size. The manifest in files.json is computed here;
// entry's checksum and size fields are ignored. A non-nil signer embeds a
// detached signature over the metadata bytes; ed25519 signing is
// deterministic, so signed builds stay reproducible.
func Build(dest string, entry models.IndexPackage, payloadDir string, signer *signing.Signer) (checksum string, size int64, err error) {
	manifest, err := scanPayload(payloadDir)
	if err != nil {
		return "", 0, err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(dest), ".archive-*.tmp")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempFile.Name())
		}
	}()

	if err := writeArchive(tempFile, Manifest{Package: entry, Files: manifest}, payloadDir, signer); err != nil {
		return "", 0, err
	}
	if err := tempFile.Sync(); err != nil {
		return "", 0, fmt.Errorf("failed to sync archive: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to close archive: %w", err)
	}

	name := tempFile.Name()
	tempFile = nil // rename now owns the file
	if err := os.Rename(name, dest); err != nil {
		os.Remove(name)
		return "", 0, fmt.Errorf("failed to move archive into place: %w", err)
	}

	checksum, err = HashFile(dest)
	if err != nil {
		return "", 0, err
	}
	info, err := os.Stat(dest)
	if err != nil {
		return "", 0, fmt.Errorf("failed to stat archive: %w", err)
	}
	return checksum, info.Size(), nil
}

// scanPayload walks payloadDir and builds the sorted file manifest, hashing
// each regular file. Only regular files and directories may appear in a
// payload.
func scanPayload(payloadDir string) ([]models.FileEntry, error) {
	var entries []models.FileEntry
	err := filepath.WalkDir(payloadDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(payloadDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.Type().IsRegular():
			sum, err := HashFile(path)
			if err != nil {
				return err
			}
			entries = append(entries, models.FileEntry{
				Path:   rel,
				Mode:   uint32(info.Mode().Perm()),
				Size:   info.Size(),
				SHA256: sum,
			})
		case d.IsDir():
			entries = append(entries, models.FileEntry{
				Path: rel + "/",
				Mode: uint32(info.Mode().Perm()),
			})
		default:
			return fmt.Errorf("unsupported payload entry %s: only regular files and directories are allowed", rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan payload: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func writeArchive(w io.Writer, manifest Manifest, payloadDir string, signer *signing.Signer) error {
	gz, err := gzip.NewWriterLevel(w, gzip.BestCompression)
	if err != nil {
		return fmt.Errorf("failed to create gzip writer: %w", err)
	}
	tw := tar.NewWriter(gz)

	metadata, err := json.MarshalIndent(manifest.Package, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := writeMember(tw, metadataName, metadata); err != nil {
		return err
	}

	files, err := json.MarshalIndent(manifest.Files, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode file manifest: %w", err)
	}
	if err := writeMember(tw, manifestName, files); err != nil {
		return err
	}

	if signer != nil {
		sig, err := signer.Sign(metadata).Encode()
		if err != nil {
			return fmt.Errorf("failed to encode signature: %w", err)
		}
		if err := writeMember(tw, signatureName, sig); err != nil {
			return err
		}
	}

	for _, entry := range manifest.Files {
		if strings.HasSuffix(entry.Path, "/") {
			hdr := &tar.Header{
				Typeflag: tar.TypeDir,
				Name:     payloadPrefix + entry.Path,
				Mode:     int64(entry.Mode),
				ModTime:  epoch,
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return fmt.Errorf("failed to write directory header %s: %w", entry.Path, err)
			}
			continue
		}

		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     payloadPrefix + entry.Path,
			Mode:     int64(entry.Mode),
			Size:     entry.Size,
			ModTime:  epoch,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("failed to write file header %s: %w", entry.Path, err)
		}
		f, err := os.Open(filepath.Join(payloadDir, filepath.FromSlash(entry.Path)))
		if err != nil {
			return fmt.Errorf("failed to open payload file: %w", err)
		}
		_, err = io.Copy(tw, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("failed to write payload file %s: %w", entry.Path, err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finish tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finish gzip: %w", err)
	}
	return nil
}

func writeMember(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  epoch,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write %s header: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}
