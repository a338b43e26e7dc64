package archive

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/raeenos/raepkg/internal/signing"
)

// Signature returns the raw metadata bytes and the encoded signature member.
// ErrUnsigned when the archive carries no signature.
func Signature(path string) (metadata, sig []byte, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, nil, fmt.Errorf("malformed archive %s: %w", path, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("malformed archive %s: %w", path, err)
		}
		// members precede the payload; stop scanning once it starts
		if strings.HasPrefix(hdr.Name, payloadPrefix) {
			break
		}

		switch hdr.Name {
		case metadataName:
			if metadata, err = io.ReadAll(tr); err != nil {
				return nil, nil, fmt.Errorf("malformed metadata in %s: %w", path, err)
			}
		case signatureName:
			if sig, err = io.ReadAll(tr); err != nil {
				return nil, nil, fmt.Errorf("malformed signature in %s: %w", path, err)
			}
		}
	}

	if metadata == nil {
		return nil, nil, fmt.Errorf("malformed archive %s: missing %s", path, metadataName)
	}
	if sig == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsigned, path)
	}
	return metadata, sig, nil
}

// VerifySignature checks the archive's embedded signature against the
// keyring. ErrUnsigned when no signature member exists; signing.ErrSignature
// or signing.ErrUnknownKey when verification fails.
func VerifySignature(path string, keyring *signing.Keyring) error {
	metadata, sig, err := Signature(path)
	if err != nil {
		return err
	}
	if err := keyring.VerifyDetached(metadata, sig); err != nil {
		return fmt.Errorf("archive %s: %w", path, err)
	}
	return nil
}
