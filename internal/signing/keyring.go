package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Keyring holds the set of trusted public keys, loaded from the keys
// directory under the configuration root (one <keyid>.pub PEM file per key).
type Keyring struct {
	keys   map[string]ed25519.PublicKey
	logger *slog.Logger
}

// NewKeyring creates an empty keyring.
func NewKeyring(logger *slog.Logger) *Keyring {
	return &Keyring{
		keys:   make(map[string]ed25519.PublicKey),
		logger: logger,
	}
}

// LoadKeyring reads every *.pub file in dir. A missing directory yields an
// empty keyring; a malformed key file is an error so a typo cannot silently
// shrink the trust set.
func LoadKeyring(dir string, logger *slog.Logger) (*Keyring, error) {
	ring := NewKeyring(logger)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debug("Keys directory not found, trusting no keys", "dir", dir)
			return ring, nil
		}
		return nil, fmt.Errorf("failed to read keys directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pub") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		key, err := LoadPublicKey(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load trusted key %s: %w", path, err)
		}
		ring.Add(key)
	}

	logger.Info("Keyring loaded", "dir", dir, "keys", len(ring.keys))
	return ring, nil
}

// Add trusts a public key and returns its identifier.
func (k *Keyring) Add(key ed25519.PublicKey) string {
	id := KeyID(key)
	k.keys[id] = key
	return id
}

// Key returns the trusted key with the given identifier.
func (k *Keyring) Key(id string) (ed25519.PublicKey, bool) {
	key, ok := k.keys[id]
	return key, ok
}

// KeyIDs lists trusted key identifiers in stable order.
func (k *Keyring) KeyIDs() []string {
	ids := make([]string, 0, len(k.keys))
	for id := range k.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len reports the number of trusted keys.
func (k *Keyring) Len() int {
	return len(k.keys)
}

// Verify checks a signature envelope against the signed data. It returns
// ErrUnknownKey when the signing key is not in the keyring and ErrSignature
// when the signature does not match.
func (k *Keyring) Verify(data []byte, sig Signature) error {
	if sig.Algorithm != Algorithm {
		return fmt.Errorf("%w: unsupported algorithm %q", ErrSignature, sig.Algorithm)
	}
	key, ok := k.keys[sig.KeyID]
	if !ok {
		return fmt.Errorf("%w: key %s", ErrUnknownKey, sig.KeyID)
	}
	raw, err := base64.StdEncoding.DecodeString(sig.Value)
	if err != nil {
		return fmt.Errorf("%w: malformed signature value: %v", ErrSignature, err)
	}
	if !ed25519.Verify(key, data, raw) {
		return fmt.Errorf("%w: key %s", ErrSignature, sig.KeyID)
	}
	return nil
}

// VerifyDetached decodes a detached signature file and verifies it against
// the signed data.
func (k *Keyring) VerifyDetached(data, sigData []byte) error {
	sig, err := DecodeSignature(sigData)
	if err != nil {
		return err
	}
	return k.Verify(data, sig)
}
