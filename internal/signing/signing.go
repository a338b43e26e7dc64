// Package signing implements package and index signing with ed25519.
//
// Repositories sign their index and archives with a private key held by the
// publisher; clients verify against trusted public keys installed under the
// configuration keys directory. Signatures travel as small detached JSON
// envelopes next to the signed artifact.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/opencontainers/go-digest"
)

var (
	// ErrSignature indicates a signature that does not match the signed data.
	ErrSignature = errors.New("signature verification failed")

	// ErrUnknownKey indicates a signature from a key that is not trusted.
	ErrUnknownKey = errors.New("signing key not trusted")
)

// Algorithm is the only signature algorithm raepkg produces or accepts.
const Algorithm = "ed25519"

const (
	pemTypePublic  = "PUBLIC KEY"
	pemTypePrivate = "PRIVATE KEY"
)

// Signature is the detached signature envelope written next to signed
// artifacts (index.json.sig, archive .sig files).
type Signature struct {
	KeyID     string `json:"key_id"`
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"` // base64 raw ed25519 signature
}

// Encode serializes the signature envelope.
func (s Signature) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode signature: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeSignature parses a detached signature envelope.
func DecodeSignature(data []byte) (Signature, error) {
	var sig Signature
	if err := json.Unmarshal(data, &sig); err != nil {
		return Signature{}, fmt.Errorf("%w: malformed signature envelope: %v", ErrSignature, err)
	}
	if sig.Algorithm != Algorithm {
		return Signature{}, fmt.Errorf("%w: unsupported algorithm %q", ErrSignature, sig.Algorithm)
	}
	if sig.KeyID == "" || sig.Value == "" {
		return Signature{}, fmt.Errorf("%w: incomplete signature envelope", ErrSignature)
	}
	return sig, nil
}

// KeyID derives the stable identifier of a public key: the first sixteen hex
// digits of its SHA-256 digest.
func KeyID(pub ed25519.PublicKey) string {
	return digest.FromBytes(pub).Encoded()[:16]
}

// GenerateKeyPair creates a fresh ed25519 key pair.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return pub, priv, nil
}

// SavePrivateKey writes a private key as PKCS#8 PEM, readable only by the
// owner.
func SavePrivateKey(path string, key ed25519.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	block := &pem.Block{Type: pemTypePrivate, Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}

// SavePublicKey writes a public key as PKIX PEM.
func SavePublicKey(path string, key ed25519.PublicKey) error {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal public key: %w", err)
	}
	block := &pem.Block{Type: pemTypePublic, Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	return nil
}

// LoadPrivateKey reads a PKCS#8 PEM private key.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemTypePrivate {
		return nil, fmt.Errorf("invalid private key file %s: not a %s PEM block", path, pemTypePrivate)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("invalid private key file %s: %w", path, err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("invalid private key file %s: not an ed25519 key", path)
	}
	return key, nil
}

// LoadPublicKey reads a PKIX PEM public key.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	return ParsePublicKey(data)
}

// ParsePublicKey parses a PKIX PEM public key from memory.
func ParsePublicKey(data []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemTypePublic {
		return nil, fmt.Errorf("not a %s PEM block", pemTypePublic)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	key, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid public key: not an ed25519 key")
	}
	return key, nil
}

// Signer produces detached signatures with a single private key.
type Signer struct {
	key   ed25519.PrivateKey
	keyID string
}

// NewSigner wraps a private key.
func NewSigner(key ed25519.PrivateKey) *Signer {
	pub := key.Public().(ed25519.PublicKey)
	return &Signer{key: key, keyID: KeyID(pub)}
}

// LoadSigner reads a private key file and wraps it.
func LoadSigner(path string) (*Signer, error) {
	key, err := LoadPrivateKey(path)
	if err != nil {
		return nil, err
	}
	return NewSigner(key), nil
}

// KeyID returns the identifier of the signer's public key.
func (s *Signer) KeyID() string {
	return s.keyID
}

// PublicKey returns the signer's public key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// Sign produces a detached signature envelope over data.
func (s *Signer) Sign(data []byte) Signature {
	raw := ed25519.Sign(s.key, data)
	return Signature{
		KeyID:     s.keyID,
		Algorithm: Algorithm,
		Value:     base64.StdEncoding.EncodeToString(raw),
	}
}
