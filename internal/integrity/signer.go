package integrity

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// ErrNoSigningKey is returned when the engine starts without a configured
// signing key. There is no fallback key: an audit record signed with a key
// nobody controls cannot be attested, so this is a hard startup failure.
var ErrNoSigningKey = errors.New("integrity: no signing key configured")

// Signer signs content hashes with an Ed25519 private key.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner loads a PKCS#8 PEM-encoded Ed25519 private key from path.
func NewSigner(path string) (*Signer, error) {
	if path == "" {
		return nil, ErrNoSigningKey
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("integrity: read signing key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("integrity: signing key is not PEM encoded")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("integrity: parse signing key: %w", err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("integrity: signing key is %T, want ed25519", parsed)
	}
	return NewSignerFromKey(priv), nil
}

// NewSignerFromKey wraps an in-memory key. Used by tests and by deployments
// that source keys from a secret manager instead of a file.
func NewSignerFromKey(priv ed25519.PrivateKey) *Signer {
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

// Sign returns the hex-encoded Ed25519 signature over the hex-decoded
// content hash.
func (s *Signer) Sign(contentHash string) (string, error) {
	digest, err := hex.DecodeString(contentHash)
	if err != nil {
		return "", fmt.Errorf("integrity: content hash is not hex: %w", err)
	}
	return hex.EncodeToString(ed25519.Sign(s.priv, digest)), nil
}

// VerifySignature reports whether signature is a valid signature over
// contentHash by this signer's key.
func (s *Signer) VerifySignature(contentHash, signature string) bool {
	digest, err := hex.DecodeString(contentHash)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(s.pub, digest, sig)
}

// PublicKey exposes the verification key for external key management.
func (s *Signer) PublicKey() ed25519.PublicKey { return s.pub }
