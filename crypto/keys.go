// Package crypto provides the primitive operations the transport is
// built from: Ed25519 signing, X25519 key agreement, HKDF-SHA256 key
// derivation, AES-256-GCM sealing, and the small helpers (random fill,
// constant-time compare, zeroize) the rest of the module shares.
//
// Nonces are always supplied by the caller; no cipher context is
// reused across sessions.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidKeyLength indicates a key of the wrong size was supplied.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length")
	// ErrInvalidSignature indicates Ed25519 signature verification failed.
	ErrInvalidSignature = errors.New("crypto: invalid signature")
)

// GenerateSigningKeyPair creates a fresh Ed25519 key pair.
func GenerateSigningKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	return publicKey, privateKey, nil
}

// Sign signs data using an Ed25519 private key.
func Sign(privateKey ed25519.PrivateKey, data []byte) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: got %d want %d", ErrInvalidKeyLength, len(privateKey), ed25519.PrivateKeySize)
	}
	if len(data) == 0 {
		return nil, errors.New("crypto: data is required")
	}

	return ed25519.Sign(privateKey, data), nil
}

// Verify verifies an Ed25519 signature over data.
func Verify(publicKey ed25519.PublicKey, data, signature []byte) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: got %d want %d", ErrInvalidKeyLength, len(publicKey), ed25519.PublicKeySize)
	}
	if len(signature) != ed25519.SignatureSize || len(data) == 0 {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(publicKey, data, signature) {
		return ErrInvalidSignature
	}

	return nil
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}
