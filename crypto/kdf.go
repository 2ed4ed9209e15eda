package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDFExtract runs HKDF-Extract with SHA-256.
func HKDFExtract(salt, ikm []byte) []byte {
	return hkdf.Extract(sha256.New, ikm, salt)
}

// HKDFExpand runs HKDF-Expand with SHA-256 producing length bytes.
func HKDFExpand(prk, info []byte, length int) ([]byte, error) {
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, info), out); err != nil {
		return nil, fmt.Errorf("HKDF expand: %w", err)
	}
	return out, nil
}

// HKDF2 derives two 32-byte outputs from a chaining key and input key
// material, as the handshake's MixKey and Split steps require.
func HKDF2(chainingKey, ikm []byte) (out1, out2 []byte, err error) {
	prk := HKDFExtract(chainingKey, ikm)
	okm, err := HKDFExpand(prk, nil, 64)
	if err != nil {
		return nil, nil, err
	}
	return okm[:32], okm[32:], nil
}
