package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

const (
	// AEADKeySize is the AES-256-GCM key length.
	AEADKeySize = 32
	// AEADNonceSize is the GCM nonce length.
	AEADNonceSize = 12
	// AEADTagSize is the GCM authentication tag length.
	AEADTagSize = 16
)

// ErrDecrypt indicates AEAD authentication failed.
var ErrDecrypt = errors.New("crypto: message authentication failed")

// NewAEAD builds an AES-256-GCM AEAD from a 32-byte key.
func NewAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != AEADKeySize {
		return nil, fmt.Errorf("%w: got %d want %d", ErrInvalidKeyLength, len(key), AEADKeySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	return aead, nil
}

// Seal encrypts plaintext with AES-256-GCM under the caller's nonce and
// associated data, returning ciphertext with the tag appended.
func Seal(key, nonce, plaintext, additionalData []byte) ([]byte, error) {
	aead, err := NewAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != AEADNonceSize {
		return nil, fmt.Errorf("crypto: invalid nonce length: got %d want %d", len(nonce), AEADNonceSize)
	}

	return aead.Seal(nil, nonce, plaintext, additionalData), nil
}

// Open decrypts AES-256-GCM ciphertext produced by Seal.
func Open(key, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	aead, err := NewAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != AEADNonceSize {
		return nil, fmt.Errorf("crypto: invalid nonce length: got %d want %d", len(nonce), AEADNonceSize)
	}
	if len(ciphertext) < AEADTagSize {
		return nil, ErrDecrypt
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, ErrDecrypt
	}

	return plaintext, nil
}
