package crypto

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
)

// X25519PublicKeyFromEd25519 maps an Ed25519 public key to its X25519
// equivalent via the birational map between the Edwards and Montgomery
// forms of Curve25519.
func X25519PublicKeyFromEd25519(publicKey ed25519.PublicKey) (*ecdh.PublicKey, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: got %d want %d", ErrInvalidKeyLength, len(publicKey), ed25519.PublicKeySize)
	}

	point, err := new(edwards25519.Point).SetBytes(publicKey)
	if err != nil {
		return nil, fmt.Errorf("convert Ed25519 public key: %w", err)
	}

	converted, err := x25519Curve.NewPublicKey(point.BytesMontgomery())
	if err != nil {
		return nil, fmt.Errorf("convert Ed25519 public key: %w", err)
	}

	return converted, nil
}

// X25519PrivateKeyFromEd25519 derives the X25519 scalar matching
// X25519PublicKeyFromEd25519 of the corresponding public key.
func X25519PrivateKeyFromEd25519(privateKey ed25519.PrivateKey) (*ecdh.PrivateKey, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: got %d want %d", ErrInvalidKeyLength, len(privateKey), ed25519.PrivateKeySize)
	}

	digest := sha512.Sum512(privateKey.Seed())
	digest[0] &= 248
	digest[31] &= 127
	digest[31] |= 64

	scalar := make([]byte, 32)
	copy(scalar, digest[:32])
	Zeroize(digest[:])

	converted, err := x25519Curve.NewPrivateKey(scalar)
	if err != nil {
		Zeroize(scalar)
		return nil, fmt.Errorf("convert Ed25519 private key: %w", err)
	}

	return converted, nil
}
