package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
)

var x25519Curve = ecdh.X25519()

// GenerateX25519KeyPair creates an ephemeral X25519 key pair.
func GenerateX25519KeyPair() (*ecdh.PrivateKey, *ecdh.PublicKey, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate X25519 keypair: %w", err)
	}
	return privateKey, privateKey.PublicKey(), nil
}

// ParseX25519PublicKey validates and parses a raw 32-byte X25519 public key.
func ParseX25519PublicKey(raw []byte) (*ecdh.PublicKey, error) {
	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parse X25519 public key: %v", ErrInvalidKeyLength, err)
	}
	return publicKey, nil
}

// DH computes the X25519 shared secret between a private and a remote public key.
func DH(privateKey *ecdh.PrivateKey, remotePublic *ecdh.PublicKey) ([]byte, error) {
	secret, err := privateKey.ECDH(remotePublic)
	if err != nil {
		return nil, fmt.Errorf("X25519 agreement: %w", err)
	}
	return secret, nil
}
