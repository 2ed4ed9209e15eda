// Package identity holds the long-term signing identity of the local
// device and the authenticated identity of remote peers. A peer ID is
// the lowercase hex of the first 16 bytes of SHA-256 over the public
// signing key, so it is stable across sessions and derivable by anyone
// holding the key.
package identity

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"landrop/crypto"
)

// PeerIDFromPublicKey derives the stable peer ID for a public signing key.
func PeerIDFromPublicKey(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// LocalIdentity is the exclusively owned long-term signing key pair.
type LocalIdentity struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	peerID     string
}

// Generate creates a fresh local identity.
func Generate() (*LocalIdentity, error) {
	publicKey, privateKey, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return nil, err
	}
	return newLocalIdentity(privateKey, publicKey), nil
}

// Ensure loads the identity key pair from disk, creating it on first run.
func Ensure(privatePath, publicPath string) (*LocalIdentity, error) {
	privateKey, publicKey, err := crypto.EnsureEd25519KeyPair(privatePath, publicPath)
	if err != nil {
		return nil, err
	}
	return newLocalIdentity(privateKey, publicKey), nil
}

func newLocalIdentity(privateKey ed25519.PrivateKey, publicKey ed25519.PublicKey) *LocalIdentity {
	return &LocalIdentity{
		privateKey: privateKey,
		publicKey:  publicKey,
		peerID:     PeerIDFromPublicKey(publicKey),
	}
}

// PeerID returns the derived stable peer ID.
func (id *LocalIdentity) PeerID() string {
	return id.peerID
}

// PublicKey returns the long-term public signing key.
func (id *LocalIdentity) PublicKey() ed25519.PublicKey {
	return id.publicKey
}

// Fingerprint returns the truncated key fingerprint for display and TXT records.
func (id *LocalIdentity) Fingerprint() string {
	return crypto.KeyFingerprint(id.publicKey)
}

// Sign signs data with the long-term private key.
func (id *LocalIdentity) Sign(data []byte) ([]byte, error) {
	return crypto.Sign(id.privateKey, data)
}

// DHPrivateKey returns the X25519 form of the long-term key for use as
// the static key in the handshake.
func (id *LocalIdentity) DHPrivateKey() (*ecdh.PrivateKey, error) {
	return crypto.X25519PrivateKeyFromEd25519(id.privateKey)
}

// Close zeroizes the private key. The identity must not be used afterwards.
func (id *LocalIdentity) Close() {
	crypto.Zeroize(id.privateKey)
	id.privateKey = nil
}

// RemoteIdentity is the authenticated identity of a connected peer.
type RemoteIdentity struct {
	PublicKey ed25519.PublicKey
	PeerID    string
}

// NewRemoteIdentity validates a raw public signing key and derives the peer ID.
func NewRemoteIdentity(rawPublicKey []byte) (*RemoteIdentity, error) {
	if len(rawPublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: got %d want %d", crypto.ErrInvalidKeyLength, len(rawPublicKey), ed25519.PublicKeySize)
	}

	publicKey := ed25519.PublicKey(append([]byte(nil), rawPublicKey...))
	return &RemoteIdentity{
		PublicKey: publicKey,
		PeerID:    PeerIDFromPublicKey(publicKey),
	}, nil
}

// Fingerprint returns the truncated key fingerprint of the remote key.
func (id *RemoteIdentity) Fingerprint() string {
	return crypto.KeyFingerprint(id.PublicKey)
}
