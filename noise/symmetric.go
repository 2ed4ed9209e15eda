// Package noise implements the Noise_XX_25519_AESGCM_SHA256 handshake
// the transport authenticates sessions with. Both peers disclose their
// long-term key inside the encrypted part of the exchange and prove
// possession by signing the running transcript hash; the derived
// transport keys depend only on ephemeral Diffie-Hellman contributions,
// so recorded traffic stays confidential after a long-term key leaks.
package noise

import (
	"crypto/sha256"
	"encoding/binary"

	"landrop/crypto"
)

// ProtocolName identifies the handshake pattern and cipher suite. It is
// shorter than a hash, so the initial transcript hash is the name
// zero-padded to 32 bytes.
const ProtocolName = "Noise_XX_25519_AESGCM_SHA256"

// cipherState is one AEAD key with its message counter. The nonce is
// the 64-bit counter big-endian in the low 8 bytes of the 12-byte GCM
// nonce.
type cipherState struct {
	key     []byte
	counter uint64
}

func (cs *cipherState) hasKey() bool {
	return cs.key != nil
}

func (cs *cipherState) install(key []byte) {
	if cs.key != nil {
		crypto.Zeroize(cs.key)
	}
	cs.key = key
	cs.counter = 0
}

func (cs *cipherState) nonce() []byte {
	nonce := make([]byte, crypto.AEADNonceSize)
	binary.BigEndian.PutUint64(nonce[4:], cs.counter)
	return nonce
}

func (cs *cipherState) encrypt(plaintext, additionalData []byte) ([]byte, error) {
	ciphertext, err := crypto.Seal(cs.key, cs.nonce(), plaintext, additionalData)
	if err != nil {
		return nil, err
	}
	cs.counter++
	return ciphertext, nil
}

func (cs *cipherState) decrypt(ciphertext, additionalData []byte) ([]byte, error) {
	plaintext, err := crypto.Open(cs.key, cs.nonce(), ciphertext, additionalData)
	if err != nil {
		return nil, err
	}
	cs.counter++
	return plaintext, nil
}

func (cs *cipherState) destroy() {
	if cs.key != nil {
		crypto.Zeroize(cs.key)
		cs.key = nil
	}
	cs.counter = 0
}

// symmetricState carries the chaining key and transcript hash through
// the handshake.
type symmetricState struct {
	cipher cipherState
	ck     []byte
	h      []byte
}

func newSymmetricState() *symmetricState {
	h := make([]byte, 32)
	copy(h, ProtocolName)

	ss := &symmetricState{
		ck: make([]byte, 32),
		h:  h,
	}
	copy(ss.ck, h)
	return ss
}

func (ss *symmetricState) mixHash(data []byte) {
	hash := sha256.New()
	hash.Write(ss.h)
	hash.Write(data)
	ss.h = hash.Sum(nil)
}

func (ss *symmetricState) mixKey(ikm []byte) error {
	ck, key, err := crypto.HKDF2(ss.ck, ikm)
	if err != nil {
		return err
	}
	crypto.Zeroize(ss.ck)
	ss.ck = ck
	ss.cipher.install(key)
	return nil
}

func (ss *symmetricState) encryptAndHash(plaintext []byte) ([]byte, error) {
	if !ss.cipher.hasKey() {
		ss.mixHash(plaintext)
		return plaintext, nil
	}

	ciphertext, err := ss.cipher.encrypt(plaintext, ss.h)
	if err != nil {
		return nil, err
	}
	ss.mixHash(ciphertext)
	return ciphertext, nil
}

func (ss *symmetricState) decryptAndHash(ciphertext []byte) ([]byte, error) {
	if !ss.cipher.hasKey() {
		ss.mixHash(ciphertext)
		return ciphertext, nil
	}

	plaintext, err := ss.cipher.decrypt(ciphertext, ss.h)
	if err != nil {
		return nil, err
	}
	ss.mixHash(ciphertext)
	return plaintext, nil
}

// split derives the two one-way transport keys from the chaining key.
func (ss *symmetricState) split() (k1, k2 []byte, err error) {
	return crypto.HKDF2(ss.ck, nil)
}

func (ss *symmetricState) destroy() {
	ss.cipher.destroy()
	crypto.Zeroize(ss.ck)
}
