package crypto

import (
	"bytes"
	"testing"
)

// Two peers converting their long-term Ed25519 keys must agree on the
// same X25519 shared secret from either side.
func TestConvertedKeysAgreeOnSharedSecret(t *testing.T) {
	pubA, privA, err := GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate A: %v", err)
	}
	pubB, privB, err := GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate B: %v", err)
	}

	dhPrivA, err := X25519PrivateKeyFromEd25519(privA)
	if err != nil {
		t.Fatalf("convert private A: %v", err)
	}
	dhPrivB, err := X25519PrivateKeyFromEd25519(privB)
	if err != nil {
		t.Fatalf("convert private B: %v", err)
	}
	dhPubA, err := X25519PublicKeyFromEd25519(pubA)
	if err != nil {
		t.Fatalf("convert public A: %v", err)
	}
	dhPubB, err := X25519PublicKeyFromEd25519(pubB)
	if err != nil {
		t.Fatalf("convert public B: %v", err)
	}

	sharedAB, err := DH(dhPrivA, dhPubB)
	if err != nil {
		t.Fatalf("DH A->B: %v", err)
	}
	sharedBA, err := DH(dhPrivB, dhPubA)
	if err != nil {
		t.Fatalf("DH B->A: %v", err)
	}

	if !bytes.Equal(sharedAB, sharedBA) {
		t.Fatalf("shared secrets differ")
	}
}

func TestConvertedPrivateMatchesConvertedPublic(t *testing.T) {
	pub, priv, err := GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	dhPriv, err := X25519PrivateKeyFromEd25519(priv)
	if err != nil {
		t.Fatalf("convert private: %v", err)
	}
	dhPub, err := X25519PublicKeyFromEd25519(pub)
	if err != nil {
		t.Fatalf("convert public: %v", err)
	}

	if !bytes.Equal(dhPriv.PublicKey().Bytes(), dhPub.Bytes()) {
		t.Fatalf("derived public key does not match converted public key")
	}
}

func TestHKDF2IsDeterministic(t *testing.T) {
	ck := make([]byte, 32)
	ikm := []byte("input key material")

	a1, a2, err := HKDF2(ck, ikm)
	if err != nil {
		t.Fatalf("HKDF2 failed: %v", err)
	}
	b1, b2, err := HKDF2(ck, ikm)
	if err != nil {
		t.Fatalf("HKDF2 failed: %v", err)
	}

	if !bytes.Equal(a1, b1) || !bytes.Equal(a2, b2) {
		t.Fatalf("HKDF2 not deterministic")
	}
	if bytes.Equal(a1, a2) {
		t.Fatalf("HKDF2 outputs must differ")
	}
	if len(a1) != 32 || len(a2) != 32 {
		t.Fatalf("unexpected output lengths %d %d", len(a1), len(a2))
	}
}

func TestConstantTimeEqual(t *testing.T) {
	if !ConstantTimeEqual([]byte{1, 2, 3}, []byte{1, 2, 3}) {
		t.Fatalf("equal slices reported unequal")
	}
	if ConstantTimeEqual([]byte{1, 2, 3}, []byte{1, 2, 4}) {
		t.Fatalf("unequal slices reported equal")
	}
	if ConstantTimeEqual([]byte{1, 2}, []byte{1, 2, 3}) {
		t.Fatalf("different lengths reported equal")
	}
}

func TestZeroize(t *testing.T) {
	secret := []byte{0xde, 0xad, 0xbe, 0xef}
	Zeroize(secret)
	for i, b := range secret {
		if b != 0 {
			t.Fatalf("byte %d not zeroized", i)
		}
	}
}
