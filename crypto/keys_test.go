package crypto

import (
	"path/filepath"
	"testing"
)

func TestSignVerify(t *testing.T) {
	publicKey, privateKey, err := GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("GenerateSigningKeyPair failed: %v", err)
	}

	data := []byte("transcript-hash-and-timestamp")
	signature, err := Sign(privateKey, data)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if err := Verify(publicKey, data, signature); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
}

func TestVerifyRejectsTamperedData(t *testing.T) {
	publicKey, privateKey, err := GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("GenerateSigningKeyPair failed: %v", err)
	}

	signature, err := Sign(privateKey, []byte("original"))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if err := Verify(publicKey, []byte("modified"), signature); err != ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestEnsureEd25519KeyPairIsStable(t *testing.T) {
	dir := t.TempDir()
	privatePath := filepath.Join(dir, "identity.key")
	publicPath := filepath.Join(dir, "identity.pub")

	private1, public1, err := EnsureEd25519KeyPair(privatePath, publicPath)
	if err != nil {
		t.Fatalf("first Ensure failed: %v", err)
	}

	private2, public2, err := EnsureEd25519KeyPair(privatePath, publicPath)
	if err != nil {
		t.Fatalf("second Ensure failed: %v", err)
	}

	if !private1.Equal(private2) || !public1.Equal(public2) {
		t.Fatalf("keypair changed between loads")
	}
}

func TestFormatFingerprint(t *testing.T) {
	got := FormatFingerprint("a1b2c3d4e5f6")
	want := "A1B2 C3D4 E5F6"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
