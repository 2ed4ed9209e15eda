package identity

import (
	"path/filepath"
	"regexp"
	"testing"
)

var peerIDShape = regexp.MustCompile(`^[0-9a-f]{32}$`)

func TestPeerIDDerivation(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	peerID := id.PeerID()
	if !peerIDShape.MatchString(peerID) {
		t.Fatalf("peer ID %q is not 32 lowercase hex chars", peerID)
	}
	if peerID != PeerIDFromPublicKey(id.PublicKey()) {
		t.Fatalf("peer ID not derived from public key")
	}

	other, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if other.PeerID() == peerID {
		t.Fatalf("independent identities share a peer ID")
	}
}

func TestEnsureIsStableAcrossLoads(t *testing.T) {
	dir := t.TempDir()
	privatePath := filepath.Join(dir, "identity.key")
	publicPath := filepath.Join(dir, "identity.pub")

	first, err := Ensure(privatePath, publicPath)
	if err != nil {
		t.Fatalf("first Ensure failed: %v", err)
	}
	second, err := Ensure(privatePath, publicPath)
	if err != nil {
		t.Fatalf("second Ensure failed: %v", err)
	}

	if first.PeerID() != second.PeerID() {
		t.Fatalf("peer ID changed between loads: %s vs %s", first.PeerID(), second.PeerID())
	}
}

func TestRemoteIdentityMatchesLocalDerivation(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	remote, err := NewRemoteIdentity(id.PublicKey())
	if err != nil {
		t.Fatalf("NewRemoteIdentity failed: %v", err)
	}
	if remote.PeerID != id.PeerID() {
		t.Fatalf("remote derivation differs: %s vs %s", remote.PeerID, id.PeerID())
	}
}

func TestRemoteIdentityRejectsBadKeyLength(t *testing.T) {
	if _, err := NewRemoteIdentity(make([]byte, 16)); err == nil {
		t.Fatalf("expected key length error")
	}
}

func TestSignAfterCloseFails(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	id.Close()

	if _, err := id.Sign([]byte("data")); err == nil {
		t.Fatalf("expected signing to fail after Close")
	}
}
