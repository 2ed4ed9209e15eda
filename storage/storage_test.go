package storage

import (
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := OpenPath(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return store
}

func TestOpenIsIdempotentOnSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.db")

	store, err := OpenPath(path)
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	store, err = OpenPath(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestPeerUpsertAndGet(t *testing.T) {
	store := openTestStore(t)

	peer := Peer{
		PeerID:       "11111111111111111111111111111111",
		DeviceName:   "desk",
		Fingerprint:  "abcd",
		LastEndpoint: "192.168.1.20:4000",
	}
	if err := store.UpsertPeer(peer); err != nil {
		t.Fatalf("UpsertPeer failed: %v", err)
	}

	got, err := store.GetPeer(peer.PeerID)
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if got.DeviceName != "desk" || got.LastEndpoint != "192.168.1.20:4000" {
		t.Fatalf("unexpected row %+v", got)
	}

	// A later upsert with partial fields keeps the earlier values.
	if err := store.UpsertPeer(Peer{PeerID: peer.PeerID, LastEndpoint: "192.168.1.21:4000"}); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	got, err = store.GetPeer(peer.PeerID)
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if got.DeviceName != "desk" {
		t.Fatalf("device name lost on partial upsert")
	}
	if got.LastEndpoint != "192.168.1.21:4000" {
		t.Fatalf("endpoint not refreshed")
	}
}

func TestGetPeerNotFound(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.GetPeer("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTransferLifecycle(t *testing.T) {
	store := openTestStore(t)

	record := TransferRecord{
		TransferID: "22222222222222222222222222222222",
		PeerID:     "11111111111111111111111111111111",
		Direction:  DirectionReceive,
		FileName:   "report.pdf",
		FileSize:   1 << 20,
		FileHash:   "deadbeef",
	}
	if err := store.RecordTransfer(record); err != nil {
		t.Fatalf("RecordTransfer failed: %v", err)
	}

	if err := store.SetTransferStatus(record.TransferID, TransferActive, ""); err != nil {
		t.Fatalf("SetTransferStatus failed: %v", err)
	}
	if err := store.SetTransferStatus(record.TransferID, TransferComplete, "/inbox/report.pdf"); err != nil {
		t.Fatalf("SetTransferStatus failed: %v", err)
	}

	got, err := store.GetTransfer(record.TransferID)
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if got.Status != TransferComplete {
		t.Fatalf("status %q", got.Status)
	}
	if got.FinalPath != "/inbox/report.pdf" {
		t.Fatalf("final path %q", got.FinalPath)
	}
	if got.FinishedAt == 0 {
		t.Fatalf("terminal status missing finish time")
	}

	records, err := store.ListTransfers(10)
	if err != nil {
		t.Fatalf("ListTransfers failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
}

func TestRecordTransferValidatesDirection(t *testing.T) {
	store := openTestStore(t)

	err := store.RecordTransfer(TransferRecord{TransferID: "t", Direction: "sideways"})
	if err == nil {
		t.Fatalf("expected direction validation error")
	}
}

func TestClipboardEvents(t *testing.T) {
	store := openTestStore(t)

	if err := store.RecordClipboardEvent("33333333333333333333333333333333", "peer", 0, 128); err != nil {
		t.Fatalf("RecordClipboardEvent failed: %v", err)
	}
	// Duplicate IDs are ignored, not errors.
	if err := store.RecordClipboardEvent("33333333333333333333333333333333", "peer", 0, 128); err != nil {
		t.Fatalf("duplicate RecordClipboardEvent failed: %v", err)
	}

	events, err := store.ListClipboardEvents(10)
	if err != nil {
		t.Fatalf("ListClipboardEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Size != 128 {
		t.Fatalf("unexpected size %d", events[0].Size)
	}
}
