package transfer

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"landrop/wire"
)

// capturePort records everything an engine sends, for request-level
// assertions without a live peer.
type capturePort struct {
	mu       sync.Mutex
	messages []wire.Message
}

func (p *capturePort) SendMarshaled(peerID string, kind wire.Kind, payload interface {
	MarshalBinary() ([]byte, error)
}) error {
	raw, err := payload.MarshalBinary()
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.messages = append(p.messages, wire.Message{Kind: kind, Payload: raw})
	p.mu.Unlock()
	return nil
}

func (p *capturePort) Broadcast(kind wire.Kind, payload []byte) {
	p.mu.Lock()
	p.messages = append(p.messages, wire.Message{Kind: kind, Payload: payload})
	p.mu.Unlock()
}

func (p *capturePort) byKind(kind wire.Kind) []wire.Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []wire.Message
	for _, msg := range p.messages {
		if msg.Kind == kind {
			out = append(out, msg)
		}
	}
	return out
}

func TestAcceptAfterRestartResumesFromCheckpoint(t *testing.T) {
	inbox := filepath.Join(t.TempDir(), "inbox")
	if err := os.MkdirAll(inbox, 0o700); err != nil {
		t.Fatalf("mkdir inbox: %v", err)
	}

	transferID := "cccccccccccccccccccccccccccccccc"
	peerID := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	fileSize := int64(20 * 64 * KiB)
	fileHash := bytes.Repeat([]byte{0x11}, 32)

	// Durable state left behind by an interrupted run: the temp file
	// plus a checkpoint saying chunks 0..12 of 20 are on disk.
	tmp, err := openTempFile(inbox, transferID, fileSize)
	if err != nil {
		t.Fatalf("prepare temp: %v", err)
	}
	tmp.Close()
	if err := saveCheckpoint(inbox, &Checkpoint{
		TransferID:   transferID,
		LastChunk:    12,
		OriginPeerID: peerID,
		FileName:     "resumed.bin",
		FileSize:     fileSize,
		FileHashHex:  hex.EncodeToString(fileHash),
		ChunkSize:    64 * KiB,
		TotalChunks:  20,
	}); err != nil {
		t.Fatalf("prepare checkpoint: %v", err)
	}

	port := &capturePort{}
	engine, err := NewEngine(port, Options{InboxDir: inbox})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(engine.Stop)

	if err := engine.Accept(peerID, transferID); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	resumes := port.byKind(wire.KindFileResume)
	if len(resumes) != 1 {
		t.Fatalf("expected one resume notice, got %d", len(resumes))
	}
	var resume wire.FileResume
	if err := resume.UnmarshalBinary(resumes[0].Payload); err != nil {
		t.Fatalf("decode resume: %v", err)
	}
	if resume.LastReceivedChunk != 12 {
		t.Fatalf("resume reports chunk %d, want 12", resume.LastReceivedChunk)
	}

	requests := port.byKind(wire.KindFileRequest)
	if len(requests) != 1 {
		t.Fatalf("expected one request, got %d", len(requests))
	}
	var request wire.FileRequest
	if err := request.UnmarshalBinary(requests[0].Payload); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if request.FirstChunkIndex != 13 {
		t.Fatalf("first requested chunk %d, want 13", request.FirstChunkIndex)
	}
	if request.ChunkCount != DefaultMaxInFlight {
		t.Fatalf("window %d, want %d", request.ChunkCount, DefaultMaxInFlight)
	}
}

func TestInterruptedTransferResumesEndToEnd(t *testing.T) {
	inbox := filepath.Join(t.TempDir(), "inbox")
	pair := newTestPair(t, Options{}, Options{AutoAccept: true, InboxDir: inbox})

	// Drop every chunk past index 9 on its first delivery so the first
	// attempt stalls with a durable prefix on disk.
	firstAttempt := true
	var mu sync.Mutex
	pair.fabric.intercept = func(from, to string, msg wire.Message) (wire.Message, bool) {
		if msg.Kind != wire.KindFileChunk {
			return msg, true
		}
		mu.Lock()
		defer mu.Unlock()
		if !firstAttempt {
			return msg, true
		}
		var chunk wire.FileChunk
		if err := chunk.UnmarshalBinary(msg.Payload); err != nil {
			return msg, true
		}
		if chunk.ChunkIndex > 9 {
			return msg, false
		}
		return msg, true
	}

	source := createPatternFile(t, t.TempDir(), "resumable.bin", 5*MiB)
	transferID, err := pair.sender.Announce(source)
	if err != nil {
		t.Fatalf("Announce failed: %v", err)
	}

	// Wait until the prefix is durable on the receiver.
	deadline := time.Now().Add(10 * time.Second)
	for {
		cp, err := LoadCheckpoint(inbox, transferID)
		if err == nil && cp != nil && cp.LastChunk >= 7 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("prefix never became durable")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Lift the interception and re-accept: the transfer must finish
	// without re-requesting the durable prefix.
	mu.Lock()
	firstAttempt = false
	mu.Unlock()

	if err := pair.receiver.Accept(pair.senderID, transferID); err != nil {
		t.Fatalf("re-accept failed: %v", err)
	}

	completed := waitForTransferEvent(t, pair.receiver.Events(), EventTransferCompleted, 30*time.Second)
	if !completed.Success {
		t.Fatalf("resumed transfer failed: %s", completed.Reason)
	}

	got, err := os.ReadFile(completed.Path)
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	want, _ := os.ReadFile(source)
	if !bytes.Equal(got, want) {
		t.Fatalf("resumed file differs from source")
	}
}
