package transfer

import (
	"fmt"
	"os"
	"sync"
)

// OutgoingTransfer tracks one announced file on the sending side, from
// announce until the final ack or a cancel. It binds to the first peer
// that requests it; chunks are read on demand so memory use stays at
// one chunk regardless of file size.
type OutgoingTransfer struct {
	ID         string
	SourcePath string
	FileName   string
	MimeType   string
	FileSize   int64
	FileHash   []byte

	ChunkSize   int32
	TotalChunks int64

	mu       sync.Mutex
	peerID   string
	file     *os.File
	acked    map[int64]bool
	failures map[int64]int
	done     bool
}

func newOutgoingTransfer(id, sourcePath, fileName, mimeType string, fileSize int64, fileHash []byte, chunkSize int32) *OutgoingTransfer {
	return &OutgoingTransfer{
		ID:          id,
		SourcePath:  sourcePath,
		FileName:    fileName,
		MimeType:    mimeType,
		FileSize:    fileSize,
		FileHash:    fileHash,
		ChunkSize:   chunkSize,
		TotalChunks: ChunkCount(fileSize, chunkSize),
		acked:       make(map[int64]bool),
		failures:    make(map[int64]int),
	}
}

// bind claims the transfer for a requesting peer. Requests from other
// peers after binding are rejected: one in-flight delivery per
// transfer ID.
func (t *OutgoingTransfer) bind(peerID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return fmt.Errorf("transfer %s already finished", t.ID)
	}
	if t.peerID == "" {
		t.peerID = peerID
		return nil
	}
	if t.peerID != peerID {
		return fmt.Errorf("transfer %s already claimed by %s", t.ID, t.peerID)
	}
	return nil
}

// readChunkAt opens the source lazily and reads one chunk.
func (t *OutgoingTransfer) readChunkAt(index int64) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index >= t.TotalChunks {
		return nil, fmt.Errorf("chunk %d out of range for transfer %s", index, t.ID)
	}

	if t.file == nil {
		f, err := os.Open(t.SourcePath)
		if err != nil {
			return nil, fmt.Errorf("open source: %w", err)
		}
		t.file = f
	}

	return readChunk(t.file, index, t.ChunkSize, t.FileSize)
}

// markAcked records a positive ack, returning the distinct acked count.
func (t *OutgoingTransfer) markAcked(index int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.acked[index] {
		t.acked[index] = true
		delete(t.failures, index)
	}
	return int64(len(t.acked))
}

// markFailed counts a consecutive negative ack for one chunk and
// reports whether the retry budget is exhausted.
func (t *OutgoingTransfer) markFailed(index int64, budget int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.failures[index]++
	return t.failures[index] >= budget
}

// ackedBytes estimates the bytes the peer has confirmed.
func (t *OutgoingTransfer) ackedBytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	bytes := int64(len(t.acked)) * int64(t.ChunkSize)
	if bytes > t.FileSize {
		bytes = t.FileSize
	}
	return bytes
}

// finish closes the source file; repeated calls are no-ops.
func (t *OutgoingTransfer) finish() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return
	}
	t.done = true
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
	}
}
