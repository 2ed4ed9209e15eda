package transfer

import (
	"fmt"
	"os"
	"sync"
)

// writeJob is one verified chunk queued for the transfer's writer task.
type writeJob struct {
	index int64
	data  []byte
}

// IncomingTransfer tracks one announced file on the receiving side. A
// single writer task owns the temp file: the session's read loop hands
// verified chunks to a bounded channel and is never blocked on disk
// longer than the channel allows. All position, write, flush and
// counter updates happen under one exclusive lock.
type IncomingTransfer struct {
	ID       string
	PeerID   string
	FileName string
	MimeType string
	FileSize int64
	FileHash []byte

	ChunkSize   int32
	TotalChunks int64

	mu             sync.Mutex
	file           *os.File
	received       map[int64]bool
	receivedCount  int64
	lastContiguous int64
	lastRequested  int64
	done           bool

	jobs     chan writeJob
	stopOnce sync.Once
	stopped  chan struct{}
}

func newIncomingTransfer(peerID string, id, fileName, mimeType string, fileSize int64, fileHash []byte, chunkSize int32, totalChunks int64, window int) *IncomingTransfer {
	return &IncomingTransfer{
		ID:             id,
		PeerID:         peerID,
		FileName:       fileName,
		MimeType:       mimeType,
		FileSize:       fileSize,
		FileHash:       fileHash,
		ChunkSize:      chunkSize,
		TotalChunks:    totalChunks,
		received:       make(map[int64]bool),
		lastContiguous: -1,
		lastRequested:  -1,
		jobs:           make(chan writeJob, window),
		stopped:        make(chan struct{}),
	}
}

// restoreProgress seeds the transfer from a checkpoint: chunks up to
// and including last are already durable in the temp file.
func (t *IncomingTransfer) restoreProgress(last int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if last >= 0 {
		t.lastContiguous = last
		t.receivedCount = last + 1
	}
}

// enqueue hands a verified chunk to the writer task. It blocks only on
// the bounded channel, which the request window keeps short.
func (t *IncomingTransfer) enqueue(job writeJob) bool {
	select {
	case <-t.stopped:
		return false
	default:
	}

	select {
	case t.jobs <- job:
		return true
	case <-t.stopped:
		return false
	}
}

// writeChunk writes one chunk at its offset, flushes, and advances the
// progress counters. It reports whether the chunk was new and the
// resulting contiguous high-water mark.
func (t *IncomingTransfer) writeChunk(index int64, data []byte) (isNew bool, lastContiguous int64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return false, t.lastContiguous, nil
	}
	if index <= t.lastContiguous || t.received[index] {
		return false, t.lastContiguous, nil
	}

	offset := index * int64(t.ChunkSize)
	if _, err := t.file.WriteAt(data, offset); err != nil {
		return false, t.lastContiguous, fmt.Errorf("write chunk %d: %w", index, err)
	}
	if err := t.file.Sync(); err != nil {
		return false, t.lastContiguous, fmt.Errorf("flush chunk %d: %w", index, err)
	}

	t.received[index] = true
	t.receivedCount++
	for t.received[t.lastContiguous+1] {
		delete(t.received, t.lastContiguous+1)
		t.lastContiguous++
	}

	return true, t.lastContiguous, nil
}

// chunkSizeAt returns the exact byte length chunk index must carry.
func (t *IncomingTransfer) chunkSizeAt(index int64) int64 {
	offset := index * int64(t.ChunkSize)
	size := int64(t.ChunkSize)
	if offset+size > t.FileSize {
		size = t.FileSize - offset
	}
	return size
}

// lastDurableChunk returns the highest contiguously written chunk
// index, or -1 when nothing is durable yet.
func (t *IncomingTransfer) lastDurableChunk() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastContiguous
}

// progress returns received and total chunk counts.
func (t *IncomingTransfer) progress() (received, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.receivedCount, t.TotalChunks
}

// windowEnd returns the final index of the currently requested window.
func (t *IncomingTransfer) windowEnd() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastRequested
}

// setWindowEnd records the final index of a freshly requested window.
func (t *IncomingTransfer) setWindowEnd(end int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if end > t.lastRequested {
		t.lastRequested = end
	}
}

// closeFile closes the temp file handle, keeping the file on disk.
func (t *IncomingTransfer) closeFile() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
	}
}

// stop ends the writer task. The temp file and checkpoint stay on disk
// unless the caller discards them separately.
func (t *IncomingTransfer) stop() {
	t.stopOnce.Do(func() {
		close(t.stopped)
	})
}

// finished marks the transfer terminal, reporting whether this call
// made the transition.
func (t *IncomingTransfer) finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return false
	}
	t.done = true
	return true
}
