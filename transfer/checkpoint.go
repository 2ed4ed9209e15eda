package transfer

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Checkpoint records how far an incoming transfer has durably
// progressed, together with the announced metadata needed to rebuild
// the transfer after a restart. It lives next to the temporary file and
// only ever advances.
type Checkpoint struct {
	TransferID string `json:"transfer_id"`
	LastChunk  int64  `json:"last_contiguous_chunk"`
	Timestamp  string `json:"timestamp"`

	OriginPeerID string `json:"origin_peer_id"`
	FileName     string `json:"file_name"`
	FileSize     int64  `json:"file_size"`
	FileHashHex  string `json:"file_hash"`
	ChunkSize    int32  `json:"chunk_size"`
	TotalChunks  int64  `json:"total_chunks"`
}

// FileHash decodes the declared whole-file hash.
func (c *Checkpoint) FileHash() ([]byte, error) {
	hash, err := hex.DecodeString(c.FileHashHex)
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint hash: %w", err)
	}
	return hash, nil
}

func checkpointPath(inboxDir, transferID string) string {
	return filepath.Join(inboxDir, "."+transferID+".checkpoint")
}

// LoadCheckpoint reads a transfer's checkpoint; it returns nil without
// error when none exists.
func LoadCheckpoint(inboxDir, transferID string) (*Checkpoint, error) {
	raw, err := os.ReadFile(checkpointPath(inboxDir, transferID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	if cp.TransferID != transferID {
		return nil, fmt.Errorf("checkpoint transfer ID mismatch: %s", cp.TransferID)
	}
	return &cp, nil
}

// saveCheckpoint durably writes the checkpoint, replacing any previous
// one. The write is atomic and fsynced so it is never observed partial.
func saveCheckpoint(inboxDir string, cp *Checkpoint) error {
	cp.Timestamp = time.Now().UTC().Format(time.RFC3339)

	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	path := checkpointPath(inboxDir, cp.TransferID)
	tmp := path + ".new"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		_ = f.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}

// removeCheckpoint deletes a transfer's checkpoint, if present.
func removeCheckpoint(inboxDir, transferID string) {
	_ = os.Remove(checkpointPath(inboxDir, transferID))
}
