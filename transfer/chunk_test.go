package transfer

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChooseChunkSizePolicy(t *testing.T) {
	assert.Equal(t, int32(64*KiB), ChooseChunkSize(0))
	assert.Equal(t, int32(64*KiB), ChooseChunkSize(1000))
	assert.Equal(t, int32(64*KiB), ChooseChunkSize(1*MiB-1))
	assert.Equal(t, int32(256*KiB), ChooseChunkSize(1*MiB))
	assert.Equal(t, int32(256*KiB), ChooseChunkSize(100*MiB-1))
	assert.Equal(t, int32(1*MiB), ChooseChunkSize(100*MiB))
	assert.Equal(t, int32(1*MiB), ChooseChunkSize(300*MiB))
}

func TestChunkCount(t *testing.T) {
	assert.Equal(t, int64(0), ChunkCount(0, 64*KiB))
	assert.Equal(t, int64(1), ChunkCount(1, 64*KiB))
	assert.Equal(t, int64(1), ChunkCount(64*KiB, 64*KiB))
	assert.Equal(t, int64(2), ChunkCount(64*KiB+1, 64*KiB))
	assert.Equal(t, int64(300), ChunkCount(300*MiB, 1*MiB))
}

func TestHashFileMatchesChunkHashes(t *testing.T) {
	dir := t.TempDir()
	path := createPatternFile(t, dir, "hashed.bin", 150*KiB)

	fileHash, size, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(150*KiB), size)
	assert.Len(t, fileHash, 32)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, fileHash, HashChunk(data))
}

func TestCheckpointRoundTripAndMonotonicity(t *testing.T) {
	inbox := t.TempDir()
	transferID := "dddddddddddddddddddddddddddddddd"

	require.NoError(t, saveCheckpoint(inbox, &Checkpoint{
		TransferID:  transferID,
		LastChunk:   4,
		FileName:    "f.bin",
		FileSize:    100,
		FileHashHex: hex.EncodeToString(make([]byte, 32)),
		ChunkSize:   64 * KiB,
		TotalChunks: 2,
	}))

	cp, err := LoadCheckpoint(inbox, transferID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, int64(4), cp.LastChunk)
	assert.NotEmpty(t, cp.Timestamp)

	// Progress advances; the stored mark follows.
	require.NoError(t, saveCheckpoint(inbox, &Checkpoint{
		TransferID:  transferID,
		LastChunk:   9,
		FileName:    "f.bin",
		FileSize:    100,
		FileHashHex: hex.EncodeToString(make([]byte, 32)),
		ChunkSize:   64 * KiB,
		TotalChunks: 2,
	}))
	cp, err = LoadCheckpoint(inbox, transferID)
	require.NoError(t, err)
	assert.Equal(t, int64(9), cp.LastChunk)

	removeCheckpoint(inbox, transferID)
	cp, err = LoadCheckpoint(inbox, transferID)
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestLoadCheckpointRejectsMismatchedID(t *testing.T) {
	inbox := t.TempDir()
	require.NoError(t, saveCheckpoint(inbox, &Checkpoint{
		TransferID:  "eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee",
		LastChunk:   1,
		FileHashHex: hex.EncodeToString(make([]byte, 32)),
	}))

	// A checkpoint copied under the wrong name must not be trusted.
	src := checkpointPath(inbox, "eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee")
	dst := checkpointPath(inbox, "ffffffffffffffffffffffffffffffff")
	raw, err := os.ReadFile(src)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dst, raw, 0o600))

	_, err = LoadCheckpoint(inbox, "ffffffffffffffffffffffffffffffff")
	assert.Error(t, err)
}

func TestIncomingTransferContiguityTracking(t *testing.T) {
	inbox := t.TempDir()
	transferID := "abababababababababababababababab"

	file, err := openTempFile(inbox, transferID, 5*64*KiB)
	require.NoError(t, err)
	t.Cleanup(func() { file.Close() })

	transfer := newIncomingTransfer("peer", transferID, "f.bin", "", 5*64*KiB, make([]byte, 32), 64*KiB, 5, 8)
	transfer.file = file

	chunk := make([]byte, 64*KiB)

	// Out-of-order arrival: 1 before 0.
	isNew, last, err := transfer.writeChunk(1, chunk)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, int64(-1), last)

	isNew, last, err = transfer.writeChunk(0, chunk)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, int64(1), last)

	// Duplicate delivery is ignored.
	isNew, last, err = transfer.writeChunk(1, chunk)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, int64(1), last)

	received, total := transfer.progress()
	assert.Equal(t, int64(2), received)
	assert.Equal(t, int64(5), total)
}

func TestPlaceInInboxSanitizesNames(t *testing.T) {
	inbox := t.TempDir()
	transferID := "cdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcd"

	file, err := openTempFile(inbox, transferID, 4)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	final, err := placeInInbox(inbox, transferID, "../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, inbox, filepath.Dir(final))
	assert.Equal(t, "passwd", filepath.Base(final))
}
