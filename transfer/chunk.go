package transfer

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
)

const (
	// KiB and MiB are byte-size units for chunk policy thresholds.
	KiB = 1024
	MiB = 1024 * KiB

	smallFileThreshold = 1 * MiB
	largeFileThreshold = 100 * MiB

	smallChunkSize  = 64 * KiB
	mediumChunkSize = 256 * KiB
	largeChunkSize  = 1 * MiB
)

// ChooseChunkSize applies the deterministic chunk-size policy.
func ChooseChunkSize(fileSize int64) int32 {
	switch {
	case fileSize < smallFileThreshold:
		return smallChunkSize
	case fileSize < largeFileThreshold:
		return mediumChunkSize
	default:
		return largeChunkSize
	}
}

// ChunkCount returns how many chunks of the given size cover fileSize.
func ChunkCount(fileSize int64, chunkSize int32) int64 {
	if fileSize <= 0 || chunkSize <= 0 {
		return 0
	}
	return (fileSize + int64(chunkSize) - 1) / int64(chunkSize)
}

// HashChunk returns the SHA-256 of one chunk's bytes.
func HashChunk(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// HashFile streams a file through SHA-256, returning the digest and size.
func HashFile(path string) ([]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open for hashing: %w", err)
	}
	defer f.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, f)
	if err != nil {
		return nil, 0, fmt.Errorf("hash %q: %w", path, err)
	}

	return hash.Sum(nil), size, nil
}

// readChunk reads the chunk at index from an open file, sized by the
// transfer's chunk size and bounded by the file size.
func readChunk(f *os.File, index int64, chunkSize int32, fileSize int64) ([]byte, error) {
	offset := index * int64(chunkSize)
	if offset >= fileSize {
		return nil, fmt.Errorf("chunk %d out of range", index)
	}

	size := int64(chunkSize)
	if offset+size > fileSize {
		size = fileSize - offset
	}

	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("read chunk %d: %w", index, err)
	}
	return buf, nil
}
