package transfer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

func tempPath(inboxDir, transferID string) string {
	return filepath.Join(inboxDir, "."+transferID+".tmp")
}

// openTempFile opens or creates the hidden in-progress file for a
// transfer, preallocated to the declared size so offset writes cannot
// grow it piecemeal.
func openTempFile(inboxDir, transferID string, fileSize int64) (*os.File, error) {
	path := tempPath(inboxDir, transferID)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat temp file: %w", err)
	}
	if info.Size() != fileSize {
		if err := f.Truncate(fileSize); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("preallocate temp file: %w", err)
		}
	}

	return f, nil
}

// sanitizeFileName strips any path components a peer may have sent.
func sanitizeFileName(name string) string {
	name = filepath.Base(filepath.Clean(strings.TrimSpace(name)))
	if name == "" || name == "." || name == string(filepath.Separator) || strings.HasPrefix(name, "..") {
		return "received-file"
	}
	return name
}

// placeInInbox renames the finished temp file to its final name,
// appending " (k)" before the extension when a collision exists. The
// smallest free k is chosen. Partial files never appear under the
// final name.
func placeInInbox(inboxDir, transferID, fileName string) (string, error) {
	base := sanitizeFileName(fileName)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	candidate := filepath.Join(inboxDir, base)
	for k := 1; ; k++ {
		if _, err := os.Lstat(candidate); errors.Is(err, fs.ErrNotExist) {
			break
		}
		candidate = filepath.Join(inboxDir, fmt.Sprintf("%s (%d)%s", stem, k, ext))
	}

	if err := os.Rename(tempPath(inboxDir, transferID), candidate); err != nil {
		return "", fmt.Errorf("place in inbox: %w", err)
	}
	return candidate, nil
}

// discardTemp removes a transfer's in-progress file.
func discardTemp(inboxDir, transferID string) {
	_ = os.Remove(tempPath(inboxDir, transferID))
}
