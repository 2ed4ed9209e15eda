package storage

import (
	"errors"
	"fmt"
	"time"
)

// RecordClipboardEvent stores the metadata of one clipboard payload.
// The content itself is never persisted.
func (s *Store) RecordClipboardEvent(clipboardID, peerID string, contentType byte, size int) error {
	if clipboardID == "" {
		return errors.New("storage: clipboard ID is required")
	}

	_, err := s.db.Exec(`
INSERT INTO clipboard_events (clipboard_id, peer_id, content_type, size, received_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(clipboard_id) DO NOTHING;
`, clipboardID, peerID, contentType, size, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("record clipboard event: %w", err)
	}
	return nil
}

// ListClipboardEvents returns clipboard history, most recent first.
func (s *Store) ListClipboardEvents(limit int) ([]ClipboardEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`
SELECT clipboard_id, peer_id, content_type, size, received_at
FROM clipboard_events ORDER BY received_at DESC, clipboard_id LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list clipboard events: %w", err)
	}
	defer rows.Close()

	var events []ClipboardEvent
	for rows.Next() {
		var event ClipboardEvent
		if err := rows.Scan(&event.ClipboardID, &event.PeerID, &event.ContentType, &event.Size, &event.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan clipboard event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
