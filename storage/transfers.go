package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RecordTransfer inserts a transfer history row; re-announcing the
// same transfer refreshes it.
func (s *Store) RecordTransfer(record TransferRecord) error {
	if record.TransferID == "" {
		return errors.New("storage: transfer ID is required")
	}
	if record.Direction != DirectionSend && record.Direction != DirectionReceive {
		return fmt.Errorf("storage: invalid direction %q", record.Direction)
	}
	if record.Status == "" {
		record.Status = TransferPending
	}
	if record.StartedAt == 0 {
		record.StartedAt = time.Now().Unix()
	}

	_, err := s.db.Exec(`
INSERT INTO transfers (transfer_id, peer_id, direction, file_name, file_size, file_hash, status, final_path, started_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(transfer_id) DO UPDATE SET
  peer_id    = CASE WHEN excluded.peer_id != '' THEN excluded.peer_id ELSE transfers.peer_id END,
  status     = excluded.status,
  final_path = excluded.final_path;
`, record.TransferID, record.PeerID, record.Direction, record.FileName, record.FileSize,
		record.FileHash, record.Status, record.FinalPath, record.StartedAt)
	if err != nil {
		return fmt.Errorf("record transfer: %w", err)
	}
	return nil
}

// SetTransferStatus moves a transfer to a new status; terminal statuses
// also stamp the finish time.
func (s *Store) SetTransferStatus(transferID, status, finalPath string) error {
	var finishedAt any
	if status == TransferComplete || status == TransferFailed {
		finishedAt = time.Now().Unix()
	}

	result, err := s.db.Exec(`
UPDATE transfers
SET status = ?, final_path = CASE WHEN ? != '' THEN ? ELSE final_path END, finished_at = COALESCE(?, finished_at)
WHERE transfer_id = ?;
`, status, finalPath, finalPath, finishedAt, transferID)
	if err != nil {
		return fmt.Errorf("set transfer status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set transfer status: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTransfer loads one transfer history row.
func (s *Store) GetTransfer(transferID string) (*TransferRecord, error) {
	row := s.db.QueryRow(`
SELECT transfer_id, peer_id, direction, file_name, file_size, file_hash, status, final_path, started_at, COALESCE(finished_at, 0)
FROM transfers WHERE transfer_id = ?;
`, transferID)

	var record TransferRecord
	err := row.Scan(&record.TransferID, &record.PeerID, &record.Direction, &record.FileName,
		&record.FileSize, &record.FileHash, &record.Status, &record.FinalPath,
		&record.StartedAt, &record.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer: %w", err)
	}
	return &record, nil
}

// ListTransfers returns transfer history, most recent first.
func (s *Store) ListTransfers(limit int) ([]TransferRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`
SELECT transfer_id, peer_id, direction, file_name, file_size, file_hash, status, final_path, started_at, COALESCE(finished_at, 0)
FROM transfers ORDER BY started_at DESC, transfer_id LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	var records []TransferRecord
	for rows.Next() {
		var record TransferRecord
		if err := rows.Scan(&record.TransferID, &record.PeerID, &record.Direction, &record.FileName,
			&record.FileSize, &record.FileHash, &record.Status, &record.FinalPath,
			&record.StartedAt, &record.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
