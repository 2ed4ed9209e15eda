package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertPeer inserts or refreshes a peer row after a successful
// handshake or discovery observation.
func (s *Store) UpsertPeer(peer Peer) error {
	if peer.PeerID == "" {
		return errors.New("storage: peer ID is required")
	}

	now := time.Now().Unix()
	if peer.FirstSeen == 0 {
		peer.FirstSeen = now
	}
	if peer.LastSeen == 0 {
		peer.LastSeen = now
	}

	_, err := s.db.Exec(`
INSERT INTO peers (peer_id, device_name, public_key, fingerprint, last_endpoint, first_seen, last_seen)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(peer_id) DO UPDATE SET
  device_name   = CASE WHEN excluded.device_name != '' THEN excluded.device_name ELSE peers.device_name END,
  public_key    = CASE WHEN excluded.public_key != '' THEN excluded.public_key ELSE peers.public_key END,
  fingerprint   = CASE WHEN excluded.fingerprint != '' THEN excluded.fingerprint ELSE peers.fingerprint END,
  last_endpoint = CASE WHEN excluded.last_endpoint != '' THEN excluded.last_endpoint ELSE peers.last_endpoint END,
  last_seen     = excluded.last_seen;
`, peer.PeerID, peer.DeviceName, peer.PublicKey, peer.Fingerprint, peer.LastEndpoint, peer.FirstSeen, peer.LastSeen)
	if err != nil {
		return fmt.Errorf("upsert peer: %w", err)
	}
	return nil
}

// GetPeer loads one peer by ID.
func (s *Store) GetPeer(peerID string) (*Peer, error) {
	row := s.db.QueryRow(`
SELECT peer_id, device_name, public_key, fingerprint, last_endpoint, first_seen, last_seen
FROM peers WHERE peer_id = ?;
`, peerID)

	var peer Peer
	err := row.Scan(&peer.PeerID, &peer.DeviceName, &peer.PublicKey, &peer.Fingerprint,
		&peer.LastEndpoint, &peer.FirstSeen, &peer.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get peer: %w", err)
	}
	return &peer, nil
}

// ListPeers returns every known peer, most recently seen first.
func (s *Store) ListPeers() ([]Peer, error) {
	rows, err := s.db.Query(`
SELECT peer_id, device_name, public_key, fingerprint, last_endpoint, first_seen, last_seen
FROM peers ORDER BY last_seen DESC, peer_id;
`)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	var peers []Peer
	for rows.Next() {
		var peer Peer
		if err := rows.Scan(&peer.PeerID, &peer.DeviceName, &peer.PublicKey, &peer.Fingerprint,
			&peer.LastEndpoint, &peer.FirstSeen, &peer.LastSeen); err != nil {
			return nil, fmt.Errorf("scan peer: %w", err)
		}
		peers = append(peers, peer)
	}
	return peers, rows.Err()
}

// RemovePeer deletes a peer row.
func (s *Store) RemovePeer(peerID string) error {
	result, err := s.db.Exec(`DELETE FROM peers WHERE peer_id = ?;`, peerID)
	if err != nil {
		return fmt.Errorf("remove peer: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove peer: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
