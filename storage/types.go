package storage

import "errors"

// ErrNotFound indicates a requested row does not exist.
var ErrNotFound = errors.New("storage: record not found")

// Transfer directions.
const (
	DirectionSend    = "send"
	DirectionReceive = "receive"
)

// Transfer statuses.
const (
	TransferPending  = "pending"
	TransferActive   = "active"
	TransferComplete = "complete"
	TransferFailed   = "failed"
)

// Peer is one known peer, seen through discovery or a session.
type Peer struct {
	PeerID       string
	DeviceName   string
	PublicKey    string
	Fingerprint  string
	LastEndpoint string
	FirstSeen    int64
	LastSeen     int64
}

// TransferRecord is one row of transfer history.
type TransferRecord struct {
	TransferID string
	PeerID     string
	Direction  string
	FileName   string
	FileSize   int64
	FileHash   string
	Status     string
	FinalPath  string
	StartedAt  int64
	FinishedAt int64
}

// ClipboardEvent is one received or sent clipboard payload's metadata.
type ClipboardEvent struct {
	ClipboardID string
	PeerID      string
	ContentType byte
	Size        int
	ReceivedAt  int64
}
