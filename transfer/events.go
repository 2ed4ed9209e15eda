package transfer

import "landrop/wire"

// EventType labels a transfer engine notification.
type EventType string

// Transfer event types.
const (
	// EventTransferOffered is emitted when a peer announces a file; the
	// host decides whether to call Accept.
	EventTransferOffered EventType = "transfer_offered"
	// EventTransferProgress reports bytes moved for an active transfer.
	EventTransferProgress EventType = "transfer_progress"
	// EventTransferCompleted reports terminal success or failure.
	EventTransferCompleted EventType = "transfer_completed"
	// EventClipboardReceived is emitted when clipboard content arrives.
	EventClipboardReceived EventType = "clipboard_received"
)

// Event is one transfer engine notification.
type Event struct {
	Type       EventType
	TransferID string
	PeerID     string
	FileName   string

	// Path holds the final inbox location on a receiver's successful
	// completion and the source path on a sender's.
	Path    string
	Success bool
	Reason  string

	BytesTransferred int64
	TotalBytes       int64

	// Clipboard carries the received content for EventClipboardReceived.
	Clipboard *wire.ClipboardData
}
