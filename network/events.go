package network

import "landrop/wire"

// EventType labels an observer event.
type EventType string

// Observer event types.
const (
	EventPeerDiscovered       EventType = "peer_discovered"
	EventPeerLost             EventType = "peer_lost"
	EventPeerConnected        EventType = "peer_connected"
	EventPeerDisconnected     EventType = "peer_disconnected"
	EventPeerConnectionFailed EventType = "peer_connection_failed"
	EventMessageReceived      EventType = "message_received"
)

// Event is one observer notification. Observers consume the manager's
// bounded event channel on their own schedule; when the channel is
// full the oldest events are dropped and counted.
type Event struct {
	Type      EventType
	PeerID    string
	Endpoint  string
	Direction Direction
	Reason    string
	Kind      wire.Kind
	Payload   []byte
}
