package network

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected indicates no session exists for the peer.
	ErrNotConnected = errors.New("network: peer not connected")
	// ErrAlreadyDialing indicates a connect attempt for the peer is in flight.
	ErrAlreadyDialing = errors.New("network: connect already in progress")
	// ErrUnknownPeer indicates no endpoint is known for the peer ID.
	ErrUnknownPeer = errors.New("network: no known endpoint for peer")
	// ErrSelfConnect indicates an attempt to connect to the local identity.
	ErrSelfConnect = errors.New("network: refusing to connect to self")
	// ErrManagerClosed indicates the manager has shut down.
	ErrManagerClosed = errors.New("network: manager closed")
)

// TimeoutPhase names the operation that exceeded its deadline.
type TimeoutPhase string

// Timeout phases.
const (
	PhaseDial      TimeoutPhase = "dial"
	PhaseHandshake TimeoutPhase = "handshake"
	PhaseRead      TimeoutPhase = "read"
	PhaseWrite     TimeoutPhase = "write"
)

// TimeoutError reports which phase of a connection timed out.
type TimeoutError struct {
	Phase TimeoutPhase
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("network: %s timed out", e.Phase)
}

// Timeout marks the error as a timeout for errors.As callers.
func (e *TimeoutError) Timeout() bool { return true }
