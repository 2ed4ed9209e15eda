package network

import (
	"net"
	"testing"
	"time"

	"landrop/identity"
	"landrop/noise"
	"landrop/wire"
)

type handshakeOutcome struct {
	records *wire.RecordLayer
	remote  *identity.RemoteIdentity
	err     error
}

func TestPerformHandshakeOverPipe(t *testing.T) {
	localA, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate A: %v", err)
	}
	localB, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate B: %v", err)
	}

	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	results := make(chan handshakeOutcome, 2)
	go func() {
		records, remote, err := performHandshake(connA, noise.Initiator, localA, 5*time.Second)
		results <- handshakeOutcome{records, remote, err}
	}()
	go func() {
		records, remote, err := performHandshake(connB, noise.Responder, localB, 5*time.Second)
		results <- handshakeOutcome{records, remote, err}
	}()

	var outcomes []handshakeOutcome
	for i := 0; i < 2; i++ {
		select {
		case outcome := <-results:
			if outcome.err != nil {
				t.Fatalf("handshake failed: %v", outcome.err)
			}
			outcomes = append(outcomes, outcome)
		case <-time.After(10 * time.Second):
			t.Fatalf("handshake did not finish")
		}
	}

	learned := map[string]bool{}
	for _, outcome := range outcomes {
		learned[outcome.remote.PeerID] = true
		outcome.records.Destroy()
	}
	if !learned[localA.PeerID()] || !learned[localB.PeerID()] {
		t.Fatalf("peers learned wrong identities: %v", learned)
	}
}

func TestPerformHandshakeTimesOut(t *testing.T) {
	connA, connB := net.Pipe()
	defer connB.Close()
	defer connA.Close()

	local, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	// The far side never answers.
	start := time.Now()
	_, _, err = performHandshake(connA, noise.Initiator, local, 250*time.Millisecond)
	if err == nil {
		t.Fatalf("expected timeout")
	}
	timeoutErr, ok := err.(*TimeoutError)
	if !ok || timeoutErr.Phase != PhaseHandshake {
		t.Fatalf("expected handshake TimeoutError, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("timeout took too long")
	}
}
