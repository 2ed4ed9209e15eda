package network

import (
	"net"
	"sync"
	"testing"
	"time"

	"landrop/identity"
	"landrop/wire"
)

// newSessionPair wires two sessions over an in-memory pipe with
// crosswise transport keys.
func newSessionPair(t *testing.T, hooksA, hooksB sessionHooks) (*Session, *Session) {
	t.Helper()

	localA, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate A: %v", err)
	}
	localB, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate B: %v", err)
	}

	key1 := make([]byte, 32)
	key2 := make([]byte, 32)
	for i := range key2 {
		key2[i] = 0xff
	}

	connA, connB := net.Pipe()
	recordsA, err := wire.NewRecordLayer(connA, key1, key2)
	if err != nil {
		t.Fatalf("records A: %v", err)
	}
	recordsB, err := wire.NewRecordLayer(connB, key2, key1)
	if err != nil {
		t.Fatalf("records B: %v", err)
	}

	remoteOfA, err := identity.NewRemoteIdentity(localB.PublicKey())
	if err != nil {
		t.Fatalf("remote of A: %v", err)
	}
	remoteOfB, err := identity.NewRemoteIdentity(localA.PublicKey())
	if err != nil {
		t.Fatalf("remote of B: %v", err)
	}

	sessionA := newSession(connA, recordsA, remoteOfA, DirectionOutgoing, hooksA)
	sessionB := newSession(connB, recordsB, remoteOfB, DirectionIncoming, hooksB)
	t.Cleanup(func() {
		sessionA.Close()
		sessionB.Close()
	})

	sessionA.start()
	sessionB.start()
	return sessionA, sessionB
}

func TestSessionDeliversMessagesInOrder(t *testing.T) {
	var mu sync.Mutex
	var received []byte
	done := make(chan struct{})

	hooksB := sessionHooks{
		onMessage: func(_ *Session, msg wire.Message) {
			mu.Lock()
			received = append(received, msg.Payload[0])
			if len(received) == 16 {
				close(done)
			}
			mu.Unlock()
		},
	}

	sessionA, _ := newSessionPair(t, sessionHooks{}, hooksB)

	for i := 0; i < 16; i++ {
		if err := sessionA.Send(wire.KindClipboardData, []byte{byte(i)}); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("messages not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, b := range received {
		if b != byte(i) {
			t.Fatalf("message %d out of order: got %d", i, b)
		}
	}
}

func TestSessionAnswersPingWithPong(t *testing.T) {
	pongs := make(chan wire.Pong, 1)

	hooksA := sessionHooks{
		onMessage: func(_ *Session, msg wire.Message) {
			if msg.Kind != wire.KindPong {
				return
			}
			var pong wire.Pong
			if err := pong.UnmarshalBinary(msg.Payload); err == nil {
				pongs <- pong
			}
		},
	}

	sessionA, _ := newSessionPair(t, hooksA, sessionHooks{})

	sentAt := time.Now().UnixMilli()
	if err := sessionA.SendMarshaled(wire.KindPing, &wire.Ping{TimestampMillis: sentAt, Sequence: 1}); err != nil {
		t.Fatalf("ping failed: %v", err)
	}

	select {
	case pong := <-pongs:
		if pong.PingTimestampMillis != sentAt || pong.Sequence != 1 {
			t.Fatalf("pong did not echo ping: %+v", pong)
		}
	case <-time.After(time.Second):
		t.Fatalf("no pong within deadline")
	}
}

func TestSessionCloseNotifiesOnce(t *testing.T) {
	var closes sync.WaitGroup
	closes.Add(1)
	closed := make(chan error, 4)

	hooksA := sessionHooks{
		onClose: func(_ *Session, reason error) {
			closed <- reason
			closes.Done()
		},
	}

	sessionA, _ := newSessionPair(t, hooksA, sessionHooks{})

	sessionA.Close()
	sessionA.Close()
	closes.Wait()

	if len(closed) != 1 {
		t.Fatalf("expected exactly one close notification, got %d", len(closed))
	}
}

func TestSessionDisconnectClosesPeer(t *testing.T) {
	peerClosed := make(chan error, 1)
	hooksB := sessionHooks{
		onClose: func(_ *Session, reason error) {
			peerClosed <- reason
		},
	}

	sessionA, _ := newSessionPair(t, sessionHooks{}, hooksB)

	if err := sessionA.Disconnect("done"); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	select {
	case reason := <-peerClosed:
		if reason != nil {
			t.Fatalf("expected orderly close, got %v", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("peer did not observe disconnect")
	}
}
