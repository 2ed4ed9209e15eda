package transfer

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"landrop/wire"
)

// testFabric is an in-memory message fabric between engines: ordered
// per-link delivery on its own goroutine, with an optional intercept
// hook for corruption and drop scenarios.
type testFabric struct {
	mu        sync.Mutex
	links     map[string]chan routedMessage
	handlers  map[string]func(peerID string, msg wire.Message)
	intercept func(from, to string, msg wire.Message) (wire.Message, bool)
	wg        sync.WaitGroup
	closed    chan struct{}
	once      sync.Once
}

type routedMessage struct {
	from string
	msg  wire.Message
}

func newTestFabric() *testFabric {
	return &testFabric{
		links:    make(map[string]chan routedMessage),
		handlers: make(map[string]func(string, wire.Message)),
		closed:   make(chan struct{}),
	}
}

func (f *testFabric) stop() {
	f.once.Do(func() {
		close(f.closed)
	})
	f.wg.Wait()
}

// attach registers a node and returns its Sender.
func (f *testFabric) attach(peerID string, handler func(string, wire.Message)) *fabricPort {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.handlers[peerID] = handler
	queue := make(chan routedMessage, 1024)
	f.links[peerID] = queue

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			select {
			case <-f.closed:
				return
			case routed := <-queue:
				handler(routed.from, routed.msg)
			}
		}
	}()

	return &fabricPort{fabric: f, self: peerID}
}

func (f *testFabric) deliver(from, to string, msg wire.Message) {
	if f.intercept != nil {
		modified, keep := f.intercept(from, to, msg)
		if !keep {
			return
		}
		msg = modified
	}

	f.mu.Lock()
	queue, ok := f.links[to]
	f.mu.Unlock()
	if !ok {
		return
	}

	select {
	case queue <- routedMessage{from: from, msg: msg}:
	case <-f.closed:
	}
}

// fabricPort adapts one fabric endpoint to the engine's Sender.
type fabricPort struct {
	fabric *testFabric
	self   string
}

func (p *fabricPort) SendMarshaled(peerID string, kind wire.Kind, payload interface {
	MarshalBinary() ([]byte, error)
}) error {
	raw, err := payload.MarshalBinary()
	if err != nil {
		return err
	}
	p.fabric.deliver(p.self, peerID, wire.Message{Kind: kind, Payload: raw})
	return nil
}

func (p *fabricPort) Broadcast(kind wire.Kind, payload []byte) {
	p.fabric.mu.Lock()
	var targets []string
	for peerID := range p.fabric.links {
		if peerID != p.self {
			targets = append(targets, peerID)
		}
	}
	p.fabric.mu.Unlock()

	for _, target := range targets {
		p.fabric.deliver(p.self, target, wire.Message{Kind: kind, Payload: payload})
	}
}

// testPair is two engines joined by a fabric.
type testPair struct {
	fabric   *testFabric
	sender   *Engine
	receiver *Engine

	senderID   string
	receiverID string
	inboxDir   string
}

func newTestPair(t *testing.T, senderOpts, receiverOpts Options) *testPair {
	t.Helper()

	fabric := newTestFabric()
	t.Cleanup(fabric.stop)

	senderID := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	receiverID := "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	if senderOpts.InboxDir == "" {
		senderOpts.InboxDir = filepath.Join(t.TempDir(), "sender-inbox")
	}
	if receiverOpts.InboxDir == "" {
		receiverOpts.InboxDir = filepath.Join(t.TempDir(), "receiver-inbox")
	}

	var sender, receiver *Engine
	senderPort := fabric.attach(senderID, func(from string, msg wire.Message) {
		sender.HandleMessage(from, msg)
	})
	receiverPort := fabric.attach(receiverID, func(from string, msg wire.Message) {
		receiver.HandleMessage(from, msg)
	})

	var err error
	sender, err = NewEngine(senderPort, senderOpts)
	if err != nil {
		t.Fatalf("sender engine: %v", err)
	}
	receiver, err = NewEngine(receiverPort, receiverOpts)
	if err != nil {
		t.Fatalf("receiver engine: %v", err)
	}
	t.Cleanup(sender.Stop)
	t.Cleanup(receiver.Stop)

	return &testPair{
		fabric:     fabric,
		sender:     sender,
		receiver:   receiver,
		senderID:   senderID,
		receiverID: receiverID,
		inboxDir:   receiverOpts.InboxDir,
	}
}

func createPatternFile(t *testing.T, dir, name string, size int) string {
	t.Helper()

	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 256)
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func waitForTransferEvent(t *testing.T, events <-chan Event, want EventType, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case event := <-events:
			if event.Type == want {
				return event
			}
		case <-deadline:
			t.Fatalf("no %s event within %v", want, timeout)
		}
	}
}
