package network

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"landrop/discovery"
	"landrop/identity"
	"landrop/noise"
	"landrop/wire"
)

const (
	// DefaultEventBuffer is the capacity of the observer event channel.
	DefaultEventBuffer = 256

	// autoConnectMinDelay and autoConnectJitter spread out the connect
	// attempts two peers make after discovering each other.
	autoConnectMinDelay = 100 * time.Millisecond
	autoConnectJitter   = 400 * time.Millisecond
)

var peerIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// MessageHandler consumes routed messages for a registered kind. It
// runs on the session's read loop; the next read waits until it
// returns, so long work must be handed off internally.
type MessageHandler func(peerID string, msg wire.Message)

// ManagerOptions configures the peer manager.
type ManagerOptions struct {
	Identity *identity.LocalIdentity

	// Discovery supplies LAN observations; may be nil.
	Discovery <-chan discovery.Observation

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	EventBuffer      int

	// DisableAutoConnect turns off dialing newly discovered peers.
	DisableAutoConnect bool
}

func (o ManagerOptions) withDefaults() ManagerOptions {
	out := o
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if out.EventBuffer <= 0 {
		out.EventBuffer = DefaultEventBuffer
	}
	return out
}

// Manager multiplexes LAN discovery, inbound acceptance, outbound
// connection, and message routing across concurrent peer sessions.
type Manager struct {
	options ManagerOptions
	local   *identity.LocalIdentity
	log     *logrus.Entry

	listener net.Listener
	bound    int

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	sessions  map[string]*Session
	endpoints map[string]string
	dialing   map[string]bool

	handlerMu sync.RWMutex
	handlers  map[wire.Kind]MessageHandler

	events  chan Event
	dropped atomic.Int64

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewManager builds a manager around the local identity.
func NewManager(options ManagerOptions) (*Manager, error) {
	if options.Identity == nil {
		return nil, fmt.Errorf("network: local identity is required")
	}
	opts := options.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		options:   opts,
		local:     opts.Identity,
		log:       logrus.WithField("peer", opts.Identity.PeerID()),
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*Session),
		endpoints: make(map[string]string),
		dialing:   make(map[string]bool),
		handlers:  make(map[wire.Kind]MessageHandler),
		events:    make(chan Event, opts.EventBuffer),
	}, nil
}

// Start binds the listener and begins accepting and discovering. When
// the requested port cannot be bound an ephemeral port is chosen; the
// bound port is returned either way.
func (m *Manager) Start(listenPort int) (int, error) {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(listenPort))
	if err != nil {
		if listenPort == 0 {
			return 0, fmt.Errorf("bind listener: %w", err)
		}
		m.log.WithError(err).WithField("port", listenPort).Warn("requested port unavailable, falling back to ephemeral")
		listener, err = net.Listen("tcp", ":0")
		if err != nil {
			return 0, fmt.Errorf("bind listener: %w", err)
		}
	}

	m.listener = listener
	m.bound = listener.Addr().(*net.TCPAddr).Port

	m.wg.Add(1)
	go m.acceptLoop()

	if m.options.Discovery != nil {
		m.wg.Add(1)
		go m.discoveryLoop()
	}

	m.log.WithField("port", m.bound).Info("peer manager listening")
	return m.bound, nil
}

// BoundPort returns the listener's port after Start.
func (m *Manager) BoundPort() int {
	return m.bound
}

// LocalPeerID returns the local identity's peer ID.
func (m *Manager) LocalPeerID() string {
	return m.local.PeerID()
}

// Events returns the observer event channel.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Handle routes messages of the given kind to h instead of emitting
// MessageReceived events. Registration must happen before Start.
func (m *Manager) Handle(kind wire.Kind, h MessageHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.handlers[kind] = h
}

// Stop closes the listener and every session.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		if m.listener != nil {
			_ = m.listener.Close()
		}

		m.mu.Lock()
		sessions := make([]*Session, 0, len(m.sessions))
		for _, s := range m.sessions {
			sessions = append(sessions, s)
		}
		m.mu.Unlock()

		for _, s := range sessions {
			_ = s.Disconnect("shutting down")
		}
		m.wg.Wait()
	})
}

// ConnectedPeers returns the IDs of all connected peers.
func (m *Manager) ConnectedPeers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	peers := make([]string, 0, len(m.sessions))
	for peerID := range m.sessions {
		peers = append(peers, peerID)
	}
	return peers
}

// IsConnected reports whether a session to the peer exists.
func (m *Manager) IsConnected(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[peerID]
	return ok
}

// ConnectTo dials a peer by ID (using its last observed endpoint) or by
// host:port endpoint and runs the handshake as initiator. Connecting to
// an already connected peer succeeds idempotently.
func (m *Manager) ConnectTo(target string) error {
	select {
	case <-m.ctx.Done():
		return ErrManagerClosed
	default:
	}

	peerID, endpoint := "", target
	if peerIDPattern.MatchString(target) {
		peerID = target
		if peerID == m.local.PeerID() {
			return ErrSelfConnect
		}

		m.mu.Lock()
		known, ok := m.endpoints[peerID]
		_, connected := m.sessions[peerID]
		m.mu.Unlock()

		if connected {
			return nil
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
		}
		endpoint = known
	}

	dialKey := endpoint
	if peerID != "" {
		dialKey = peerID
	}

	m.mu.Lock()
	if m.dialing[dialKey] {
		m.mu.Unlock()
		return ErrAlreadyDialing
	}
	m.dialing[dialKey] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.dialing, dialKey)
		m.mu.Unlock()
	}()

	result, err := dialPeer(endpoint, m.local, m.options.DialTimeout, m.options.HandshakeTimeout)
	if err != nil {
		m.emit(Event{Type: EventPeerConnectionFailed, PeerID: peerID, Endpoint: endpoint, Reason: err.Error()})
		return err
	}

	if peerID != "" && result.remote.PeerID != peerID {
		result.records.Destroy()
		_ = result.conn.Close()
		err := fmt.Errorf("%w: endpoint %s answered as %s", noise.ErrAuthentication, endpoint, result.remote.PeerID)
		m.emit(Event{Type: EventPeerConnectionFailed, PeerID: peerID, Endpoint: endpoint, Reason: err.Error()})
		return err
	}

	m.admit(result, DirectionOutgoing, endpoint)
	return nil
}

// Send seals one typed message to a connected peer.
func (m *Manager) Send(peerID string, kind wire.Kind, payload []byte) error {
	m.mu.Lock()
	session, ok := m.sessions[peerID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, peerID)
	}
	return session.Send(kind, payload)
}

// SendMarshaled encodes a payload struct and sends it to one peer.
func (m *Manager) SendMarshaled(peerID string, kind wire.Kind, payload interface {
	MarshalBinary() ([]byte, error)
}) error {
	raw, err := payload.MarshalBinary()
	if err != nil {
		return err
	}
	return m.Send(peerID, kind, raw)
}

// Broadcast fans a message out to every connected peer. Per-peer
// failures are logged, not raised.
func (m *Manager) Broadcast(kind wire.Kind, payload []byte) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if err := s.Send(kind, payload); err != nil {
			m.log.WithError(err).WithField("to", s.Remote().PeerID).Warn("broadcast send failed")
		}
	}
}

// Endpoint returns the most recently observed endpoint for a peer.
func (m *Manager) Endpoint(peerID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	endpoint, ok := m.endpoints[peerID]
	return endpoint, ok
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()

	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.ctx.Done():
				return
			default:
			}
			m.log.WithError(err).Warn("accept failed")
			continue
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleInbound(conn)
		}()
	}
}

func (m *Manager) handleInbound(conn net.Conn) {
	records, remote, err := performHandshake(conn, noise.Responder, m.local, m.options.HandshakeTimeout)
	if err != nil {
		_ = conn.Close()
		m.log.WithError(err).WithField("from", conn.RemoteAddr()).Debug("inbound handshake failed")
		return
	}

	m.admit(&dialResult{conn: conn, records: records, remote: remote}, DirectionIncoming, "")
}

// admit applies the duplicate-suppression and simultaneous-open
// policies, then installs and starts the session. When two sessions to
// the same peer complete concurrently, the one where the
// lexicographically smaller peer ID acts as initiator survives.
func (m *Manager) admit(result *dialResult, direction Direction, endpoint string) {
	peerID := result.remote.PeerID

	if peerID == m.local.PeerID() {
		result.records.Destroy()
		_ = result.conn.Close()
		return
	}

	session := newSession(result.conn, result.records, result.remote, direction, sessionHooks{
		onMessage: m.routeMessage,
		onClose:   m.sessionClosed,
	})

	m.mu.Lock()
	if endpoint != "" {
		m.endpoints[peerID] = endpoint
	}

	existing, connected := m.sessions[peerID]
	if !connected {
		m.sessions[peerID] = session
		m.mu.Unlock()

		session.start()
		m.emit(Event{Type: EventPeerConnected, PeerID: peerID, Direction: direction, Endpoint: endpoint})
		m.log.WithFields(logrus.Fields{"remote": peerID, "direction": direction}).Info("peer connected")
		return
	}

	keepNew := false
	if existing.Direction() != direction {
		winner := DirectionIncoming
		if m.local.PeerID() < peerID {
			winner = DirectionOutgoing
		}
		keepNew = direction == winner
	}

	if keepNew {
		m.sessions[peerID] = session
		m.mu.Unlock()

		// The loser closes silently: the peer stays connected throughout.
		_ = existing.Close()
		session.start()
		m.log.WithField("remote", peerID).Debug("simultaneous open resolved, replaced session")
		return
	}

	m.mu.Unlock()
	_ = session.Close()
	m.log.WithField("remote", peerID).Debug("duplicate session dropped")
}

func (m *Manager) routeMessage(s *Session, msg wire.Message) {
	m.handlerMu.RLock()
	handler, ok := m.handlers[msg.Kind]
	m.handlerMu.RUnlock()

	if ok {
		handler(s.Remote().PeerID, msg)
		return
	}

	m.emit(Event{
		Type:    EventMessageReceived,
		PeerID:  s.Remote().PeerID,
		Kind:    msg.Kind,
		Payload: msg.Payload,
	})
}

func (m *Manager) sessionClosed(s *Session, reason error) {
	peerID := s.Remote().PeerID

	m.mu.Lock()
	current, ok := m.sessions[peerID]
	removed := ok && current == s
	if removed {
		delete(m.sessions, peerID)
	}
	m.mu.Unlock()

	// A superseded or rejected duplicate is not a disconnection.
	if !removed {
		return
	}

	reasonText := ""
	if reason != nil && !errors.Is(reason, context.Canceled) {
		reasonText = reason.Error()
	}
	m.emit(Event{Type: EventPeerDisconnected, PeerID: peerID, Reason: reasonText})
	m.log.WithFields(logrus.Fields{"remote": peerID, "reason": reasonText}).Info("peer disconnected")
}

func (m *Manager) discoveryLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case obs, ok := <-m.options.Discovery:
			if !ok {
				return
			}
			m.handleObservation(obs)
		}
	}
}

func (m *Manager) handleObservation(obs discovery.Observation) {
	if obs.PeerID == m.local.PeerID() {
		return
	}

	switch obs.Type {
	case discovery.ObservationDiscovered:
		m.mu.Lock()
		m.endpoints[obs.PeerID] = obs.Endpoint
		_, connected := m.sessions[obs.PeerID]
		m.mu.Unlock()

		m.emit(Event{Type: EventPeerDiscovered, PeerID: obs.PeerID, Endpoint: obs.Endpoint})

		if connected || m.options.DisableAutoConnect {
			return
		}
		m.scheduleAutoConnect(obs.PeerID)
	case discovery.ObservationLost:
		m.emit(Event{Type: EventPeerLost, PeerID: obs.PeerID})
	}
}

// scheduleAutoConnect dials a freshly discovered peer after a random
// delay so two peers discovering each other at once rarely collide.
func (m *Manager) scheduleAutoConnect(peerID string) {
	delay := autoConnectMinDelay + rand.N(autoConnectJitter)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(delay):
		}

		if m.IsConnected(peerID) {
			return
		}
		if err := m.ConnectTo(peerID); err != nil {
			m.log.WithError(err).WithField("remote", peerID).Debug("auto-connect failed")
		}
	}()
}

// emit delivers an event without blocking the caller. When the buffer
// is full the oldest event is dropped to make room.
func (m *Manager) emit(event Event) {
	for {
		select {
		case m.events <- event:
			return
		default:
		}

		select {
		case <-m.events:
			m.dropped.Add(1)
		default:
		}
	}
}
