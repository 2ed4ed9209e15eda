package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"landrop/identity"
	"landrop/wire"
)

const (
	// DefaultKeepAliveInterval sends a ping on idle sessions.
	DefaultKeepAliveInterval = 60 * time.Second
	// DefaultKeepAliveTimeout waits this long for the matching pong.
	DefaultKeepAliveTimeout = 15 * time.Second
	// DefaultWriteTimeout bounds each record write.
	DefaultWriteTimeout = 30 * time.Second
)

// ErrPongTimeout indicates keep-alive timed out waiting for a pong.
var ErrPongTimeout = errors.New("network: pong timeout")

// Direction records which side opened the session's stream.
type Direction string

// Session directions.
const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// sessionHooks connect a session to its owner. onMessage runs on the
// session's read loop; the next socket read does not start until it
// returns. onClose runs exactly once.
type sessionHooks struct {
	onMessage func(s *Session, msg wire.Message)
	onClose   func(s *Session, reason error)
}

// Session is one authenticated, encrypted duplex channel to a peer.
// Writes are serialized by the record layer; a single read loop owns
// the inbound direction.
type Session struct {
	conn      net.Conn
	records   *wire.RecordLayer
	remote    *identity.RemoteIdentity
	direction Direction

	hooks sessionHooks
	log   *logrus.Entry

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	writeTimeout      time.Duration

	pingSeq      atomic.Int64
	lastActivity atomic.Int64

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newSession(conn net.Conn, records *wire.RecordLayer, remote *identity.RemoteIdentity, direction Direction, hooks sessionHooks) *Session {
	s := &Session{
		conn:              conn,
		records:           records,
		remote:            remote,
		direction:         direction,
		hooks:             hooks,
		keepAliveInterval: DefaultKeepAliveInterval,
		keepAliveTimeout:  DefaultKeepAliveTimeout,
		writeTimeout:      DefaultWriteTimeout,
		closed:            make(chan struct{}),
		log: logrus.WithFields(logrus.Fields{
			"peer":      remote.PeerID,
			"direction": direction,
		}),
	}
	s.touchActivity()
	return s
}

// start launches the read and keep-alive loops.
func (s *Session) start() {
	s.wg.Add(2)
	go s.readLoop()
	go s.keepAliveLoop()
}

// Remote returns the authenticated peer identity.
func (s *Session) Remote() *identity.RemoteIdentity {
	return s.remote
}

// Direction reports which side opened the stream.
func (s *Session) Direction() Direction {
	return s.direction
}

// Send seals one typed message onto the session.
func (s *Session) Send(kind wire.Kind, payload []byte) error {
	select {
	case <-s.closed:
		if err := s.LastError(); err != nil {
			return err
		}
		return io.EOF
	default:
	}

	plaintext, err := wire.Message{Kind: kind, Payload: payload}.Encode()
	if err != nil {
		return err
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		s.closeWithError(fmt.Errorf("set write deadline: %w", err))
		return err
	}
	if err := s.records.WriteRecord(plaintext); err != nil {
		if isDeadlineError(err) {
			err = &TimeoutError{Phase: PhaseWrite}
		}
		s.closeWithError(err)
		return err
	}

	s.touchActivity()
	return nil
}

// SendMarshaled encodes a payload struct and sends it.
func (s *Session) SendMarshaled(kind wire.Kind, payload interface {
	MarshalBinary() ([]byte, error)
}) error {
	raw, err := payload.MarshalBinary()
	if err != nil {
		return err
	}
	return s.Send(kind, raw)
}

// Ping sends a liveness probe with the next sequence number.
func (s *Session) Ping() error {
	return s.SendMarshaled(wire.KindPing, &wire.Ping{
		TimestampMillis: time.Now().UnixMilli(),
		Sequence:        s.pingSeq.Add(1),
	})
}

// Disconnect sends an orderly close notice and tears the session down.
func (s *Session) Disconnect(reason string) error {
	_ = s.SendMarshaled(wire.KindDisconnect, &wire.Disconnect{Reason: reason})
	return s.Close()
}

// Close terminates the session without an error.
func (s *Session) Close() error {
	s.closeWithError(nil)
	return nil
}

// LastError returns the terminal session error, if any.
func (s *Session) LastError() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.closeErr
}

func (s *Session) closeWithError(reason error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.closeErr = reason
		s.errMu.Unlock()

		close(s.closed)
		_ = s.conn.Close()
		s.records.Destroy()

		if s.hooks.onClose != nil {
			s.hooks.onClose(s, reason)
		}
	})
}

func (s *Session) touchActivity() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// readLoop owns the inbound direction. Every record-layer or protocol
// failure here is fatal to the session.
func (s *Session) readLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.closed:
			return
		default:
		}

		plaintext, err := s.records.ReadRecord()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				s.closeWithError(nil)
				return
			}
			if isDeadlineError(err) {
				err = &TimeoutError{Phase: PhaseRead}
			}
			s.closeWithError(err)
			return
		}

		s.touchActivity()

		msg, err := wire.DecodeMessage(plaintext)
		if err != nil {
			s.closeWithError(err)
			return
		}
		if msg.Kind.IsHandshake() {
			s.closeWithError(fmt.Errorf("%w: %s after establishment", wire.ErrUnknownKind, msg.Kind))
			return
		}

		switch msg.Kind {
		case wire.KindPing:
			var ping wire.Ping
			if err := ping.UnmarshalBinary(msg.Payload); err != nil {
				s.closeWithError(err)
				return
			}
			if err := s.SendMarshaled(wire.KindPong, &wire.Pong{
				PingTimestampMillis: ping.TimestampMillis,
				Sequence:            ping.Sequence,
			}); err != nil {
				return
			}
		case wire.KindPong:
			s.ackPong()
			s.deliver(msg)
		case wire.KindDisconnect:
			s.closeWithError(nil)
			return
		default:
			s.deliver(msg)
		}
	}
}

func (s *Session) deliver(msg wire.Message) {
	if s.hooks.onMessage != nil {
		s.hooks.onMessage(s, msg)
	}
}

func (s *Session) keepAliveLoop() {
	defer s.wg.Done()

	checkEvery := s.keepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = s.keepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.waitingPongExpired() {
				s.log.Warn("keep-alive pong timed out")
				s.closeWithError(ErrPongTimeout)
				return
			}

			idleFor := time.Since(time.Unix(0, s.lastActivity.Load()))
			if idleFor < s.keepAliveInterval || s.isWaitingPong() {
				continue
			}

			if err := s.Ping(); err != nil {
				return
			}
			s.setWaitingPong(time.Now().Add(s.keepAliveTimeout))
		case <-s.closed:
			return
		}
	}
}

func (s *Session) setWaitingPong(deadline time.Time) {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	s.waitingPong = true
	s.pongDeadline = deadline
}

func (s *Session) ackPong() {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	s.waitingPong = false
}

func (s *Session) isWaitingPong() bool {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	return s.waitingPong
}

func (s *Session) waitingPongExpired() bool {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	return s.waitingPong && time.Now().After(s.pongDeadline)
}
