package network

import (
	"errors"
	"fmt"
	"net"
	"time"

	"landrop/identity"
	"landrop/noise"
	"landrop/wire"
)

// dialResult is a handshaked but not yet admitted connection.
type dialResult struct {
	conn    net.Conn
	records *wire.RecordLayer
	remote  *identity.RemoteIdentity
}

// dialPeer connects to endpoint and authenticates as initiator. Dial
// and handshake carry independent deadlines.
func dialPeer(endpoint string, local *identity.LocalIdentity, dialTimeout, handshakeTimeout time.Duration) (*dialResult, error) {
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}

	conn, err := net.DialTimeout("tcp", endpoint, dialTimeout)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &TimeoutError{Phase: PhaseDial}
		}
		return nil, fmt.Errorf("dial %q: %w", endpoint, err)
	}

	records, remote, err := performHandshake(conn, noise.Initiator, local, handshakeTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &dialResult{conn: conn, records: records, remote: remote}, nil
}
