package network

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"landrop/identity"
	"landrop/noise"
	"landrop/wire"
)

const (
	// DefaultDialTimeout bounds the TCP connect phase.
	DefaultDialTimeout = 15 * time.Second
	// DefaultHandshakeTimeout bounds the full authentication exchange.
	DefaultHandshakeTimeout = 30 * time.Second
)

func writeHandshakeFrame(conn net.Conn, kind wire.Kind, payload []byte) error {
	encoded, err := wire.Message{Kind: kind, Payload: payload}.Encode()
	if err != nil {
		return err
	}
	return wire.WriteFrame(conn, encoded)
}

func readHandshakeFrame(conn net.Conn, want wire.Kind) ([]byte, error) {
	body, err := wire.ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	msg, err := wire.DecodeMessage(body)
	if err != nil {
		return nil, err
	}
	if msg.Kind != want {
		return nil, fmt.Errorf("%w: expected %s, got %s", noise.ErrOutOfOrder, want, msg.Kind)
	}
	return msg.Payload, nil
}

// performHandshake authenticates conn as the given role and returns the
// sealed record layer plus the remote identity. The first three
// messages travel as plaintext handshake frames; the responder's
// application-level acknowledgement is the first sealed record, proving
// key agreement in both directions. The deadline is enforced on the
// socket independently of any caller context.
func performHandshake(conn net.Conn, role noise.Role, local *identity.LocalIdentity, timeout time.Duration) (*wire.RecordLayer, *identity.RemoteIdentity, error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	hs := noise.New(role, local)
	defer hs.Destroy()

	records, remote, err := runHandshake(conn, hs, role)
	if err != nil {
		if isDeadlineError(err) {
			return nil, nil, &TimeoutError{Phase: PhaseHandshake}
		}
		return nil, nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		records.Destroy()
		return nil, nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	return records, remote, nil
}

func runHandshake(conn net.Conn, hs *noise.Handshake, role noise.Role) (*wire.RecordLayer, *identity.RemoteIdentity, error) {
	if role == noise.Initiator {
		return runInitiator(conn, hs)
	}
	return runResponder(conn, hs)
}

func runInitiator(conn net.Conn, hs *noise.Handshake) (*wire.RecordLayer, *identity.RemoteIdentity, error) {
	init, err := hs.WriteInit()
	if err != nil {
		return nil, nil, err
	}
	if err := writeHandshakeFrame(conn, wire.KindHandshakeInit, init); err != nil {
		return nil, nil, err
	}

	response, err := readHandshakeFrame(conn, wire.KindHandshakeResponse)
	if err != nil {
		return nil, nil, err
	}
	if err := hs.ReadResponse(response); err != nil {
		return nil, nil, err
	}

	final, err := hs.WriteFinal()
	if err != nil {
		return nil, nil, err
	}
	if err := writeHandshakeFrame(conn, wire.KindHandshakeFinal, final); err != nil {
		return nil, nil, err
	}

	keys, err := hs.Keys()
	if err != nil {
		return nil, nil, err
	}
	records, err := wire.NewRecordLayer(conn, keys.Send, keys.Recv)
	if err != nil {
		return nil, nil, err
	}

	// The responder's acknowledgement arrives sealed under the new keys.
	plaintext, err := records.ReadRecord()
	if err != nil {
		records.Destroy()
		return nil, nil, err
	}
	msg, err := wire.DecodeMessage(plaintext)
	if err != nil || msg.Kind != wire.KindHandshakeComplete {
		records.Destroy()
		return nil, nil, fmt.Errorf("%w: missing completion acknowledgement", noise.ErrOutOfOrder)
	}

	return records, hs.Remote(), nil
}

func runResponder(conn net.Conn, hs *noise.Handshake) (*wire.RecordLayer, *identity.RemoteIdentity, error) {
	init, err := readHandshakeFrame(conn, wire.KindHandshakeInit)
	if err != nil {
		return nil, nil, err
	}
	if err := hs.ReadInit(init); err != nil {
		return nil, nil, err
	}

	response, err := hs.WriteResponse()
	if err != nil {
		return nil, nil, err
	}
	if err := writeHandshakeFrame(conn, wire.KindHandshakeResponse, response); err != nil {
		return nil, nil, err
	}

	final, err := readHandshakeFrame(conn, wire.KindHandshakeFinal)
	if err != nil {
		return nil, nil, err
	}
	if err := hs.ReadFinal(final); err != nil {
		return nil, nil, err
	}

	keys, err := hs.Keys()
	if err != nil {
		return nil, nil, err
	}
	records, err := wire.NewRecordLayer(conn, keys.Send, keys.Recv)
	if err != nil {
		return nil, nil, err
	}

	complete, err := wire.Message{Kind: wire.KindHandshakeComplete}.Encode()
	if err != nil {
		records.Destroy()
		return nil, nil, err
	}
	if err := records.WriteRecord(complete); err != nil {
		records.Destroy()
		return nil, nil, err
	}

	return records, hs.Remote(), nil
}

func isDeadlineError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
