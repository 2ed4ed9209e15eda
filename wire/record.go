package wire

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"landrop/crypto"
)

// ErrCounterExhausted indicates a direction's 64-bit nonce counter ran out.
var ErrCounterExhausted = errors.New("wire: record counter exhausted")

// directionState is one AEAD context with its strictly increasing
// counter. The nonce is 4 zero bytes followed by the counter big-endian;
// the counter advances only after a successful seal or open, so a
// replayed or reordered record can never authenticate.
type directionState struct {
	aead    cipher.AEAD
	key     []byte
	counter uint64
}

func newDirectionState(key []byte) (*directionState, error) {
	aead, err := crypto.NewAEAD(key)
	if err != nil {
		return nil, err
	}
	return &directionState{
		aead: aead,
		key:  append([]byte(nil), key...),
	}, nil
}

func (d *directionState) nonce() []byte {
	nonce := make([]byte, crypto.AEADNonceSize)
	binary.BigEndian.PutUint64(nonce[4:], d.counter)
	return nonce
}

func (d *directionState) destroy() {
	crypto.Zeroize(d.key)
	d.aead = nil
}

// RecordLayer frames and seals typed-message plaintext over a reliable
// duplex byte stream. The send and receive paths are serialized
// independently and may run in parallel.
type RecordLayer struct {
	conn io.ReadWriter

	sendMu sync.Mutex
	send   *directionState

	recvMu sync.Mutex
	recv   *directionState
}

// NewRecordLayer wraps conn with per-direction AEAD contexts.
func NewRecordLayer(conn io.ReadWriter, sendKey, recvKey []byte) (*RecordLayer, error) {
	send, err := newDirectionState(sendKey)
	if err != nil {
		return nil, fmt.Errorf("outbound cipher: %w", err)
	}
	recv, err := newDirectionState(recvKey)
	if err != nil {
		send.destroy()
		return nil, fmt.Errorf("inbound cipher: %w", err)
	}

	return &RecordLayer{conn: conn, send: send, recv: recv}, nil
}

// WriteRecord seals plaintext into one frame and writes it.
func (rl *RecordLayer) WriteRecord(plaintext []byte) error {
	if len(plaintext) == 0 {
		return ErrFrameEmpty
	}
	if len(plaintext) > MaxFrameSize-crypto.AEADTagSize {
		return ErrFrameTooLarge
	}

	rl.sendMu.Lock()
	defer rl.sendMu.Unlock()

	if rl.send.aead == nil {
		return io.ErrClosedPipe
	}
	if rl.send.counter == math.MaxUint64 {
		return ErrCounterExhausted
	}

	bodySize := len(plaintext) + crypto.AEADTagSize
	prefix := FramePrefix(bodySize)
	ciphertext := rl.send.aead.Seal(nil, rl.send.nonce(), plaintext, prefix)
	rl.send.counter++

	buf := make([]byte, 0, framePrefixSize+bodySize)
	buf = append(buf, prefix...)
	buf = append(buf, ciphertext...)
	if _, err := rl.conn.Write(buf); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// ReadRecord reads one frame and opens it, returning the plaintext.
// Any authentication failure is fatal to the session.
func (rl *RecordLayer) ReadRecord() ([]byte, error) {
	rl.recvMu.Lock()
	defer rl.recvMu.Unlock()

	if rl.recv.aead == nil {
		return nil, io.ErrClosedPipe
	}
	if rl.recv.counter == math.MaxUint64 {
		return nil, ErrCounterExhausted
	}

	body, err := ReadFrame(rl.conn)
	if err != nil {
		return nil, err
	}
	if len(body) < crypto.AEADTagSize+1 {
		return nil, ErrTruncated
	}

	plaintext, err := rl.recv.aead.Open(nil, rl.recv.nonce(), body, FramePrefix(len(body)))
	if err != nil {
		return nil, crypto.ErrDecrypt
	}
	rl.recv.counter++

	return plaintext, nil
}

// Destroy zeroizes both transport keys. In-flight operations fail with
// a closed-pipe error afterwards.
func (rl *RecordLayer) Destroy() {
	rl.sendMu.Lock()
	rl.send.destroy()
	rl.sendMu.Unlock()

	rl.recvMu.Lock()
	rl.recv.destroy()
	rl.recvMu.Unlock()
}
