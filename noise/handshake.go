package noise

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"landrop/crypto"
	"landrop/identity"
)

const (
	// MaxTimestampSkew bounds the accepted clock difference between peers.
	MaxTimestampSkew = 5 * time.Minute

	staticCiphertextSize = ed25519.PublicKeySize + crypto.AEADTagSize
	payloadHeaderSize    = 8 + 2
)

var (
	// ErrAuthentication indicates the peer's transcript signature did not verify.
	ErrAuthentication = errors.New("noise: peer authentication failed")
	// ErrStaleTimestamp indicates the peer's clock is outside the accepted skew.
	ErrStaleTimestamp = errors.New("noise: handshake timestamp outside accepted skew")
	// ErrOutOfOrder indicates a handshake message arrived in the wrong state.
	ErrOutOfOrder = errors.New("noise: handshake message out of order")
	// ErrMalformed indicates a handshake message could not be parsed.
	ErrMalformed = errors.New("noise: malformed handshake message")
	// ErrFailed indicates the handshake already failed and was destroyed.
	ErrFailed = errors.New("noise: handshake failed")
)

// Role selects which side of the pattern this state machine drives.
type Role int

const (
	// Initiator opens the connection and sends the first message.
	Initiator Role = iota
	// Responder accepts the connection.
	Responder
)

type state int

const (
	stateStart state = iota
	stateSentInit
	stateReadInit
	stateSentResponse
	stateReadResponse
	stateComplete
	stateFailed
)

// Keys are the two one-way transport keys a completed handshake yields.
type Keys struct {
	Send []byte
	Recv []byte
}

// Handshake drives one side of the XX exchange. It must be destroyed
// on completion or failure; see Destroy for what is wiped.
type Handshake struct {
	role  Role
	local *identity.LocalIdentity

	ss              *symmetricState
	ephemeral       *ecdh.PrivateKey
	remoteEphemeral *ecdh.PublicKey
	remote          *identity.RemoteIdentity

	state state

	// now is replaceable for clock-skew tests.
	now func() time.Time
}

// New creates a handshake state machine for the given role.
func New(role Role, local *identity.LocalIdentity) *Handshake {
	return &Handshake{
		role:  role,
		local: local,
		ss:    newSymmetricState(),
		state: stateStart,
		now:   time.Now,
	}
}

// WriteInit produces the initiator's opening message: the ephemeral key.
func (hs *Handshake) WriteInit() ([]byte, error) {
	if hs.role != Initiator || hs.state != stateStart {
		return nil, hs.fail(ErrOutOfOrder)
	}

	ephemeralPriv, ephemeralPub, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		return nil, hs.fail(err)
	}
	hs.ephemeral = ephemeralPriv

	msg := ephemeralPub.Bytes()
	hs.ss.mixHash(msg)
	hs.state = stateSentInit
	return msg, nil
}

// ReadInit consumes the initiator's opening message on the responder.
func (hs *Handshake) ReadInit(msg []byte) error {
	if hs.role != Responder || hs.state != stateStart {
		return hs.fail(ErrOutOfOrder)
	}
	if len(msg) != 32 {
		return hs.fail(fmt.Errorf("%w: ephemeral length %d", ErrMalformed, len(msg)))
	}

	remoteEphemeral, err := crypto.ParseX25519PublicKey(msg)
	if err != nil {
		return hs.fail(err)
	}
	hs.remoteEphemeral = remoteEphemeral
	hs.ss.mixHash(msg)
	hs.state = stateReadInit
	return nil
}

// WriteResponse produces the responder's message: ephemeral, static
// under encryption, and the signed timestamp payload.
func (hs *Handshake) WriteResponse() ([]byte, error) {
	if hs.role != Responder || hs.state != stateReadInit {
		return nil, hs.fail(ErrOutOfOrder)
	}

	ephemeralPriv, ephemeralPub, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		return nil, hs.fail(err)
	}
	hs.ephemeral = ephemeralPriv

	msg := ephemeralPub.Bytes()
	hs.ss.mixHash(msg)

	// ee
	shared, err := crypto.DH(hs.ephemeral, hs.remoteEphemeral)
	if err != nil {
		return nil, hs.fail(err)
	}
	if err := hs.mixKeyZeroizing(shared); err != nil {
		return nil, err
	}

	// s
	staticCiphertext, err := hs.ss.encryptAndHash(hs.local.PublicKey())
	if err != nil {
		return nil, hs.fail(err)
	}
	msg = append(msg, staticCiphertext...)

	// es
	staticPriv, err := hs.local.DHPrivateKey()
	if err != nil {
		return nil, hs.fail(err)
	}
	shared, err = crypto.DH(staticPriv, hs.remoteEphemeral)
	if err != nil {
		return nil, hs.fail(err)
	}
	if err := hs.mixKeyZeroizing(shared); err != nil {
		return nil, err
	}

	payloadCiphertext, err := hs.writeSignedPayload()
	if err != nil {
		return nil, err
	}
	msg = append(msg, payloadCiphertext...)

	hs.state = stateSentResponse
	return msg, nil
}

// ReadResponse consumes the responder's message on the initiator,
// authenticating the responder.
func (hs *Handshake) ReadResponse(msg []byte) error {
	if hs.role != Initiator || hs.state != stateSentInit {
		return hs.fail(ErrOutOfOrder)
	}
	if len(msg) < 32+staticCiphertextSize+payloadHeaderSize+crypto.AEADTagSize {
		return hs.fail(fmt.Errorf("%w: response length %d", ErrMalformed, len(msg)))
	}

	remoteEphemeral, err := crypto.ParseX25519PublicKey(msg[:32])
	if err != nil {
		return hs.fail(err)
	}
	hs.remoteEphemeral = remoteEphemeral
	hs.ss.mixHash(msg[:32])

	// ee
	shared, err := crypto.DH(hs.ephemeral, hs.remoteEphemeral)
	if err != nil {
		return hs.fail(err)
	}
	if err := hs.mixKeyZeroizing(shared); err != nil {
		return err
	}

	// s
	staticRaw, err := hs.ss.decryptAndHash(msg[32 : 32+staticCiphertextSize])
	if err != nil {
		return hs.fail(err)
	}
	remote, err := identity.NewRemoteIdentity(staticRaw)
	if err != nil {
		return hs.fail(err)
	}
	hs.remote = remote

	// es
	remoteStaticDH, err := crypto.X25519PublicKeyFromEd25519(remote.PublicKey)
	if err != nil {
		return hs.fail(err)
	}
	shared, err = crypto.DH(hs.ephemeral, remoteStaticDH)
	if err != nil {
		return hs.fail(err)
	}
	if err := hs.mixKeyZeroizing(shared); err != nil {
		return err
	}

	if err := hs.readSignedPayload(msg[32+staticCiphertextSize:]); err != nil {
		return err
	}

	hs.state = stateReadResponse
	return nil
}

// WriteFinal produces the initiator's closing message: its static key
// under encryption and the signed timestamp payload.
func (hs *Handshake) WriteFinal() ([]byte, error) {
	if hs.role != Initiator || hs.state != stateReadResponse {
		return nil, hs.fail(ErrOutOfOrder)
	}

	// s
	msg, err := hs.ss.encryptAndHash(hs.local.PublicKey())
	if err != nil {
		return nil, hs.fail(err)
	}

	// se
	staticPriv, err := hs.local.DHPrivateKey()
	if err != nil {
		return nil, hs.fail(err)
	}
	shared, err := crypto.DH(staticPriv, hs.remoteEphemeral)
	if err != nil {
		return nil, hs.fail(err)
	}
	if err := hs.mixKeyZeroizing(shared); err != nil {
		return nil, err
	}

	payloadCiphertext, err := hs.writeSignedPayload()
	if err != nil {
		return nil, err
	}
	msg = append(msg, payloadCiphertext...)

	hs.state = stateComplete
	return msg, nil
}

// ReadFinal consumes the initiator's closing message on the responder,
// authenticating the initiator.
func (hs *Handshake) ReadFinal(msg []byte) error {
	if hs.role != Responder || hs.state != stateSentResponse {
		return hs.fail(ErrOutOfOrder)
	}
	if len(msg) < staticCiphertextSize+payloadHeaderSize+crypto.AEADTagSize {
		return hs.fail(fmt.Errorf("%w: final length %d", ErrMalformed, len(msg)))
	}

	// s
	staticRaw, err := hs.ss.decryptAndHash(msg[:staticCiphertextSize])
	if err != nil {
		return hs.fail(err)
	}
	remote, err := identity.NewRemoteIdentity(staticRaw)
	if err != nil {
		return hs.fail(err)
	}
	hs.remote = remote

	// se
	remoteStaticDH, err := crypto.X25519PublicKeyFromEd25519(remote.PublicKey)
	if err != nil {
		return hs.fail(err)
	}
	shared, err := crypto.DH(hs.ephemeral, remoteStaticDH)
	if err != nil {
		return hs.fail(err)
	}
	if err := hs.mixKeyZeroizing(shared); err != nil {
		return err
	}

	if err := hs.readSignedPayload(msg[staticCiphertextSize:]); err != nil {
		return err
	}

	hs.state = stateComplete
	return nil
}

// Keys derives the transport keys once the exchange is complete. The
// initiator sends on the first derived key; the responder on the second.
func (hs *Handshake) Keys() (Keys, error) {
	if hs.state != stateComplete {
		return Keys{}, hs.fail(ErrOutOfOrder)
	}

	k1, k2, err := hs.ss.split()
	if err != nil {
		return Keys{}, hs.fail(err)
	}

	if hs.role == Initiator {
		return Keys{Send: k1, Recv: k2}, nil
	}
	return Keys{Send: k2, Recv: k1}, nil
}

// Remote returns the authenticated peer identity after the peer's
// static key message has been processed.
func (hs *Handshake) Remote() *identity.RemoteIdentity {
	return hs.remote
}

// Hash returns the final transcript hash for channel binding.
func (hs *Handshake) Hash() []byte {
	return append([]byte(nil), hs.ss.h...)
}

// Destroy zeroizes the chaining key and the handshake cipher key and
// drops the ephemeral private key. The ephemeral scalar held inside the
// ecdh.PrivateKey is not overwritten: Bytes returns a copy, so only
// that copy is zeroized.
func (hs *Handshake) Destroy() {
	hs.ss.destroy()
	if hs.ephemeral != nil {
		crypto.Zeroize(hs.ephemeral.Bytes())
		hs.ephemeral = nil
	}
	if hs.state != stateComplete {
		hs.state = stateFailed
	}
}

func (hs *Handshake) fail(err error) error {
	if hs.state == stateFailed {
		return ErrFailed
	}
	hs.Destroy()
	hs.state = stateFailed
	return err
}

func (hs *Handshake) mixKeyZeroizing(shared []byte) error {
	err := hs.ss.mixKey(shared)
	crypto.Zeroize(shared)
	if err != nil {
		return hs.fail(err)
	}
	return nil
}

// writeSignedPayload builds and encrypts the timestamped proof of
// identity. The signature covers the transcript hash as it stands
// before the payload ciphertext is mixed in, concatenated with the
// timestamp bytes; the receiver captures the same hash before
// decrypting.
func (hs *Handshake) writeSignedPayload() ([]byte, error) {
	timestamp := make([]byte, 8)
	binary.BigEndian.PutUint64(timestamp, uint64(hs.now().UnixMilli()))

	signed := make([]byte, 0, len(hs.ss.h)+8)
	signed = append(signed, hs.ss.h...)
	signed = append(signed, timestamp...)

	signature, err := hs.local.Sign(signed)
	if err != nil {
		return nil, hs.fail(err)
	}

	payload := make([]byte, 0, payloadHeaderSize+len(signature))
	payload = append(payload, timestamp...)
	payload = binary.BigEndian.AppendUint16(payload, uint16(len(signature)))
	payload = append(payload, signature...)

	ciphertext, err := hs.ss.encryptAndHash(payload)
	if err != nil {
		return nil, hs.fail(err)
	}
	return ciphertext, nil
}

func (hs *Handshake) readSignedPayload(ciphertext []byte) error {
	transcript := append([]byte(nil), hs.ss.h...)

	payload, err := hs.ss.decryptAndHash(ciphertext)
	if err != nil {
		return hs.fail(err)
	}
	if len(payload) < payloadHeaderSize {
		return hs.fail(fmt.Errorf("%w: payload length %d", ErrMalformed, len(payload)))
	}

	timestamp := payload[:8]
	signatureLen := int(binary.BigEndian.Uint16(payload[8:10]))
	if len(payload) != payloadHeaderSize+signatureLen {
		return hs.fail(fmt.Errorf("%w: signature length %d", ErrMalformed, signatureLen))
	}
	signature := payload[payloadHeaderSize:]

	signed := make([]byte, 0, len(transcript)+8)
	signed = append(signed, transcript...)
	signed = append(signed, timestamp...)

	if err := crypto.Verify(hs.remote.PublicKey, signed, signature); err != nil {
		return hs.fail(ErrAuthentication)
	}

	sentAt := time.UnixMilli(int64(binary.BigEndian.Uint64(timestamp)))
	skew := hs.now().Sub(sentAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxTimestampSkew {
		return hs.fail(ErrStaleTimestamp)
	}

	return nil
}
