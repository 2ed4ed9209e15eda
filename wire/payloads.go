package wire

import (
	"crypto/sha256"
	"fmt"
)

// ClipboardContentType tags the payload format of a clipboard message.
type ClipboardContentType byte

// Clipboard content types. The values are part of the wire format.
const (
	ClipboardText  ClipboardContentType = 0
	ClipboardImage ClipboardContentType = 1
	ClipboardRtf   ClipboardContentType = 2
	ClipboardHtml  ClipboardContentType = 3
	ClipboardFiles ClipboardContentType = 4
)

func checkHash(what string, hash []byte) error {
	if len(hash) != sha256.Size {
		return fmt.Errorf("%w: %s hash length %d", ErrMalformedMessage, what, len(hash))
	}
	return nil
}

// FileAnnounce advertises a file available for transfer.
type FileAnnounce struct {
	TransferID  string
	FileName    string
	FileSize    int64
	FileHash    []byte
	ChunkSize   int32
	TotalChunks int64
	MimeType    string
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m *FileAnnounce) MarshalBinary() ([]byte, error) {
	if err := checkHash("file", m.FileHash); err != nil {
		return nil, err
	}
	var w fieldWriter
	w.writeString(m.TransferID)
	w.writeString(m.FileName)
	w.writeI64(m.FileSize)
	w.writeBytes(m.FileHash)
	w.writeI32(m.ChunkSize)
	w.writeI64(m.TotalChunks)
	w.writeOptString(m.MimeType)
	return w.buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *FileAnnounce) UnmarshalBinary(data []byte) error {
	r := newFieldReader(data)
	m.TransferID = r.readString("transfer_id")
	m.FileName = r.readString("file_name")
	m.FileSize = r.readI64("file_size")
	m.FileHash = r.readBytes("file_hash")
	m.ChunkSize = r.readI32("chunk_size")
	m.TotalChunks = r.readI64("total_chunks")
	m.MimeType = r.readOptString("mime_type")
	if err := r.finish(); err != nil {
		return err
	}
	return checkHash("file", m.FileHash)
}

// FileRequest asks the sender for a window of contiguous chunks.
type FileRequest struct {
	TransferID      string
	FirstChunkIndex int64
	ChunkCount      int32
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m *FileRequest) MarshalBinary() ([]byte, error) {
	var w fieldWriter
	w.writeString(m.TransferID)
	w.writeI64(m.FirstChunkIndex)
	w.writeI32(m.ChunkCount)
	return w.buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *FileRequest) UnmarshalBinary(data []byte) error {
	r := newFieldReader(data)
	m.TransferID = r.readString("transfer_id")
	m.FirstChunkIndex = r.readI64("first_chunk_index")
	m.ChunkCount = r.readI32("chunk_count")
	return r.finish()
}

// FileChunk carries one chunk's bytes with its hash.
type FileChunk struct {
	TransferID string
	ChunkIndex int64
	Data       []byte
	ChunkHash  []byte
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m *FileChunk) MarshalBinary() ([]byte, error) {
	if err := checkHash("chunk", m.ChunkHash); err != nil {
		return nil, err
	}
	var w fieldWriter
	w.writeString(m.TransferID)
	w.writeI64(m.ChunkIndex)
	w.writeBytes(m.Data)
	w.writeBytes(m.ChunkHash)
	return w.buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *FileChunk) UnmarshalBinary(data []byte) error {
	r := newFieldReader(data)
	m.TransferID = r.readString("transfer_id")
	m.ChunkIndex = r.readI64("chunk_index")
	m.Data = r.readBytes("data")
	m.ChunkHash = r.readBytes("chunk_hash")
	if err := r.finish(); err != nil {
		return err
	}
	return checkHash("chunk", m.ChunkHash)
}

// FileChunkAck acknowledges one chunk, positively or negatively.
type FileChunkAck struct {
	TransferID string
	ChunkIndex int64
	Success    bool
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m *FileChunkAck) MarshalBinary() ([]byte, error) {
	var w fieldWriter
	w.writeString(m.TransferID)
	w.writeI64(m.ChunkIndex)
	w.writeBool(m.Success)
	return w.buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *FileChunkAck) UnmarshalBinary(data []byte) error {
	r := newFieldReader(data)
	m.TransferID = r.readString("transfer_id")
	m.ChunkIndex = r.readI64("chunk_index")
	m.Success = r.readBool("success")
	return r.finish()
}

// FileStatus closes a transfer: completion when sent as FileComplete,
// abort when sent as FileCancel.
type FileStatus struct {
	TransferID   string
	Success      bool
	ErrorMessage string
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m *FileStatus) MarshalBinary() ([]byte, error) {
	var w fieldWriter
	w.writeString(m.TransferID)
	w.writeBool(m.Success)
	w.writeOptString(m.ErrorMessage)
	return w.buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *FileStatus) UnmarshalBinary(data []byte) error {
	r := newFieldReader(data)
	m.TransferID = r.readString("transfer_id")
	m.Success = r.readBool("success")
	m.ErrorMessage = r.readOptString("error_message")
	return r.finish()
}

// FileResume tells the sender where an interrupted transfer left off.
type FileResume struct {
	TransferID        string
	LastReceivedChunk int64
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m *FileResume) MarshalBinary() ([]byte, error) {
	var w fieldWriter
	w.writeString(m.TransferID)
	w.writeI64(m.LastReceivedChunk)
	return w.buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *FileResume) UnmarshalBinary(data []byte) error {
	r := newFieldReader(data)
	m.TransferID = r.readString("transfer_id")
	m.LastReceivedChunk = r.readI64("last_received_chunk")
	return r.finish()
}

// Ping is a liveness probe; Pong echoes it for latency measurement.
type Ping struct {
	TimestampMillis int64
	Sequence        int64
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m *Ping) MarshalBinary() ([]byte, error) {
	var w fieldWriter
	w.writeI64(m.TimestampMillis)
	w.writeI64(m.Sequence)
	return w.buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *Ping) UnmarshalBinary(data []byte) error {
	r := newFieldReader(data)
	m.TimestampMillis = r.readI64("timestamp_ms")
	m.Sequence = r.readI64("sequence")
	return r.finish()
}

// Pong answers a Ping, echoing its timestamp and sequence.
type Pong struct {
	PingTimestampMillis int64
	Sequence            int64
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m *Pong) MarshalBinary() ([]byte, error) {
	var w fieldWriter
	w.writeI64(m.PingTimestampMillis)
	w.writeI64(m.Sequence)
	return w.buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *Pong) UnmarshalBinary(data []byte) error {
	r := newFieldReader(data)
	m.PingTimestampMillis = r.readI64("ping_timestamp_ms")
	m.Sequence = r.readI64("sequence")
	return r.finish()
}

// Disconnect announces an orderly session close.
type Disconnect struct {
	Reason string
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m *Disconnect) MarshalBinary() ([]byte, error) {
	var w fieldWriter
	w.writeOptString(m.Reason)
	return w.buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *Disconnect) UnmarshalBinary(data []byte) error {
	r := newFieldReader(data)
	m.Reason = r.readOptString("reason")
	return r.finish()
}

// ClipboardData relays captured clipboard content between peers.
type ClipboardData struct {
	ClipboardID     string
	ContentType     ClipboardContentType
	Data            []byte
	TimestampMillis int64
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m *ClipboardData) MarshalBinary() ([]byte, error) {
	var w fieldWriter
	w.writeString(m.ClipboardID)
	w.writeU8(byte(m.ContentType))
	w.writeBytes(m.Data)
	w.writeI64(m.TimestampMillis)
	return w.buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *ClipboardData) UnmarshalBinary(data []byte) error {
	r := newFieldReader(data)
	m.ClipboardID = r.readString("clipboard_id")
	m.ContentType = ClipboardContentType(r.readU8("content_type"))
	m.Data = r.readBytes("data")
	m.TimestampMillis = r.readI64("timestamp_ms")
	return r.finish()
}

// ClipboardAck confirms clipboard content was received.
type ClipboardAck struct {
	ClipboardID string
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m *ClipboardAck) MarshalBinary() ([]byte, error) {
	var w fieldWriter
	w.writeString(m.ClipboardID)
	return w.buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *ClipboardAck) UnmarshalBinary(data []byte) error {
	r := newFieldReader(data)
	m.ClipboardID = r.readString("clipboard_id")
	return r.finish()
}
