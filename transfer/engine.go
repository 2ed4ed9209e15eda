// Package transfer implements chunked, resumable file exchange and
// clipboard relay over authenticated peer sessions. Files move as
// hash-verified chunks inside a bounded request window; progress is
// checkpointed durably on the receiver so an interrupted transfer
// resumes where it stopped instead of starting over.
package transfer

import (
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"landrop/crypto"
	"landrop/storage"
	"landrop/wire"
)

const (
	// DefaultMaxInFlight is the chunk request window size.
	DefaultMaxInFlight = 8
	// DefaultRetryBudget aborts a transfer after this many consecutive
	// hash failures on the same chunk.
	DefaultRetryBudget = 5
	// DefaultEventBuffer is the capacity of the engine event channel.
	DefaultEventBuffer = 128
)

var (
	// ErrUnknownTransfer indicates no transfer exists for the ID.
	ErrUnknownTransfer = errors.New("transfer: unknown transfer")
	// ErrWrongPeer indicates the transfer belongs to a different peer.
	ErrWrongPeer = errors.New("transfer: transfer belongs to another peer")
)

// Sender is the slice of the peer manager the engine needs: unicast of
// encodable payloads and best-effort broadcast.
type Sender interface {
	SendMarshaled(peerID string, kind wire.Kind, payload interface {
		MarshalBinary() ([]byte, error)
	}) error
	Broadcast(kind wire.Kind, payload []byte)
}

// Options configures the transfer engine.
type Options struct {
	// InboxDir receives completed files; in-progress state lives under
	// hidden names inside it.
	InboxDir string

	// Store records transfer and clipboard history; may be nil.
	Store *storage.Store

	// AutoAccept requests every announced file without waiting for an
	// explicit Accept call.
	AutoAccept bool

	MaxInFlight int
	RetryBudget int
	EventBuffer int
}

func (o Options) withDefaults() Options {
	out := o
	if out.MaxInFlight <= 0 {
		out.MaxInFlight = DefaultMaxInFlight
	}
	if out.RetryBudget <= 0 {
		out.RetryBudget = DefaultRetryBudget
	}
	if out.EventBuffer <= 0 {
		out.EventBuffer = DefaultEventBuffer
	}
	return out
}

// Engine owns every active transfer, keyed by transfer ID. It consumes
// the file and clipboard message kinds from the peer manager and emits
// progress and completion events on a bounded channel.
type Engine struct {
	options Options
	sender  Sender
	log     *logrus.Entry

	mu       sync.Mutex
	outgoing map[string]*OutgoingTransfer
	incoming map[string]*IncomingTransfer

	events chan Event
	wg     sync.WaitGroup
}

// NewEngine creates an engine writing into options.InboxDir.
func NewEngine(sender Sender, options Options) (*Engine, error) {
	if sender == nil {
		return nil, errors.New("transfer: sender is required")
	}
	if strings.TrimSpace(options.InboxDir) == "" {
		return nil, errors.New("transfer: inbox directory is required")
	}
	opts := options.withDefaults()

	if err := os.MkdirAll(opts.InboxDir, 0o700); err != nil {
		return nil, fmt.Errorf("create inbox: %w", err)
	}

	return &Engine{
		options:  opts,
		sender:   sender,
		log:      logrus.WithField("component", "transfer"),
		outgoing: make(map[string]*OutgoingTransfer),
		incoming: make(map[string]*IncomingTransfer),
		events:   make(chan Event, opts.EventBuffer),
	}, nil
}

// Events returns the engine's event channel.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Kinds lists the message kinds the engine consumes; the host routes
// these from the peer manager to HandleMessage.
func (e *Engine) Kinds() []wire.Kind {
	return []wire.Kind{
		wire.KindFileAnnounce,
		wire.KindFileRequest,
		wire.KindFileChunk,
		wire.KindFileChunkAck,
		wire.KindFileComplete,
		wire.KindFileCancel,
		wire.KindFileResume,
		wire.KindClipboardData,
		wire.KindClipboardAck,
	}
}

// Stop ends all writer tasks and closes open files. In-progress
// incoming transfers keep their temp files and checkpoints for resume.
func (e *Engine) Stop() {
	e.mu.Lock()
	incoming := make([]*IncomingTransfer, 0, len(e.incoming))
	for _, t := range e.incoming {
		incoming = append(incoming, t)
	}
	outgoing := make([]*OutgoingTransfer, 0, len(e.outgoing))
	for _, t := range e.outgoing {
		outgoing = append(outgoing, t)
	}
	e.incoming = make(map[string]*IncomingTransfer)
	e.outgoing = make(map[string]*OutgoingTransfer)
	e.mu.Unlock()

	for _, t := range incoming {
		t.stop()
		t.closeFile()
	}
	for _, t := range outgoing {
		t.finish()
	}
	e.wg.Wait()
}

// Announce hashes a file, registers it as an outgoing transfer, and
// broadcasts its availability. The whole-file hash is computed up
// front by streaming the file once; the announced value is
// authoritative for the receiver's final verification.
func (e *Engine) Announce(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat source: %w", err)
	}
	if info.IsDir() {
		return "", errors.New("transfer: source must be a regular file")
	}

	fileHash, fileSize, err := HashFile(path)
	if err != nil {
		return "", err
	}

	id := uuid.New()
	transferID := hex.EncodeToString(id[:])

	fileName := filepath.Base(path)
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(fileName)))
	chunkSize := ChooseChunkSize(fileSize)

	t := newOutgoingTransfer(transferID, path, fileName, mimeType, fileSize, fileHash, chunkSize)

	e.mu.Lock()
	e.outgoing[transferID] = t
	e.mu.Unlock()

	e.recordTransfer(transferID, "", storage.DirectionSend, fileName, fileSize, fileHash, storage.TransferPending)

	announce := &wire.FileAnnounce{
		TransferID:  transferID,
		FileName:    fileName,
		FileSize:    fileSize,
		FileHash:    fileHash,
		ChunkSize:   chunkSize,
		TotalChunks: t.TotalChunks,
		MimeType:    mimeType,
	}
	raw, err := announce.MarshalBinary()
	if err != nil {
		e.dropOutgoing(transferID)
		return "", err
	}
	e.sender.Broadcast(wire.KindFileAnnounce, raw)

	e.log.WithFields(logrus.Fields{
		"transfer": transferID,
		"file":     fileName,
		"size":     fileSize,
		"chunks":   t.TotalChunks,
	}).Info("announced file")
	return transferID, nil
}

// Accept requests an announced transfer from its origin peer. With an
// existing checkpoint the first requested chunk follows the last
// durable one, so restarts never re-request earlier chunks.
func (e *Engine) Accept(peerID, transferID string) error {
	e.mu.Lock()
	t, ok := e.incoming[transferID]
	e.mu.Unlock()

	if !ok {
		restored, err := e.restoreFromCheckpoint(peerID, transferID)
		if err != nil {
			return err
		}
		t = restored
	}
	if t.PeerID != peerID {
		return fmt.Errorf("%w: %s", ErrWrongPeer, transferID)
	}

	if t.TotalChunks == 0 {
		e.finalizeIncoming(t)
		return nil
	}

	first := int64(0)
	if last := t.lastDurableChunk(); last >= 0 {
		first = last + 1
		if err := e.sender.SendMarshaled(peerID, wire.KindFileResume, &wire.FileResume{
			TransferID:        transferID,
			LastReceivedChunk: last,
		}); err != nil {
			return err
		}
	}

	if first >= t.TotalChunks {
		e.finalizeIncoming(t)
		return nil
	}

	e.setTransferStatus(transferID, storage.TransferActive, "")
	return e.requestWindow(t, first)
}

// Cancel drops a transfer locally and tells the peer.
func (e *Engine) Cancel(peerID, transferID string) error {
	status := &wire.FileStatus{TransferID: transferID, Success: false, ErrorMessage: "cancelled"}

	e.mu.Lock()
	out, haveOut := e.outgoing[transferID]
	in, haveIn := e.incoming[transferID]
	e.mu.Unlock()

	if !haveOut && !haveIn {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, transferID)
	}

	if haveOut {
		out.finish()
		e.dropOutgoing(transferID)
	}
	if haveIn {
		in.stop()
		in.closeFile()
		discardTemp(e.options.InboxDir, transferID)
		removeCheckpoint(e.options.InboxDir, transferID)
		e.dropIncoming(transferID)
	}

	e.setTransferStatus(transferID, storage.TransferFailed, "")
	e.emit(Event{Type: EventTransferCompleted, TransferID: transferID, PeerID: peerID, Success: false, Reason: "cancelled"})

	return e.sender.SendMarshaled(peerID, wire.KindFileCancel, status)
}

// SendClipboard broadcasts clipboard content to every connected peer.
func (e *Engine) SendClipboard(contentType wire.ClipboardContentType, data []byte) (string, error) {
	id := uuid.New()
	clipboardID := hex.EncodeToString(id[:])

	payload := &wire.ClipboardData{
		ClipboardID:     clipboardID,
		ContentType:     contentType,
		Data:            data,
		TimestampMillis: time.Now().UnixMilli(),
	}
	raw, err := payload.MarshalBinary()
	if err != nil {
		return "", err
	}

	e.sender.Broadcast(wire.KindClipboardData, raw)
	e.recordClipboard(clipboardID, "", contentType, len(data))
	return clipboardID, nil
}

// HandleMessage consumes one routed file or clipboard message. It runs
// on the session's read loop; chunk writes are handed to the owning
// transfer's writer task, so the loop waits on the disk only while that
// task's bounded queue is full.
func (e *Engine) HandleMessage(peerID string, msg wire.Message) {
	var err error
	switch msg.Kind {
	case wire.KindFileAnnounce:
		err = e.handleAnnounce(peerID, msg.Payload)
	case wire.KindFileRequest:
		err = e.handleRequest(peerID, msg.Payload)
	case wire.KindFileChunk:
		err = e.handleChunk(peerID, msg.Payload)
	case wire.KindFileChunkAck:
		err = e.handleAck(peerID, msg.Payload)
	case wire.KindFileComplete:
		err = e.handleComplete(peerID, msg.Payload)
	case wire.KindFileCancel:
		err = e.handleCancel(peerID, msg.Payload)
	case wire.KindFileResume:
		err = e.handleResume(peerID, msg.Payload)
	case wire.KindClipboardData:
		err = e.handleClipboardData(peerID, msg.Payload)
	case wire.KindClipboardAck:
		// Delivery confirmations are informational.
	default:
		err = fmt.Errorf("%w: %s", wire.ErrUnknownKind, msg.Kind)
	}

	if err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{
			"from": peerID,
			"kind": msg.Kind.String(),
		}).Warn("transfer message failed")
	}
}

// PeerDisconnected suspends transfers bound to a lost session. Incoming
// state stays on disk; accepting the same transfer ID after
// reconnecting resumes from the checkpoint.
func (e *Engine) PeerDisconnected(peerID string) {
	e.mu.Lock()
	var suspended []*IncomingTransfer
	for id, t := range e.incoming {
		if t.PeerID == peerID {
			suspended = append(suspended, t)
			delete(e.incoming, id)
		}
	}
	e.mu.Unlock()

	for _, t := range suspended {
		t.stop()
		t.closeFile()
		e.log.WithFields(logrus.Fields{
			"transfer": t.ID,
			"peer":     peerID,
		}).Info("transfer suspended, checkpoint retained")
	}
}

func (e *Engine) handleAnnounce(peerID string, payload []byte) error {
	var announce wire.FileAnnounce
	if err := announce.UnmarshalBinary(payload); err != nil {
		return err
	}
	if announce.FileSize < 0 || announce.ChunkSize <= 0 {
		return fmt.Errorf("%w: invalid announce geometry", wire.ErrMalformedMessage)
	}
	if announce.TotalChunks != ChunkCount(announce.FileSize, announce.ChunkSize) {
		return fmt.Errorf("%w: announced chunk count mismatch", wire.ErrMalformedMessage)
	}

	e.mu.Lock()
	if _, exists := e.incoming[announce.TransferID]; exists {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	t, err := e.allocateIncoming(peerID, &announce)
	if err != nil {
		return err
	}

	e.recordTransfer(t.ID, peerID, storage.DirectionReceive, t.FileName, t.FileSize, t.FileHash, storage.TransferPending)
	e.emit(Event{
		Type:       EventTransferOffered,
		TransferID: t.ID,
		PeerID:     peerID,
		FileName:   t.FileName,
		TotalBytes: t.FileSize,
	})

	if e.options.AutoAccept {
		return e.Accept(peerID, t.ID)
	}
	return nil
}

// allocateIncoming builds the incoming transfer, reusing any durable
// progress a matching checkpoint proves.
func (e *Engine) allocateIncoming(peerID string, announce *wire.FileAnnounce) (*IncomingTransfer, error) {
	cp, err := LoadCheckpoint(e.options.InboxDir, announce.TransferID)
	if err != nil {
		e.log.WithError(err).Warn("discarding unreadable checkpoint")
		removeCheckpoint(e.options.InboxDir, announce.TransferID)
		cp = nil
	}
	if cp != nil {
		declared, hashErr := cp.FileHash()
		if hashErr != nil || cp.ChunkSize != announce.ChunkSize || !crypto.ConstantTimeEqual(declared, announce.FileHash) {
			// The announcement changed; stale partial data is useless.
			removeCheckpoint(e.options.InboxDir, announce.TransferID)
			discardTemp(e.options.InboxDir, announce.TransferID)
			cp = nil
		}
	}

	file, err := openTempFile(e.options.InboxDir, announce.TransferID, announce.FileSize)
	if err != nil {
		return nil, err
	}

	t := newIncomingTransfer(peerID, announce.TransferID, announce.FileName, announce.MimeType,
		announce.FileSize, append([]byte(nil), announce.FileHash...), announce.ChunkSize,
		announce.TotalChunks, e.options.MaxInFlight)
	t.file = file
	if cp != nil {
		t.restoreProgress(cp.LastChunk)
	}

	e.mu.Lock()
	if existing, raced := e.incoming[announce.TransferID]; raced {
		e.mu.Unlock()
		_ = file.Close()
		return existing, nil
	}
	e.incoming[announce.TransferID] = t
	e.mu.Unlock()

	e.wg.Add(1)
	go e.writerLoop(t)

	return t, nil
}

// restoreFromCheckpoint rebuilds an incoming transfer after a restart,
// when the durable state is all that survives.
func (e *Engine) restoreFromCheckpoint(peerID, transferID string) (*IncomingTransfer, error) {
	cp, err := LoadCheckpoint(e.options.InboxDir, transferID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransfer, transferID)
	}

	fileHash, err := cp.FileHash()
	if err != nil {
		return nil, err
	}

	file, err := openTempFile(e.options.InboxDir, transferID, cp.FileSize)
	if err != nil {
		return nil, err
	}

	t := newIncomingTransfer(peerID, transferID, cp.FileName, "", cp.FileSize, fileHash,
		cp.ChunkSize, cp.TotalChunks, e.options.MaxInFlight)
	t.file = file
	t.restoreProgress(cp.LastChunk)

	e.mu.Lock()
	if existing, raced := e.incoming[transferID]; raced {
		e.mu.Unlock()
		_ = file.Close()
		return existing, nil
	}
	e.incoming[transferID] = t
	e.mu.Unlock()

	e.wg.Add(1)
	go e.writerLoop(t)

	return t, nil
}

func (e *Engine) handleRequest(peerID string, payload []byte) error {
	var req wire.FileRequest
	if err := req.UnmarshalBinary(payload); err != nil {
		return err
	}

	e.mu.Lock()
	t, ok := e.outgoing[req.TransferID]
	e.mu.Unlock()
	if !ok {
		return e.sender.SendMarshaled(peerID, wire.KindFileCancel, &wire.FileStatus{
			TransferID:   req.TransferID,
			ErrorMessage: "unknown transfer",
		})
	}

	if err := t.bind(peerID); err != nil {
		return e.sender.SendMarshaled(peerID, wire.KindFileCancel, &wire.FileStatus{
			TransferID:   req.TransferID,
			ErrorMessage: "transfer unavailable",
		})
	}

	e.setTransferStatus(t.ID, storage.TransferActive, "")

	count := int64(req.ChunkCount)
	if count <= 0 {
		count = int64(e.options.MaxInFlight)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.serveChunks(t, peerID, req.FirstChunkIndex, count)
	}()
	return nil
}

// serveChunks reads and sends a contiguous run of chunks. Memory stays
// at one chunk; the session's send path serializes the records.
func (e *Engine) serveChunks(t *OutgoingTransfer, peerID string, first, count int64) {
	for index := first; index < first+count && index < t.TotalChunks; index++ {
		data, err := t.readChunkAt(index)
		if err != nil {
			e.log.WithError(err).WithField("transfer", t.ID).Error("chunk read failed")
			e.abortOutgoing(t, peerID, "source unreadable")
			return
		}

		chunk := &wire.FileChunk{
			TransferID: t.ID,
			ChunkIndex: index,
			Data:       data,
			ChunkHash:  HashChunk(data),
		}
		if err := e.sender.SendMarshaled(peerID, wire.KindFileChunk, chunk); err != nil {
			e.log.WithError(err).WithField("transfer", t.ID).Debug("chunk send failed")
			return
		}
	}
}

func (e *Engine) handleChunk(peerID string, payload []byte) error {
	var chunk wire.FileChunk
	if err := chunk.UnmarshalBinary(payload); err != nil {
		return err
	}

	e.mu.Lock()
	t, ok := e.incoming[chunk.TransferID]
	e.mu.Unlock()
	if !ok || t.PeerID != peerID {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, chunk.TransferID)
	}

	if chunk.ChunkIndex < 0 || chunk.ChunkIndex >= t.TotalChunks || int64(len(chunk.Data)) != t.chunkSizeAt(chunk.ChunkIndex) {
		return fmt.Errorf("%w: chunk %d geometry", wire.ErrMalformedMessage, chunk.ChunkIndex)
	}

	if !crypto.ConstantTimeEqual(HashChunk(chunk.Data), chunk.ChunkHash) {
		e.log.WithFields(logrus.Fields{
			"transfer": t.ID,
			"chunk":    chunk.ChunkIndex,
		}).Warn("chunk hash mismatch")
		return e.sender.SendMarshaled(peerID, wire.KindFileChunkAck, &wire.FileChunkAck{
			TransferID: t.ID,
			ChunkIndex: chunk.ChunkIndex,
			Success:    false,
		})
	}

	if !t.enqueue(writeJob{index: chunk.ChunkIndex, data: chunk.Data}) {
		return fmt.Errorf("%w: %s stopped", ErrUnknownTransfer, t.ID)
	}
	return nil
}

// writerLoop is the single owner of a transfer's temp file. Each chunk
// is written at its offset, flushed, checkpointed, and only then
// acknowledged, so an ack always refers to durable data.
func (e *Engine) writerLoop(t *IncomingTransfer) {
	defer e.wg.Done()

	for {
		select {
		case <-t.stopped:
			return
		case job := <-t.jobs:
			if err := e.consumeChunk(t, job); err != nil {
				e.log.WithError(err).WithField("transfer", t.ID).Error("chunk write failed")
				e.failIncoming(t, "write failed")
				return
			}

			received, total := t.progress()
			if received == total {
				e.finalizeIncoming(t)
				return
			}
		}
	}
}

func (e *Engine) consumeChunk(t *IncomingTransfer, job writeJob) error {
	isNew, lastContiguous, err := t.writeChunk(job.index, job.data)
	if err != nil {
		return err
	}

	if isNew && lastContiguous >= 0 {
		if err := saveCheckpoint(e.options.InboxDir, &Checkpoint{
			TransferID:   t.ID,
			LastChunk:    lastContiguous,
			OriginPeerID: t.PeerID,
			FileName:     t.FileName,
			FileSize:     t.FileSize,
			FileHashHex:  hex.EncodeToString(t.FileHash),
			ChunkSize:    t.ChunkSize,
			TotalChunks:  t.TotalChunks,
		}); err != nil {
			return err
		}
	}

	if err := e.sender.SendMarshaled(t.PeerID, wire.KindFileChunkAck, &wire.FileChunkAck{
		TransferID: t.ID,
		ChunkIndex: job.index,
		Success:    true,
	}); err != nil {
		return err
	}

	received, total := t.progress()
	bytes := received * int64(t.ChunkSize)
	if bytes > t.FileSize {
		bytes = t.FileSize
	}
	e.emit(Event{
		Type:             EventTransferProgress,
		TransferID:       t.ID,
		PeerID:           t.PeerID,
		FileName:         t.FileName,
		BytesTransferred: bytes,
		TotalBytes:       t.FileSize,
	})

	// Keep the pipeline full: once the tail of the current window has
	// landed, ask for the next one.
	if job.index == t.windowEnd() && job.index+1 < total {
		return e.requestWindow(t, job.index+1)
	}
	return nil
}

func (e *Engine) requestWindow(t *IncomingTransfer, first int64) error {
	end := first + int64(e.options.MaxInFlight) - 1
	if end >= t.TotalChunks {
		end = t.TotalChunks - 1
	}
	t.setWindowEnd(end)

	return e.sender.SendMarshaled(t.PeerID, wire.KindFileRequest, &wire.FileRequest{
		TransferID:      t.ID,
		FirstChunkIndex: first,
		ChunkCount:      int32(e.options.MaxInFlight),
	})
}

// finalizeIncoming verifies the whole file and publishes it under its
// final name. A file only ever appears in the inbox complete and
// verified.
func (e *Engine) finalizeIncoming(t *IncomingTransfer) {
	if !t.finished() {
		return
	}
	t.closeFile()
	t.stop()

	actualHash, _, err := HashFile(tempPath(e.options.InboxDir, t.ID))
	if err != nil {
		e.failIncoming(t, "verification read failed")
		return
	}

	if !crypto.ConstantTimeEqual(actualHash, t.FileHash) {
		discardTemp(e.options.InboxDir, t.ID)
		removeCheckpoint(e.options.InboxDir, t.ID)
		e.dropIncoming(t.ID)
		e.setTransferStatus(t.ID, storage.TransferFailed, "")
		e.emit(Event{
			Type:       EventTransferCompleted,
			TransferID: t.ID,
			PeerID:     t.PeerID,
			FileName:   t.FileName,
			Success:    false,
			Reason:     "hash mismatch",
		})
		_ = e.sender.SendMarshaled(t.PeerID, wire.KindFileComplete, &wire.FileStatus{
			TransferID:   t.ID,
			Success:      false,
			ErrorMessage: "hash mismatch",
		})
		return
	}

	finalPath, err := placeInInbox(e.options.InboxDir, t.ID, t.FileName)
	if err != nil {
		e.failIncoming(t, "inbox placement failed")
		return
	}
	removeCheckpoint(e.options.InboxDir, t.ID)
	e.dropIncoming(t.ID)

	e.setTransferStatus(t.ID, storage.TransferComplete, finalPath)
	e.emit(Event{
		Type:             EventTransferCompleted,
		TransferID:       t.ID,
		PeerID:           t.PeerID,
		FileName:         t.FileName,
		Path:             finalPath,
		Success:          true,
		BytesTransferred: t.FileSize,
		TotalBytes:       t.FileSize,
	})
	_ = e.sender.SendMarshaled(t.PeerID, wire.KindFileComplete, &wire.FileStatus{
		TransferID: t.ID,
		Success:    true,
	})

	e.log.WithFields(logrus.Fields{
		"transfer": t.ID,
		"path":     finalPath,
	}).Info("transfer completed")
}

func (e *Engine) failIncoming(t *IncomingTransfer, reason string) {
	t.finished()
	t.stop()
	t.closeFile()
	e.dropIncoming(t.ID)
	e.setTransferStatus(t.ID, storage.TransferFailed, "")
	e.emit(Event{
		Type:       EventTransferCompleted,
		TransferID: t.ID,
		PeerID:     t.PeerID,
		FileName:   t.FileName,
		Success:    false,
		Reason:     reason,
	})
}

func (e *Engine) handleAck(peerID string, payload []byte) error {
	var ack wire.FileChunkAck
	if err := ack.UnmarshalBinary(payload); err != nil {
		return err
	}

	e.mu.Lock()
	t, ok := e.outgoing[ack.TransferID]
	e.mu.Unlock()
	if !ok {
		return nil
	}

	if !ack.Success {
		if t.markFailed(ack.ChunkIndex, e.options.RetryBudget) {
			e.abortOutgoing(t, peerID, "corrupted")
			return nil
		}

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.serveChunks(t, peerID, ack.ChunkIndex, 1)
		}()
		return nil
	}

	ackedCount := t.markAcked(ack.ChunkIndex)
	e.emit(Event{
		Type:             EventTransferProgress,
		TransferID:       t.ID,
		PeerID:           peerID,
		FileName:         t.FileName,
		BytesTransferred: t.ackedBytes(),
		TotalBytes:       t.FileSize,
	})

	if ackedCount == t.TotalChunks {
		t.finish()
		e.dropOutgoing(t.ID)
		e.setTransferStatus(t.ID, storage.TransferComplete, t.SourcePath)
		e.emit(Event{
			Type:             EventTransferCompleted,
			TransferID:       t.ID,
			PeerID:           peerID,
			FileName:         t.FileName,
			Path:             t.SourcePath,
			Success:          true,
			BytesTransferred: t.FileSize,
			TotalBytes:       t.FileSize,
		})
		e.log.WithField("transfer", t.ID).Info("all chunks acknowledged")
	}
	return nil
}

func (e *Engine) handleComplete(peerID string, payload []byte) error {
	var status wire.FileStatus
	if err := status.UnmarshalBinary(payload); err != nil {
		return err
	}

	e.mu.Lock()
	t, ok := e.outgoing[status.TransferID]
	e.mu.Unlock()
	if !ok {
		// Normal when completion already happened via the final ack.
		return nil
	}

	t.finish()
	e.dropOutgoing(t.ID)

	if status.Success {
		e.setTransferStatus(t.ID, storage.TransferComplete, t.SourcePath)
	} else {
		e.setTransferStatus(t.ID, storage.TransferFailed, "")
	}
	e.emit(Event{
		Type:       EventTransferCompleted,
		TransferID: t.ID,
		PeerID:     peerID,
		FileName:   t.FileName,
		Success:    status.Success,
		Reason:     status.ErrorMessage,
	})
	return nil
}

func (e *Engine) handleCancel(peerID string, payload []byte) error {
	var status wire.FileStatus
	if err := status.UnmarshalBinary(payload); err != nil {
		return err
	}

	e.mu.Lock()
	out, haveOut := e.outgoing[status.TransferID]
	in, haveIn := e.incoming[status.TransferID]
	e.mu.Unlock()

	reason := status.ErrorMessage
	if reason == "" {
		reason = "cancelled by peer"
	}

	if haveOut {
		out.finish()
		e.dropOutgoing(out.ID)
		e.setTransferStatus(out.ID, storage.TransferFailed, "")
		e.emit(Event{
			Type:       EventTransferCompleted,
			TransferID: out.ID,
			PeerID:     peerID,
			FileName:   out.FileName,
			Success:    false,
			Reason:     reason,
		})
	}
	if haveIn && in.PeerID == peerID {
		in.stop()
		in.closeFile()
		discardTemp(e.options.InboxDir, in.ID)
		removeCheckpoint(e.options.InboxDir, in.ID)
		e.dropIncoming(in.ID)
		e.setTransferStatus(in.ID, storage.TransferFailed, "")
		e.emit(Event{
			Type:       EventTransferCompleted,
			TransferID: in.ID,
			PeerID:     peerID,
			FileName:   in.FileName,
			Success:    false,
			Reason:     reason,
		})
	}
	return nil
}

func (e *Engine) handleResume(peerID string, payload []byte) error {
	var resume wire.FileResume
	if err := resume.UnmarshalBinary(payload); err != nil {
		return err
	}

	e.mu.Lock()
	t, ok := e.outgoing[resume.TransferID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, resume.TransferID)
	}
	if err := t.bind(peerID); err != nil {
		return err
	}

	e.log.WithFields(logrus.Fields{
		"transfer": t.ID,
		"peer":     peerID,
		"last":     resume.LastReceivedChunk,
	}).Info("peer resuming transfer")
	return nil
}

func (e *Engine) handleClipboardData(peerID string, payload []byte) error {
	var clip wire.ClipboardData
	if err := clip.UnmarshalBinary(payload); err != nil {
		return err
	}

	e.recordClipboard(clip.ClipboardID, peerID, clip.ContentType, len(clip.Data))
	e.emit(Event{
		Type:      EventClipboardReceived,
		PeerID:    peerID,
		Clipboard: &clip,
	})

	return e.sender.SendMarshaled(peerID, wire.KindClipboardAck, &wire.ClipboardAck{
		ClipboardID: clip.ClipboardID,
	})
}

func (e *Engine) abortOutgoing(t *OutgoingTransfer, peerID, reason string) {
	t.finish()
	e.dropOutgoing(t.ID)
	e.setTransferStatus(t.ID, storage.TransferFailed, "")
	e.emit(Event{
		Type:       EventTransferCompleted,
		TransferID: t.ID,
		PeerID:     peerID,
		FileName:   t.FileName,
		Success:    false,
		Reason:     reason,
	})
	_ = e.sender.SendMarshaled(peerID, wire.KindFileCancel, &wire.FileStatus{
		TransferID:   t.ID,
		Success:      false,
		ErrorMessage: reason,
	})
}

func (e *Engine) dropOutgoing(transferID string) {
	e.mu.Lock()
	delete(e.outgoing, transferID)
	e.mu.Unlock()
}

func (e *Engine) dropIncoming(transferID string) {
	e.mu.Lock()
	delete(e.incoming, transferID)
	e.mu.Unlock()
}

func (e *Engine) recordTransfer(transferID, peerID, direction, fileName string, fileSize int64, fileHash []byte, status string) {
	if e.options.Store == nil {
		return
	}
	if err := e.options.Store.RecordTransfer(storage.TransferRecord{
		TransferID: transferID,
		PeerID:     peerID,
		Direction:  direction,
		FileName:   fileName,
		FileSize:   fileSize,
		FileHash:   hex.EncodeToString(fileHash),
		Status:     status,
	}); err != nil {
		e.log.WithError(err).Debug("transfer history write failed")
	}
}

func (e *Engine) setTransferStatus(transferID, status, finalPath string) {
	if e.options.Store == nil {
		return
	}
	if err := e.options.Store.SetTransferStatus(transferID, status, finalPath); err != nil {
		e.log.WithError(err).Debug("transfer status write failed")
	}
}

func (e *Engine) recordClipboard(clipboardID, peerID string, contentType wire.ClipboardContentType, size int) {
	if e.options.Store == nil {
		return
	}
	if err := e.options.Store.RecordClipboardEvent(clipboardID, peerID, byte(contentType), size); err != nil {
		e.log.WithError(err).Debug("clipboard history write failed")
	}
}

// emit delivers an event without blocking; the oldest event is dropped
// when the buffer is full.
func (e *Engine) emit(event Event) {
	for {
		select {
		case e.events <- event:
			return
		default:
		}

		select {
		case <-e.events:
		default:
		}
	}
}
