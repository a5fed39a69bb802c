// Package session implements the server-side Document Session Protocol
// state machine: one instance per accepted connection (spec.md §4.5).
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tomas789/syncline/internal/broadcast"
	"github.com/tomas789/syncline/internal/protocol"
	"github.com/tomas789/syncline/internal/store"
)

// Conn is the subset of *websocket.Conn a Session needs. Satisfied
// directly by *websocket.Conn; named here so tests can drive a Session
// without a real socket.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type state int

const (
	stateGreeting state = iota
	stateActive
	stateClosed
)

// ServerBanner is sent back in the HELLO reply.
const ServerBanner = "syncline-relay/1"

// binaryMessage mirrors websocket.BinaryMessage without importing gorilla
// here, since Conn is defined structurally above.
const binaryMessage = 2

// Session drives one connection through GREETING → ACTIVE → CLOSED.
type Session struct {
	conn  Conn
	store *store.Store
	hub   *broadcast.Hub
	log   zerolog.Logger

	connID     string
	clientName string

	mu    sync.Mutex
	state state
	subs  map[string]*broadcast.Subscription // doc_id -> this connection's subscription

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

func New(conn Conn, s *store.Store, hub *broadcast.Hub, log zerolog.Logger) *Session {
	connID := uuid.NewString()
	return &Session{
		conn:  conn,
		store: s,
		hub:   hub,
		log:   log.With().Str("component", "session").Str("conn_id", connID).Logger(),
		connID: connID,
		subs:  make(map[string]*broadcast.Subscription),
	}
}

// Run drives the session until the connection closes or ctx is cancelled.
// It always returns after cleaning up every subscription and forwarder
// this session owns (spec.md §5 "a connection close cancels exactly its
// owned tasks").
func (s *Session) Run(ctx context.Context) error {
	defer s.teardown()

	f, err := s.readFrame()
	if err != nil {
		return err
	}
	if f.Type != protocol.MsgHello {
		return fmt.Errorf("session: expected HELLO, got %s: %w", f.Type, protocol.ErrProtocolViolation)
	}
	s.clientName = string(f.Payload)
	s.log.Info().Str("client_name", s.clientName).Msg("hello")
	if err := s.send(protocol.Frame{Type: protocol.MsgHello, Payload: []byte(ServerBanner)}); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = stateActive
	s.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f, err := s.readFrame()
		if err != nil {
			return err
		}
		if err := s.handleActive(ctx, f); err != nil {
			return err
		}
	}
}

func (s *Session) readFrame() (protocol.Frame, error) {
	msgType, data, err := s.conn.ReadMessage()
	if err != nil {
		return protocol.Frame{}, err
	}
	if msgType != binaryMessage {
		return protocol.Frame{}, fmt.Errorf("session: non-binary websocket message: %w", protocol.ErrProtocolViolation)
	}
	return protocol.Decode(data)
}

func (s *Session) send(f protocol.Frame) error {
	buf, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(binaryMessage, buf)
}

func (s *Session) handleActive(ctx context.Context, f protocol.Frame) error {
	switch f.Type {
	case protocol.MsgSyncStep1:
		return s.handleSyncStep1(ctx, f)
	case protocol.MsgSyncStep2, protocol.MsgUpdate, protocol.MsgIndexUpdate:
		return s.handleUpdate(ctx, f)
	case protocol.MsgBlobPut:
		return s.handleBlobPut(ctx, f)
	case protocol.MsgBlobGet:
		return s.handleBlobGet(ctx, f)
	default:
		return fmt.Errorf("session: unexpected frame %s in ACTIVE: %w", f.Type, protocol.ErrProtocolViolation)
	}
}

// handleSyncStep1 implements spec.md §4.5's SYNC_STEP_1 steps 1-4.
func (s *Session) handleSyncStep1(ctx context.Context, f protocol.Frame) error {
	sub := s.subscribe(f.DocID)
	s.spawnForwarder(f.DocID, sub)

	diff, err := s.store.EncodeDiff(ctx, f.DocID, f.Payload)
	if err != nil {
		if err == store.ErrHistoryLost {
			return s.send(protocol.Frame{Type: protocol.MsgErrHistoryLost, DocID: f.DocID})
		}
		return fmt.Errorf("session: encode_diff %s: %w", f.DocID, err)
	}
	return s.send(protocol.Frame{Type: protocol.MsgSyncStep2, DocID: f.DocID, Payload: diff})
}

// handleUpdate implements spec.md §4.5's UPDATE steps 1-3. SYNC_STEP_2 and
// INDEX_UPDATE share this path: both are, on the wire, "apply this update
// to doc_id and broadcast it" (spec.md §4.5 "SYNC_STEP_2: treat as
// UPDATE"; §4.6 treats the index document like any other).
func (s *Session) handleUpdate(ctx context.Context, f protocol.Frame) error {
	if _, err := s.store.AppendUpdate(ctx, f.DocID, f.Payload, 0); err != nil {
		return fmt.Errorf("session: append_update %s: %w", f.DocID, err)
	}
	s.hub.EnsureTopic(f.DocID)

	s.mu.Lock()
	skip := s.subs[f.DocID]
	s.mu.Unlock()
	if skip == nil {
		// First UPDATE from this connection for a doc it never
		// SYNC_STEP_1'd: attach it so later peers' updates reach it live.
		skip = s.subscribe(f.DocID)
		s.spawnForwarder(f.DocID, skip)
	}
	s.hub.Publish(f.DocID, f.Payload, skip)
	return nil
}

func (s *Session) handleBlobPut(ctx context.Context, f protocol.Frame) error {
	if len(f.DocID) != sha256.Size*2 {
		return fmt.Errorf("session: blob_put hash %q malformed: %w", f.DocID, protocol.ErrProtocolViolation)
	}
	sum := sha256.Sum256(f.Payload)
	if hex.EncodeToString(sum[:]) != f.DocID {
		return fmt.Errorf("session: blob_put hash mismatch for %q: %w", f.DocID, protocol.ErrProtocolViolation)
	}
	if err := s.store.PutBlob(ctx, f.DocID, f.Payload); err != nil {
		return fmt.Errorf("session: put_blob %s: %w", f.DocID, err)
	}
	return s.send(protocol.Frame{Type: protocol.MsgBlobPut, DocID: f.DocID})
}

func (s *Session) handleBlobGet(ctx context.Context, f protocol.Frame) error {
	bytes, ok, err := s.store.GetBlob(ctx, f.DocID)
	if err != nil {
		return fmt.Errorf("session: get_blob %s: %w", f.DocID, err)
	}
	if !ok {
		return s.send(protocol.Frame{Type: protocol.MsgBlobData, DocID: f.DocID})
	}
	return s.send(protocol.Frame{Type: protocol.MsgBlobData, DocID: f.DocID, Payload: bytes})
}

func (s *Session) subscribe(docID string) *broadcast.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[docID]; ok {
		return sub
	}
	sub := s.hub.Subscribe(docID)
	s.subs[docID] = sub
	return sub
}

// spawnForwarder relays sub's mailbox to the outbound stream until either
// the mailbox is closed (Unsubscribe, at teardown) or a write fails
// because the connection is gone. This is the leak-fix spec.md §4.5 and §5
// call out by name: waiting on channel-recv alone would never notice a
// dead outbound stream and the task would run forever across reconnects.
func (s *Session) spawnForwarder(docID string, sub *broadcast.Subscription) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for update := range sub.C {
			if err := s.send(protocol.Frame{Type: protocol.MsgUpdate, DocID: docID, Payload: update}); err != nil {
				return
			}
		}
	}()
}

func (s *Session) teardown() {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.state = stateClosed
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		s.hub.Unsubscribe(sub)
	}
	s.wg.Wait()
	s.conn.Close()
}
