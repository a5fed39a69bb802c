package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomas789/syncline/internal/broadcast"
	"github.com/tomas789/syncline/internal/crdtdoc"
	"github.com/tomas789/syncline/internal/protocol"
	"github.com/tomas789/syncline/internal/store"
)

// fakeConn is an in-memory Conn: inbound is a scripted queue of frames to
// read, outbound captures every WriteMessage call for assertions.
type fakeConn struct {
	inbound  chan []byte
	outbound chan []byte
	closed   chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound:  make(chan []byte, 16),
		outbound: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-c.inbound:
		return binaryMessage, b, nil
	case <-c.closed:
		return 0, nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case c.outbound <- data:
		return nil
	case <-c.closed:
		return errConnClosed
	}
}

func (c *fakeConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func (c *fakeConn) push(t *testing.T, f protocol.Frame) {
	t.Helper()
	buf, err := protocol.Encode(f)
	if err != nil {
		t.Fatal(err)
	}
	c.inbound <- buf
}

func (c *fakeConn) nextFrame(t *testing.T) protocol.Frame {
	t.Helper()
	select {
	case b := <-c.outbound:
		f, err := protocol.Decode(b)
		if err != nil {
			t.Fatal(err)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return protocol.Frame{}
	}
}

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

const errConnClosed = sentinelErr("fakeConn: closed")

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "syncline.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHelloHandshakeMovesToActive(t *testing.T) {
	s := newTestStore(t)
	hub := broadcast.New()
	conn := newFakeConn()
	sess := New(conn, s, hub, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	conn.push(t, protocol.Frame{Type: protocol.MsgHello, Payload: []byte("alice")})
	reply := conn.nextFrame(t)
	if reply.Type != protocol.MsgHello {
		t.Fatalf("expected HELLO reply, got %s", reply.Type)
	}
	if string(reply.Payload) != ServerBanner {
		t.Fatalf("got banner %q", reply.Payload)
	}

	conn.Close()
	<-done
}

func TestFrameBeforeHelloIsProtocolViolation(t *testing.T) {
	s := newTestStore(t)
	hub := broadcast.New()
	conn := newFakeConn()
	sess := New(conn, s, hub, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	conn.push(t, protocol.Frame{Type: protocol.MsgUpdate, DocID: "notes/a.md"})
	err := <-done
	if err == nil {
		t.Fatal("expected a protocol violation error")
	}
}

func TestUpdateThenSyncStep1FromSecondSessionConverges(t *testing.T) {
	s := newTestStore(t)
	hub := broadcast.New()

	connA := newFakeConn()
	sessA := New(connA, s, hub, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sessA.Run(ctx)
	connA.push(t, protocol.Frame{Type: protocol.MsgHello, Payload: []byte("a")})
	connA.nextFrame(t) // HELLO reply

	doc := crdtdoc.NewText("A")
	u := doc.InsertAt(0, "hello")
	connA.push(t, protocol.Frame{Type: protocol.MsgUpdate, DocID: "notes/a.md", Payload: u})
	// A's session handles frames in order, so its SYNC_STEP_2 reply proves
	// the UPDATE above has been appended before B syncs.
	connA.push(t, protocol.Frame{Type: protocol.MsgSyncStep1, DocID: "notes/a.md", Payload: nil})
	connA.nextFrame(t) // SYNC_STEP_2

	connB := newFakeConn()
	sessB := New(connB, s, hub, zerolog.Nop())
	go sessB.Run(ctx)
	connB.push(t, protocol.Frame{Type: protocol.MsgHello, Payload: []byte("b")})
	connB.nextFrame(t) // HELLO reply

	connB.push(t, protocol.Frame{Type: protocol.MsgSyncStep1, DocID: "notes/a.md", Payload: nil})
	reply := connB.nextFrame(t)
	if reply.Type != protocol.MsgSyncStep2 {
		t.Fatalf("expected SYNC_STEP_2, got %s", reply.Type)
	}

	other, err := crdtdoc.LoadText("B", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := other.ApplyUpdate(reply.Payload); err != nil {
		t.Fatal(err)
	}
	if got := other.Get(); got != "hello" {
		t.Fatalf("got %q", got)
	}

	connA.Close()
	connB.Close()
}

func TestSelfEchoIsNotForwardedBack(t *testing.T) {
	s := newTestStore(t)
	hub := broadcast.New()
	conn := newFakeConn()
	sess := New(conn, s, hub, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)
	conn.push(t, protocol.Frame{Type: protocol.MsgHello, Payload: []byte("a")})
	conn.nextFrame(t) // HELLO reply

	conn.push(t, protocol.Frame{Type: protocol.MsgSyncStep1, DocID: "notes/a.md", Payload: nil})
	conn.nextFrame(t) // SYNC_STEP_2

	doc := crdtdoc.NewText("A")
	u := doc.InsertAt(0, "x")
	conn.push(t, protocol.Frame{Type: protocol.MsgUpdate, DocID: "notes/a.md", Payload: u})

	select {
	case b := <-conn.outbound:
		f, _ := protocol.Decode(b)
		t.Fatalf("did not expect the originating connection to receive its own update, got %s", f.Type)
	case <-time.After(100 * time.Millisecond):
	}

	conn.Close()
}

func TestHistoryLostRepliesWithErrHistoryLost(t *testing.T) {
	s := newTestStore(t)
	hub := broadcast.New()
	docID := "notes/a.md"

	a := crdtdoc.NewText("A")
	u1 := a.InsertAt(0, "hello")
	ctx := context.Background()
	if _, err := s.AppendUpdate(ctx, docID, u1, 1); err != nil {
		t.Fatal(err)
	}
	staleSV := a.EncodeStateVector()

	b := crdtdoc.NewText("B")
	u2 := b.InsertAt(0, "world")
	if _, err := s.AppendUpdate(ctx, docID, u2, 2); err != nil {
		t.Fatal(err)
	}
	if err := s.Compact(ctx, docID); err != nil {
		t.Fatal(err)
	}

	conn := newFakeConn()
	sess := New(conn, s, hub, zerolog.Nop())
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(runCtx)
	conn.push(t, protocol.Frame{Type: protocol.MsgHello, Payload: []byte("c")})
	conn.nextFrame(t)

	conn.push(t, protocol.Frame{Type: protocol.MsgSyncStep1, DocID: docID, Payload: staleSV})
	reply := conn.nextFrame(t)
	if reply.Type != protocol.MsgErrHistoryLost {
		t.Fatalf("expected ERR_HISTORY_LOST, got %s", reply.Type)
	}

	conn.Close()
}
