// Package netclient is the client side of the Document Session Protocol:
// it dials the relay, replays the GREETING handshake, keeps the
// connection open against disconnects with capped exponential backoff,
// and falls back to LAN discovery when no relay address is configured
// (spec.md §4.10, grounded on the teacher's agent/main.go startDiscovery).
package netclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"

	"github.com/tomas789/syncline/internal/crdtdoc"
	"github.com/tomas789/syncline/internal/protocol"
	"github.com/tomas789/syncline/internal/replica"
)

// DefaultURL is used when neither --url nor LAN discovery finds a relay.
const DefaultURL = "ws://127.0.0.1:3030/sync"

const serviceName = "_syncline._tcp"

// HistoryLostFunc is invoked when the relay reports ErrHistoryLost for a
// doc_id (spec.md §7): the caller must discard local metadata for that doc
// and re-seed it from the server's next snapshot.
type HistoryLostFunc func(docID string)

// Config configures a Client.
type Config struct {
	URL             string // explicit relay URL; empty triggers discovery
	ClientName      string
	DiscoverTimeout time.Duration
	MaxBackoff      time.Duration
}

// Client is the websocket half of the Replica Engine's Outbound interface,
// plus the extra request/response calls (SYNC_STEP_1, blobs) the
// Filesystem Adapter needs that a pure fire-and-forget Outbound doesn't
// capture.
type Client struct {
	cfg     Config
	replica *replica.Replica
	log     zerolog.Logger
	onLost  HistoryLostFunc

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex

	blobMu     sync.Mutex
	putWaiters map[string]chan struct{}
	getWaiters map[string]chan blobResult
}

type blobResult struct {
	data []byte
	ok   bool
}

func New(cfg Config, r *replica.Replica, log zerolog.Logger, onLost HistoryLostFunc) *Client {
	if cfg.DiscoverTimeout <= 0 {
		cfg.DiscoverTimeout = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		replica:    r,
		log:        log.With().Str("component", "netclient").Logger(),
		onLost:     onLost,
		putWaiters: make(map[string]chan struct{}),
		getWaiters: make(map[string]chan blobResult),
	}
}

// Run dials the relay and services it until ctx is cancelled, reconnecting
// with capped exponential backoff and jitter on every failure (spec.md §7
// "Reconnect").
func (c *Client) Run(ctx context.Context) error {
	addr := c.cfg.URL
	if addr == "" {
		addr = c.discover(ctx)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := c.runOnce(ctx, addr)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := b.NextBackOff()
		c.log.Warn().Err(err).Dur("retry_in", wait).Msg("relay connection lost")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) discover(ctx context.Context) string {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		c.log.Warn().Err(err).Msg("mDNS resolver unavailable, using default relay address")
		return DefaultURL
	}
	entries := make(chan *zeroconf.ServiceEntry, 8)
	found := make(chan string, 1)
	go func() {
		for e := range entries {
			if len(e.AddrIPv4) == 0 {
				continue
			}
			select {
			case found <- fmt.Sprintf("ws://%s:%d/sync", e.AddrIPv4[0], e.Port):
			default:
			}
		}
	}()

	dctx, cancel := context.WithTimeout(ctx, c.cfg.DiscoverTimeout)
	defer cancel()
	if err := resolver.Browse(dctx, serviceName, "local.", entries); err != nil {
		c.log.Warn().Err(err).Msg("mDNS browse failed, using default relay address")
		return DefaultURL
	}
	select {
	case addr := <-found:
		c.log.Info().Str("addr", addr).Msg("discovered relay via mDNS")
		return addr
	case <-dctx.Done():
		c.log.Info().Msg("mDNS discovery timed out, using default relay address")
		return DefaultURL
	}
}

func (c *Client) runOnce(ctx context.Context, addr string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("netclient: dial %s: %w", addr, err)
	}
	defer conn.Close()

	name := c.cfg.ClientName
	if name == "" {
		name, _ = os.Hostname()
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, mustEncode(protocol.Frame{Type: protocol.MsgHello, Payload: []byte(name)})); err != nil {
		return fmt.Errorf("netclient: send hello: %w", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("netclient: read hello reply: %w", err)
	}
	reply, err := protocol.Decode(data)
	if err != nil || reply.Type != protocol.MsgHello {
		return fmt.Errorf("netclient: unexpected hello reply: %w", err)
	}
	c.log.Info().Str("server", string(reply.Payload)).Msg("connected to relay")

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
	}()

	// Resync every known doc against its locally-stored state vector
	// rather than resending content (spec.md §7 "no full resend").
	if err := c.requestSync(crdtdoc.IndexDocID, c.replica.Index().EncodeStateVector()); err != nil {
		return err
	}
	for _, docID := range c.replica.KnownDocIDs() {
		doc := c.replica.EnsureDoc(docID)
		if err := c.requestSync(docID, doc.EncodeStateVector()); err != nil {
			return err
		}
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("netclient: read: %w", err)
		}
		f, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		c.handleFrame(f)
	}
}

func (c *Client) handleFrame(f protocol.Frame) {
	switch f.Type {
	case protocol.MsgUpdate, protocol.MsgSyncStep2, protocol.MsgIndexUpdate:
		if len(f.Payload) == 0 {
			return
		}
		var err error
		if f.DocID == crdtdoc.IndexDocID {
			err = c.replica.Index().ApplyUpdate(f.Payload)
		} else {
			err = c.replica.ApplyRemote(f.DocID, f.Payload)
		}
		if err != nil {
			c.log.Warn().Err(err).Str("doc_id", f.DocID).Msg("failed to apply remote update")
		}
	case protocol.MsgErrHistoryLost:
		c.log.Warn().Str("doc_id", f.DocID).Msg("relay reports history lost, re-seeding")
		if c.onLost != nil {
			c.onLost(f.DocID)
		}
	case protocol.MsgBlobPut:
		c.blobMu.Lock()
		ch := c.putWaiters[f.DocID]
		delete(c.putWaiters, f.DocID)
		c.blobMu.Unlock()
		if ch != nil {
			close(ch)
		}
	case protocol.MsgBlobData:
		c.blobMu.Lock()
		ch := c.getWaiters[f.DocID]
		delete(c.getWaiters, f.DocID)
		c.blobMu.Unlock()
		if ch != nil {
			ch <- blobResult{data: f.Payload, ok: len(f.Payload) > 0}
			close(ch)
		}
	default:
		c.log.Warn().Str("type", f.Type.String()).Msg("unexpected frame from relay")
	}
}

// send serializes every write against conn: callers include replica
// observers forwarding local edits, per-path debounce timers, the
// bootstrap walk, and the read loop itself (handleFrame can trigger a
// synchronous RequestSync), all running on distinct goroutines, and
// gorilla/websocket forbids concurrent writers on one connection.
func (c *Client) send(f protocol.Frame) error {
	buf, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("netclient: not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, buf)
}

// SendUpdate implements replica.Outbound: it frames docID's update as
// INDEX_UPDATE for the reserved index document and UPDATE otherwise.
func (c *Client) SendUpdate(docID string, update []byte) error {
	msgType := protocol.MsgUpdate
	if docID == crdtdoc.IndexDocID {
		msgType = protocol.MsgIndexUpdate
	}
	return c.send(protocol.Frame{Type: msgType, DocID: docID, Payload: update})
}

// RequestSync sends SYNC_STEP_1 for docID with stateVector (nil/empty asks
// for the full document), used by the Filesystem Adapter's offline
// bootstrap (spec.md §4.8) in addition to the automatic post-reconnect
// resync above.
func (c *Client) RequestSync(docID string, stateVector []byte) error {
	return c.requestSync(docID, stateVector)
}

func (c *Client) requestSync(docID string, stateVector []byte) error {
	return c.send(protocol.Frame{Type: protocol.MsgSyncStep1, DocID: docID, Payload: stateVector})
}

// PutBlob uploads data under its own SHA-256 hash (the Blob Pipeline's
// content address, spec.md §4.9), blocking until the relay acknowledges.
func (c *Client) PutBlob(ctx context.Context, data []byte) (hash string, err error) {
	sum := sha256.Sum256(data)
	hash = hex.EncodeToString(sum[:])
	ch := make(chan struct{})
	c.blobMu.Lock()
	c.putWaiters[hash] = ch
	c.blobMu.Unlock()
	if err := c.send(protocol.Frame{Type: protocol.MsgBlobPut, DocID: hash, Payload: data}); err != nil {
		c.blobMu.Lock()
		delete(c.putWaiters, hash)
		c.blobMu.Unlock()
		return "", err
	}
	select {
	case <-ch:
		return hash, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// GetBlob downloads the blob named by hash, blocking until the relay
// replies.
func (c *Client) GetBlob(ctx context.Context, hash string) ([]byte, bool, error) {
	ch := make(chan blobResult, 1)
	c.blobMu.Lock()
	c.getWaiters[hash] = ch
	c.blobMu.Unlock()
	if err := c.send(protocol.Frame{Type: protocol.MsgBlobGet, DocID: hash}); err != nil {
		c.blobMu.Lock()
		delete(c.getWaiters, hash)
		c.blobMu.Unlock()
		return nil, false, err
	}
	select {
	case res := <-ch:
		return res.data, res.ok, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func mustEncode(f protocol.Frame) []byte {
	buf, err := protocol.Encode(f)
	if err != nil {
		// HELLO has no doc_id and a small payload; Encode can only fail on
		// an oversized doc_id, which never applies here.
		panic(err)
	}
	return buf
}
