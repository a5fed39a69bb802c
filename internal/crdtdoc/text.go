package crdtdoc

import (
	"fmt"
	"sync"
	"unicode/utf8"
)

// textOpKind tags the two primitive operations a Text document replays.
type textOpKind byte

const (
	opInsert textOpKind = 0
	opDelete textOpKind = 1
)

// textOp is one entry in a Text document's operation log. Every op — insert
// or delete — carries its own ID so the log can be diffed against a peer's
// state vector and so duplicate delivery is a detectable no-op.
type textOp struct {
	Kind   textOpKind
	ID     ID
	Origin ID   // Kind == opInsert: the element this was inserted after
	Value  rune // Kind == opInsert
	Target ID   // Kind == opDelete: the element being tombstoned
}

type element struct {
	id      ID
	origin  ID
	value   rune
	deleted bool
}

// Text is a sequence CRDT for UTF-8 text. Indices taken and returned by its
// API are byte offsets into the current value of Get() — this document
// type is defined to use byte offsets as its unit (see spec.md §4.7, §9
// "Diff-op offset units"); callers never need to branch on the CRDT
// library's configured unit because there is only one, decided here.
//
// Internally each rune is its own element addressed by ID, linked to the
// element it was inserted after (its "origin"). Concurrent inserts at the
// same origin are ordered deterministically by ID so that any two replicas
// which have integrated the same set of ops converge to the same sequence,
// regardless of the order the ops arrived in.
type Text struct {
	mu       sync.Mutex
	peer     string
	counter  uint64
	elements []*element
	byID     map[ID]*element
	log      []textOp
	seen     map[ID]bool
	sv       StateVector
	pending  []textOp
	observers []func(update []byte, local bool)
}

// NewText creates an empty Text document. peerID identifies this replica's
// own operations and must be stable for the lifetime of the replica (the
// Replica Engine uses its connection's declared name or a persisted UUID).
func NewText(peerID string) *Text {
	return &Text{
		peer: peerID,
		byID: make(map[ID]*element),
		seen: make(map[ID]bool),
		sv:   StateVector{},
	}
}

// LoadText reconstructs a Text from a previously-encoded snapshot (or any
// update covering the desired state), as used when a replica seeds a
// document from disk or a server seeds one from its durable snapshot.
func LoadText(peerID string, snapshot []byte) (*Text, error) {
	t := NewText(peerID)
	if len(snapshot) == 0 {
		return t, nil
	}
	if err := t.ApplyUpdate(snapshot); err != nil {
		return nil, err
	}
	return t, nil
}

// Get returns the document's current text.
func (t *Text) Get() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.get()
}

func (t *Text) get() string {
	var b []byte
	for _, el := range t.elements {
		if el.deleted {
			continue
		}
		var tmp [utf8.UTFMax]byte
		n := utf8.EncodeRune(tmp[:], el.value)
		b = append(b, tmp[:n]...)
	}
	return string(b)
}

// EncodeStateVector returns an opaque summary of the ops this replica has
// integrated.
func (t *Text) EncodeStateVector() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sv.encode()
}

// EncodeDiff returns the ops this replica has that the peer (described by
// peerStateVector) does not, ready to send as an UPDATE/SYNC_STEP_2
// payload. An empty/nil peerStateVector requests the full history.
func (t *Text) EncodeDiff(peerStateVector []byte) ([]byte, error) {
	sv, err := decodeStateVector(peerStateVector)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var missing []textOp
	for _, op := range t.log {
		if op.ID.Counter > sv[op.ID.Peer] {
			missing = append(missing, op)
		}
	}
	return gobEncode(missing), nil
}

// EncodeSnapshot returns an update equivalent to the full document history,
// suitable for replacing an update-log prefix during compaction.
func (t *Text) EncodeSnapshot() []byte {
	b, _ := t.EncodeDiff(nil)
	return b
}

// compactionPeer attributes synthesized ops produced by CompactSnapshot.
const compactionPeer = "__snapshot__"

// CompactSnapshot squashes the current visible content into a fresh update
// attributed to a synthetic peer, discarding per-op authorship for
// whatever was folded in. This is what makes compaction lossy in the sense
// spec.md §4.2/§7 requires: a replica whose state vector still names an
// original author of the squashed content can no longer be diffed against
// safely (see HasPeerHistory) and must be told ErrHistoryLost rather than
// silently handed a diff that would duplicate content it already has.
func (t *Text) CompactSnapshot() []byte {
	content := t.Get()
	synthetic := NewText(compactionPeer)
	synthetic.InsertAt(0, content)
	return synthetic.EncodeSnapshot()
}

// HasPeerHistory reports whether this document's op log contains any op
// originated by peer. Used to detect when a peer's state vector names a
// peer whose contributions were folded into a compaction snapshot.
func (t *Text) HasPeerHistory(peer string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, op := range t.log {
		if op.ID.Peer == peer {
			return true
		}
	}
	return false
}

// ApplyUpdate integrates ops produced by EncodeDiff/EncodeSnapshot (locally
// or remotely). Applying the same update twice is a no-op.
func (t *Text) ApplyUpdate(update []byte) error {
	var ops []textOp
	if err := gobDecode(update, &ops); err != nil {
		return fmt.Errorf("crdtdoc: decode text update: %w", err)
	}
	t.mu.Lock()
	changed := false
	for _, op := range ops {
		if t.integrate(op) {
			changed = true
		}
	}
	t.mu.Unlock()
	if changed {
		t.notify(update, false)
	}
	return nil
}

// integrate applies a single op if not already seen, queuing it if its
// dependency (the origin/target element) hasn't arrived yet. Must be called
// with t.mu held. Returns whether the document's visible content changed.
func (t *Text) integrate(op textOp) bool {
	if t.seen[op.ID] {
		return false
	}
	switch op.Kind {
	case opInsert:
		if !op.Origin.IsZero() {
			if _, ok := t.byID[op.Origin]; !ok {
				t.pending = append(t.pending, op)
				return false
			}
		}
		t.doInsert(op)
		t.markSeen(op)
		t.drainPending()
		return true
	case opDelete:
		el, ok := t.byID[op.Target]
		if !ok {
			t.pending = append(t.pending, op)
			return false
		}
		wasVisible := !el.deleted
		el.deleted = true
		t.markSeen(op)
		t.drainPending()
		return wasVisible
	}
	return false
}

func (t *Text) markSeen(op textOp) {
	t.seen[op.ID] = true
	t.log = append(t.log, op)
	if op.ID.Counter > t.sv[op.ID.Peer] {
		t.sv[op.ID.Peer] = op.ID.Counter
	}
}

func (t *Text) doInsert(op textOp) {
	originIdx := -1
	if !op.Origin.IsZero() {
		originIdx = t.indexOf(t.byID[op.Origin])
	}
	insertAt := originIdx + 1
	for insertAt < len(t.elements) && less(op.ID, t.elements[insertAt].id) {
		insertAt++
	}
	el := &element{id: op.ID, origin: op.Origin, value: op.Value}
	t.elements = append(t.elements, nil)
	copy(t.elements[insertAt+1:], t.elements[insertAt:])
	t.elements[insertAt] = el
	t.byID[op.ID] = el
}

func (t *Text) indexOf(el *element) int {
	for i, e := range t.elements {
		if e == el {
			return i
		}
	}
	return -1
}

// drainPending retries queued ops whose dependency may have just arrived.
// Bounded by len(pending) per call since each successful pass removes at
// least the ops it can integrate; ops that still can't integrate are
// requeued once.
func (t *Text) drainPending() {
	for {
		if len(t.pending) == 0 {
			return
		}
		progressed := false
		remaining := t.pending[:0:0]
		for _, op := range t.pending {
			before := len(t.seen)
			t.integratePending(op)
			if len(t.seen) != before {
				progressed = true
			} else {
				remaining = append(remaining, op)
			}
		}
		t.pending = remaining
		if !progressed {
			return
		}
	}
}

// integratePending is integrate without re-enqueuing on failure (the
// caller already owns the pending slice).
func (t *Text) integratePending(op textOp) {
	if t.seen[op.ID] {
		return
	}
	switch op.Kind {
	case opInsert:
		if !op.Origin.IsZero() {
			if _, ok := t.byID[op.Origin]; !ok {
				return
			}
		}
		t.doInsert(op)
		t.markSeen(op)
	case opDelete:
		el, ok := t.byID[op.Target]
		if !ok {
			return
		}
		el.deleted = true
		t.markSeen(op)
	}
}

// InsertAt inserts s at byte offset off in the current text, generating one
// textOp per rune chained to the previous new rune. Returns the update
// bytes representing the newly created ops (for callers to broadcast).
func (t *Text) InsertAt(off int, s string) []byte {
	if s == "" {
		return nil
	}
	t.mu.Lock()
	idx, origin := t.locateByteOffset(off)
	var ops []textOp
	for _, r := range s {
		t.counter++
		id := ID{Peer: t.peer, Counter: t.counter}
		op := textOp{Kind: opInsert, ID: id, Origin: origin, Value: r}
		t.doInsertAtIndex(op, idx)
		idx++
		origin = id
		ops = append(ops, op)
	}
	update := gobEncode(ops)
	t.mu.Unlock()
	t.notify(update, true)
	return update
}

// doInsertAtIndex places a locally-generated op directly at idx: since the
// op was generated from this replica's own current view, there is no
// concurrent insert to tie-break against yet.
func (t *Text) doInsertAtIndex(op textOp, idx int) {
	el := &element{id: op.ID, origin: op.Origin, value: op.Value}
	t.elements = append(t.elements, nil)
	copy(t.elements[idx+1:], t.elements[idx:])
	t.elements[idx] = el
	t.byID[op.ID] = el
	t.markSeen(op)
}

// DeleteAt deletes the byteLen bytes starting at byte offset off. Returns
// the update bytes representing the newly created tombstone ops.
func (t *Text) DeleteAt(off, byteLen int) []byte {
	if byteLen <= 0 {
		return nil
	}
	t.mu.Lock()
	idx, _ := t.locateByteOffset(off)
	end := off + byteLen
	var ops []textOp
	pos := off
	for i := idx; i < len(t.elements) && pos < end; i++ {
		el := t.elements[i]
		if el.deleted {
			continue
		}
		el.deleted = true
		t.counter++
		id := ID{Peer: t.peer, Counter: t.counter}
		op := textOp{Kind: opDelete, ID: id, Target: el.id}
		t.markSeen(op)
		ops = append(ops, op)
		pos += utf8.RuneLen(el.value)
	}
	update := gobEncode(ops)
	t.mu.Unlock()
	t.notify(update, true)
	return update
}

// locateByteOffset walks live elements accumulating byte length, returning
// the element-slice index at byte offset off and the ID of the live
// element immediately preceding it (Zero if off is 0).
func (t *Text) locateByteOffset(off int) (int, ID) {
	pos := 0
	origin := Zero
	for i, el := range t.elements {
		if el.deleted {
			continue
		}
		if pos >= off {
			return i, origin
		}
		pos += utf8.RuneLen(el.value)
		origin = el.id
	}
	return len(t.elements), origin
}

// Observe registers a callback invoked with the update bytes whenever this
// document's content changes, tagged with whether the change originated
// locally (InsertAt/DeleteAt) or remotely (ApplyUpdate). The Replica Engine
// uses this flag to forward only local changes outbound and never re-emit
// an update it just received — the origin tag spec.md §4.7 asks for.
// Returns a function that cancels the subscription. The callback is
// invoked outside the lock; re-entrant edits from inside an observer are
// not a supported pattern here.
func (t *Text) Observe(fn func(update []byte, local bool)) (cancel func()) {
	t.mu.Lock()
	t.observers = append(t.observers, fn)
	idx := len(t.observers) - 1
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		t.observers[idx] = nil
		t.mu.Unlock()
	}
}

func (t *Text) notify(update []byte, local bool) {
	if len(update) == 0 {
		return
	}
	t.mu.Lock()
	obs := make([]func([]byte, bool), len(t.observers))
	copy(obs, t.observers)
	t.mu.Unlock()
	for _, fn := range obs {
		if fn != nil {
			fn(update, local)
		}
	}
}
