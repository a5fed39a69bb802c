package crdtdoc

import (
	"encoding/json"
	"fmt"
	"sync"
)

// setOpKind tags the two primitive operations a Set document replays.
type setOpKind byte

const (
	setOpAdd    setOpKind = 0
	setOpRemove setOpKind = 1
)

// setOp is one log entry for Set: either adding a value under a fresh ID,
// or tombstoning a previously-added ID. This is an OR-Set (observed-remove
// set): concurrent add-wins, because a value is present as long as any of
// its add-IDs survives.
type setOp struct {
	Kind   setOpKind
	ID     ID
	Value  string // setOpAdd only
	Target ID     // setOpRemove only: the add-ID being tombstoned
}

// IndexEntry is the value a Set element holds for the reserved "__index__"
// document: it names a vault path and, for binary files, the metadata the
// Blob Pipeline needs (spec.md §3 "Blob", §4.9).
type IndexEntry struct {
	Path       string `json:"path"`
	Kind       string `json:"kind"` // "text" or "blob"
	Hash       string `json:"hash,omitempty"`
	MTimeUnix  int64  `json:"mtime,omitempty"`
	OriginHost string `json:"origin_host,omitempty"`
}

// Set is an OR-Set CRDT of string values, used as the payload of the vault
// Index document (spec.md §4.6). Values are JSON-encoded IndexEntry
// records; Set itself is agnostic to that encoding.
type Set struct {
	mu      sync.Mutex
	peer    string
	counter uint64
	adds    map[ID]string // live add-ops: ID -> value
	removed map[ID]bool   // add-IDs that have been tombstoned
	log     []setOp
	seen    map[ID]bool
	sv      StateVector
	pending []setOp

	observers []func(update []byte, local bool)
}

func NewSet(peerID string) *Set {
	return &Set{
		peer:    peerID,
		adds:    make(map[ID]string),
		removed: make(map[ID]bool),
		seen:    make(map[ID]bool),
		sv:      StateVector{},
	}
}

func LoadSet(peerID string, snapshot []byte) (*Set, error) {
	s := NewSet(peerID)
	if len(snapshot) == 0 {
		return s, nil
	}
	if err := s.ApplyUpdate(snapshot); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Set) EncodeStateVector() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sv.encode()
}

func (s *Set) EncodeDiff(peerStateVector []byte) ([]byte, error) {
	sv, err := decodeStateVector(peerStateVector)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var missing []setOp
	for _, op := range s.log {
		if op.ID.Counter > sv[op.ID.Peer] {
			missing = append(missing, op)
		}
	}
	return gobEncode(missing), nil
}

func (s *Set) EncodeSnapshot() []byte {
	b, _ := s.EncodeDiff(nil)
	return b
}

// CompactSnapshot squashes every currently-live value into fresh add-ops
// attributed to compactionPeer, discarding the original per-value
// authorship. See Text.CompactSnapshot for why this is the lossy step that
// makes ErrHistoryLost possible.
func (s *Set) CompactSnapshot() []byte {
	vals := s.Values()
	synthetic := NewSet(compactionPeer)
	for _, v := range vals {
		synthetic.Add(v)
	}
	return synthetic.EncodeSnapshot()
}

// HasPeerHistory reports whether this document's op log contains any op
// originated by peer.
func (s *Set) HasPeerHistory(peer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range s.log {
		if op.ID.Peer == peer {
			return true
		}
	}
	return false
}

func (s *Set) ApplyUpdate(update []byte) error {
	var ops []setOp
	if err := gobDecode(update, &ops); err != nil {
		return fmt.Errorf("crdtdoc: decode set update: %w", err)
	}
	s.mu.Lock()
	changed := false
	for _, op := range ops {
		if s.integrate(op) {
			changed = true
		}
	}
	s.mu.Unlock()
	if changed {
		s.notify(update, false)
	}
	return nil
}

// Observe registers a callback invoked with the update bytes whenever this
// Set changes, tagging whether the change originated locally (Add/Remove)
// or remotely (ApplyUpdate) — the distinction the Replica Engine needs to
// avoid re-broadcasting a remote update it just applied (spec.md §4.7).
func (s *Set) Observe(fn func(update []byte, local bool)) (cancel func()) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	idx := len(s.observers) - 1
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.observers[idx] = nil
		s.mu.Unlock()
	}
}

func (s *Set) notify(update []byte, local bool) {
	s.mu.Lock()
	obs := make([]func([]byte, bool), len(s.observers))
	copy(obs, s.observers)
	s.mu.Unlock()
	for _, fn := range obs {
		if fn != nil {
			fn(update, local)
		}
	}
}

func (s *Set) integrate(op setOp) bool {
	if s.seen[op.ID] {
		return false
	}
	switch op.Kind {
	case setOpAdd:
		s.adds[op.ID] = op.Value
		s.markSeen(op)
	case setOpRemove:
		if _, ok := s.adds[op.Target]; !ok {
			s.pending = append(s.pending, op)
			return false
		}
		s.removed[op.Target] = true
		s.markSeen(op)
	}
	s.drainPending()
	return true
}

func (s *Set) drainPending() {
	for {
		if len(s.pending) == 0 {
			return
		}
		progressed := false
		remaining := s.pending[:0:0]
		for _, op := range s.pending {
			if _, ok := s.adds[op.Target]; ok && !s.seen[op.ID] {
				s.removed[op.Target] = true
				s.markSeen(op)
				progressed = true
			} else if !s.seen[op.ID] {
				remaining = append(remaining, op)
			}
		}
		s.pending = remaining
		if !progressed {
			return
		}
	}
}

func (s *Set) markSeen(op setOp) {
	s.seen[op.ID] = true
	s.log = append(s.log, op)
	if op.ID.Counter > s.sv[op.ID.Peer] {
		s.sv[op.ID.Peer] = op.ID.Counter
	}
}

func (s *Set) nextID() ID {
	s.counter++
	return ID{Peer: s.peer, Counter: s.counter}
}

// Add records value as present, returning the update bytes for the new op.
// Add does not remove any prior add-op for the same logical key — callers
// that want replace-on-write semantics (as the Index does, keyed by Path)
// should call Upsert instead.
func (s *Set) Add(value string) []byte {
	s.mu.Lock()
	op := setOp{Kind: setOpAdd, ID: s.nextID(), Value: value}
	s.adds[op.ID] = op.Value
	s.markSeen(op)
	update := gobEncode([]setOp{op})
	s.mu.Unlock()
	s.notify(update, true)
	return update
}

// Remove tombstones every currently-live add-op whose value equals value,
// returning the update bytes for the new remove ops (empty if value wasn't
// present).
func (s *Set) Remove(value string) []byte {
	s.mu.Lock()
	var ops []setOp
	for id, v := range s.adds {
		if v != value || s.removed[id] {
			continue
		}
		op := setOp{Kind: setOpRemove, ID: s.nextID(), Target: id}
		s.removed[id] = true
		s.markSeen(op)
		ops = append(ops, op)
	}
	update := gobEncode(ops)
	s.mu.Unlock()
	if len(ops) > 0 {
		s.notify(update, true)
	}
	return update
}

// Values returns every currently-live value. Order is unspecified.
func (s *Set) Values() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seenVals := make(map[string]bool)
	var out []string
	for id, v := range s.adds {
		if s.removed[id] {
			continue
		}
		if !seenVals[v] {
			seenVals[v] = true
			out = append(out, v)
		}
	}
	return out
}

// Contains reports whether value has a live add-op.
func (s *Set) Contains(value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, v := range s.adds {
		if v == value && !s.removed[id] {
			return true
		}
	}
	return false
}

// Index wraps Set with IndexEntry-aware helpers for the vault path listing
// (spec.md §4.6). Entries are keyed by Path; Upsert replaces (tombstones)
// any prior live entries for the same path before adding the new one, so a
// normal sequential edit never looks like a conflict. A genuine conflict —
// two replicas concurrently Upserting the same Path with different content
// before either has seen the other's op — surfaces as more than one live
// entry for that Path after ApplyUpdate; see Conflicts.
type Index struct {
	set *Set
}

const IndexDocID = "__index__"

func NewIndex(peerID string) *Index { return &Index{set: NewSet(peerID)} }

func LoadIndex(peerID string, snapshot []byte) (*Index, error) {
	s, err := LoadSet(peerID, snapshot)
	if err != nil {
		return nil, err
	}
	return &Index{set: s}, nil
}

func (ix *Index) Set() *Set                            { return ix.set }
func (ix *Index) EncodeStateVector() []byte            { return ix.set.EncodeStateVector() }
func (ix *Index) EncodeSnapshot() []byte               { return ix.set.EncodeSnapshot() }
func (ix *Index) ApplyUpdate(u []byte) error           { return ix.set.ApplyUpdate(u) }
func (ix *Index) EncodeDiff(sv []byte) ([]byte, error) { return ix.set.EncodeDiff(sv) }
func (ix *Index) CompactSnapshot() []byte              { return ix.set.CompactSnapshot() }
func (ix *Index) HasPeerHistory(peer string) bool      { return ix.set.HasPeerHistory(peer) }

// Upsert records entry as the current state of entry.Path, superseding any
// prior live entries for the same path it already knows about locally.
// Concurrent remote Upserts of the same path are NOT superseded — that is
// the conflict Conflicts(path) reports.
func (ix *Index) Upsert(entry IndexEntry) []byte {
	ix.set.mu.Lock()
	var toRemove []ID
	for id, v := range ix.set.adds {
		if ix.set.removed[id] {
			continue
		}
		var e IndexEntry
		if json.Unmarshal([]byte(v), &e) == nil && e.Path == entry.Path {
			toRemove = append(toRemove, id)
		}
	}
	var ops []setOp
	for _, id := range toRemove {
		op := setOp{Kind: setOpRemove, ID: ix.set.nextID(), Target: id}
		ix.set.removed[id] = true
		ix.set.markSeen(op)
		ops = append(ops, op)
	}
	raw, _ := json.Marshal(entry)
	addOp := setOp{Kind: setOpAdd, ID: ix.set.nextID(), Value: string(raw)}
	ix.set.adds[addOp.ID] = addOp.Value
	ix.set.markSeen(addOp)
	ops = append(ops, addOp)
	update := gobEncode(ops)
	ix.set.mu.Unlock()
	ix.set.notify(update, true)
	return update
}

// Delete removes every live entry for path (the Index's only deletion
// mechanism — spec.md §4.6).
func (ix *Index) Delete(path string) []byte {
	ix.set.mu.Lock()
	var ops []setOp
	for id, v := range ix.set.adds {
		if ix.set.removed[id] {
			continue
		}
		var e IndexEntry
		if json.Unmarshal([]byte(v), &e) == nil && e.Path == path {
			op := setOp{Kind: setOpRemove, ID: ix.set.nextID(), Target: id}
			ix.set.removed[id] = true
			ix.set.markSeen(op)
			ops = append(ops, op)
		}
	}
	update := gobEncode(ops)
	ix.set.mu.Unlock()
	if len(ops) > 0 {
		ix.set.notify(update, true)
	}
	return update
}

// Observe registers a callback invoked whenever this Index changes.
func (ix *Index) Observe(fn func(update []byte, local bool)) (cancel func()) {
	return ix.set.Observe(fn)
}

// Entries returns every path currently listed, one live entry each
// (arbitrary pick among conflicting entries — see Conflicts).
func (ix *Index) Entries() []IndexEntry {
	byPath := map[string]IndexEntry{}
	for _, v := range ix.set.Values() {
		var e IndexEntry
		if json.Unmarshal([]byte(v), &e) == nil {
			byPath[e.Path] = e
		}
	}
	out := make([]IndexEntry, 0, len(byPath))
	for _, e := range byPath {
		out = append(out, e)
	}
	return out
}

// Conflicts returns every live entry for path. Length > 1 means the OR-Set
// observed a concurrent write: spec.md §4.9's binary conflict trigger.
func (ix *Index) Conflicts(path string) []IndexEntry {
	var out []IndexEntry
	for _, v := range ix.set.Values() {
		var e IndexEntry
		if json.Unmarshal([]byte(v), &e) == nil && e.Path == path {
			out = append(out, e)
		}
	}
	return out
}
