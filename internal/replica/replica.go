// Package replica implements the client-side Replica Engine (spec.md
// §4.7): it owns every CRDT document this process knows about and
// forwards locally-generated edits to the network, while never
// re-emitting an update it just received from the network itself.
package replica

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/tomas789/syncline/internal/crdtdoc"
	"github.com/tomas789/syncline/internal/diffops"
)

// docEntry pairs a CRDT document with a mute flag SetText toggles around
// its own diff-apply call, so that call's ops are integrated into the
// document (and counted in its state vector) without being forwarded to
// Outbound, while later Update calls on the same document forward
// normally.
type docEntry struct {
	text  *crdtdoc.Text
	muted atomic.Bool
}

// Outbound is how a Replica forwards locally-generated updates onward —
// normally internal/netclient's UPDATE-frame sender.
type Outbound interface {
	SendUpdate(docID string, update []byte) error
}

// Replica holds doc_id -> CRDTDocument plus the reserved Index document,
// attaching a change listener to each that forwards local edits outward
// and suppresses re-emission of remote ones (the CRDT layer's local/
// remote tag on Observe does this without any bookkeeping here).
type Replica struct {
	mu       sync.Mutex
	peer     string
	docs     map[string]*docEntry
	index    *crdtdoc.Index
	outbound Outbound
	log      zerolog.Logger
}

func New(peer string, outbound Outbound, log zerolog.Logger) *Replica {
	r := &Replica{
		peer:     peer,
		docs:     make(map[string]*docEntry),
		outbound: outbound,
		log:      log.With().Str("component", "replica").Logger(),
	}
	r.index = crdtdoc.NewIndex(peer)
	r.index.Observe(func(update []byte, local bool) {
		if !local {
			return
		}
		if err := r.outbound.SendUpdate(crdtdoc.IndexDocID, update); err != nil {
			r.log.Warn().Err(err).Msg("failed to send local index update")
		}
	})
	return r
}

func (r *Replica) Index() *crdtdoc.Index { return r.index }

// EnsureDoc returns docID's CRDT document, allocating a fresh one and
// attaching its local-edit forwarder on first encounter (spec.md §4.7
// "On first encounter of a doc_id ... it allocates a CRDT document and
// attaches a listener").
func (r *Replica) EnsureDoc(docID string) *crdtdoc.Text {
	return r.ensureEntry(docID, nil).text
}

// LoadDoc seeds docID from a persisted snapshot (e.g. the client's local
// state.db) rather than starting empty, still attaching the forwarder so
// subsequent edits are sent normally.
func (r *Replica) LoadDoc(docID string, snapshot []byte) (*crdtdoc.Text, error) {
	doc, err := crdtdoc.LoadText(r.peer, snapshot)
	if err != nil {
		return nil, fmt.Errorf("replica: load %s: %w", docID, err)
	}
	return r.ensureEntry(docID, doc).text, nil
}

// ensureEntry returns docID's entry, creating one from seed (or a fresh
// empty Text if seed is nil) on first encounter and attaching its
// forwarder exactly once.
func (r *Replica) ensureEntry(docID string, seed *crdtdoc.Text) *docEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.docs[docID]; ok {
		return entry
	}
	doc := seed
	if doc == nil {
		doc = crdtdoc.NewText(r.peer)
	}
	entry := &docEntry{text: doc}
	doc.Observe(func(update []byte, local bool) {
		if !local || entry.muted.Load() {
			return
		}
		if err := r.outbound.SendUpdate(docID, update); err != nil {
			r.log.Warn().Err(err).Str("doc_id", docID).Msg("failed to send local update")
		}
	})
	r.docs[docID] = entry
	return entry
}

// GetText returns docID's current content and whether the document is
// known at all (spec.md §4.7 "get_text(doc_id) → string?").
func (r *Replica) GetText(docID string) (string, bool) {
	r.mu.Lock()
	entry, ok := r.docs[docID]
	r.mu.Unlock()
	if !ok {
		return "", false
	}
	return entry.text.Get(), true
}

// Update replaces docID's content with newText, computing and emitting
// the minimal diff ops (spec.md §4.7 "update(doc_id, new_text)"). Ops are
// forwarded to Outbound through the normal local-edit listener.
func (r *Replica) Update(docID, newText string) {
	doc := r.EnsureDoc(docID)
	diffops.ApplyTextChange(doc, doc.Get(), newText)
}

// SetText is identical to Update except it does not forward the resulting
// ops to Outbound — used when seeding replica state from disk on startup,
// before any network handshake has established what the server already
// knows (spec.md §4.7 "bypasses the local-edit listener"). The document
// keeps its forwarder for every later call, only this call's own ops are
// muted.
func (r *Replica) SetText(docID, text string) {
	entry := r.ensureEntry(docID, nil)
	entry.muted.Store(true)
	diffops.ApplyTextChange(entry.text, entry.text.Get(), text)
	entry.muted.Store(false)
}

// ApplyRemote integrates a network-sourced update for docID, allocating
// the document on first encounter just as EnsureDoc does.
func (r *Replica) ApplyRemote(docID string, update []byte) error {
	doc := r.EnsureDoc(docID)
	return doc.ApplyUpdate(update)
}

// DropDoc discards docID's in-memory CRDT document (spec.md §4.8 "drops
// the corresponding CRDT document" on remote deletion via the Index).
func (r *Replica) DropDoc(docID string) {
	r.mu.Lock()
	delete(r.docs, docID)
	r.mu.Unlock()
}

// KnownDocIDs returns every doc_id with an allocated in-memory document.
func (r *Replica) KnownDocIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.docs))
	for id := range r.docs {
		ids = append(ids, id)
	}
	return ids
}
