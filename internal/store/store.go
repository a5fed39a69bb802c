// Package store implements the Update Store: the durable, append-only log
// of per-document CRDT updates, plus per-document snapshots and
// content-addressed blobs, behind a single SQLite file (spec.md §4.2).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/semaphore"

	"github.com/tomas789/syncline/internal/crdtdoc"
)

// ErrHistoryLost is returned by EncodeDiff when a peer's state vector names
// a peer whose contributions were folded into a compaction snapshot: the
// server can no longer produce a diff the caller could safely merge into
// its existing local replica without duplicating content (spec.md §4.2,
// §7 "HistoryLost").
var ErrHistoryLost = errors.New("store: history lost, full resync required")

// reconstructWorkers bounds how many goroutines may be reconstructing a
// document from its snapshot+log concurrently (spec.md §4.3/§4.4). The
// reconstruction itself runs on the calling goroutine, which for a session
// is its per-connection read loop; there is no separate worker pool.
const reconstructWorkers = 8

// Store is the Update Store. One Store instance serves every document the
// relay knows about; documents are distinguished by doc_id.
type Store struct {
	db *sql.DB

	// snapshotMu guarantees replace_prefix is atomic with respect to
	// readers (spec.md §4.2 invariant b): ReadState/EncodeDiff hold the
	// read side, ReplacePrefix holds the write side, so a reader never
	// observes a torn mix of old and new snapshot state.
	snapshotMu sync.RWMutex

	// seqMu serializes sequence-number assignment for AppendUpdate. sqlite
	// already serializes writers; this just keeps "read max(seq), then
	// insert seq+1" from racing across goroutines.
	seqMu sync.Mutex

	reconstructSem *semaphore.Weighted
}

// Open opens (creating if absent) the SQLite database at path and ensures
// its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers; serialize at the pool
	s := &Store{db: db, reconstructSem: semaphore.NewWeighted(reconstructWorkers)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS updates (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	doc_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	bytes BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_updates_doc_seq ON updates(doc_id, seq);

CREATE TABLE IF NOT EXISTS snapshots (
	doc_id TEXT PRIMARY KEY,
	bytes BLOB NOT NULL,
	through_seq INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS blobs (
	hash TEXT PRIMARY KEY,
	bytes BLOB NOT NULL
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// AppendUpdate appends bytes to doc_id's log and returns the assigned
// sequence number. Identical bytes may be appended more than once
// (spec.md §4.2 invariant c, idempotent re-broadcasts) — AppendUpdate does
// not deduplicate; that's ApplyUpdate's job on the reading side.
func (s *Store) AppendUpdate(ctx context.Context, docID string, bytes []byte, createdAtUnix int64) (int64, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	s.snapshotMu.RLock()
	defer s.snapshotMu.RUnlock()

	// Compaction deletes folded rows, so fall back to the snapshot's
	// through_seq to keep numbering above it.
	var maxSeq sql.NullInt64
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), (SELECT through_seq FROM snapshots WHERE doc_id = ?)) FROM updates WHERE doc_id = ?`,
		docID, docID)
	if err := row.Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("store: append_update seq lookup: %w", err)
	}
	seq := maxSeq.Int64 + 1

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO updates (doc_id, seq, bytes, created_at) VALUES (?, ?, ?, ?)`,
		docID, seq, bytes, createdAtUnix); err != nil {
		return 0, fmt.Errorf("store: append_update insert: %w", err)
	}
	return seq, nil
}

// ReadState returns doc_id's current snapshot (nil if none yet) and every
// update appended after it, in order.
func (s *Store) ReadState(ctx context.Context, docID string) (snapshot []byte, updates [][]byte, throughSeq int64, err error) {
	s.snapshotMu.RLock()
	defer s.snapshotMu.RUnlock()
	return s.readStateLocked(ctx, docID)
}

func (s *Store) readStateLocked(ctx context.Context, docID string) (snapshot []byte, updates [][]byte, throughSeq int64, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT bytes, through_seq FROM snapshots WHERE doc_id = ?`, docID)
	if serr := row.Scan(&snapshot, &throughSeq); serr != nil {
		if !errors.Is(serr, sql.ErrNoRows) {
			return nil, nil, 0, fmt.Errorf("store: read_state snapshot: %w", serr)
		}
	}

	rows, qerr := s.db.QueryContext(ctx,
		`SELECT bytes FROM updates WHERE doc_id = ? AND seq > ? ORDER BY seq ASC`, docID, throughSeq)
	if qerr != nil {
		return nil, nil, 0, fmt.Errorf("store: read_state updates: %w", qerr)
	}
	defer rows.Close()
	for rows.Next() {
		var b []byte
		if serr := rows.Scan(&b); serr != nil {
			return nil, nil, 0, fmt.Errorf("store: read_state scan: %w", serr)
		}
		updates = append(updates, b)
	}
	return snapshot, updates, throughSeq, rows.Err()
}

// DocKind tells Reconstruct which crdtdoc type to rebuild.
type DocKind int

const (
	KindText DocKind = iota
	KindIndex
)

// KindOf classifies doc_id per spec.md §4.6: the reserved "__index__" name
// is always an Index document; everything else is a Text document.
func KindOf(docID string) DocKind {
	if docID == crdtdoc.IndexDocID {
		return KindIndex
	}
	return KindText
}

// reconstructed is a reconstructed in-memory document, either Text or
// Index according to kind.
type reconstructed struct {
	text  *crdtdoc.Text
	index *crdtdoc.Index
	kind  DocKind
}

func (r *reconstructed) stateVector() []byte {
	if r.kind == KindIndex {
		return r.index.EncodeStateVector()
	}
	return r.text.EncodeStateVector()
}

func (r *reconstructed) hasPeerHistory(peer string) bool {
	if r.kind == KindIndex {
		return r.index.HasPeerHistory(peer)
	}
	return r.text.HasPeerHistory(peer)
}

func (r *reconstructed) encodeDiff(peerSV []byte) ([]byte, error) {
	if r.kind == KindIndex {
		return r.index.EncodeDiff(peerSV)
	}
	return r.text.EncodeDiff(peerSV)
}

func (r *reconstructed) compactSnapshot() []byte {
	if r.kind == KindIndex {
		return r.index.CompactSnapshot()
	}
	return r.text.CompactSnapshot()
}

// reconstruct rebuilds doc_id in memory from its snapshot and trailing
// updates under the fixed peer ID "__relay__" (server-side reconstruction
// never originates ops of its own).
func (s *Store) reconstruct(ctx context.Context, docID string, snapshot []byte, updates [][]byte) (*reconstructed, error) {
	if err := s.reconstructSem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("store: reconstruct: %w", err)
	}
	defer s.reconstructSem.Release(1)

	kind := KindOf(docID)
	r := &reconstructed{kind: kind}
	switch kind {
	case KindIndex:
		ix, err := crdtdoc.LoadIndex("__relay__", snapshot)
		if err != nil {
			return nil, fmt.Errorf("store: reconstruct %s: %w", docID, err)
		}
		for _, u := range updates {
			if err := ix.ApplyUpdate(u); err != nil {
				return nil, fmt.Errorf("store: reconstruct %s: %w", docID, err)
			}
		}
		r.index = ix
	default:
		txt, err := crdtdoc.LoadText("__relay__", snapshot)
		if err != nil {
			return nil, fmt.Errorf("store: reconstruct %s: %w", docID, err)
		}
		for _, u := range updates {
			if err := txt.ApplyUpdate(u); err != nil {
				return nil, fmt.Errorf("store: reconstruct %s: %w", docID, err)
			}
		}
		r.text = txt
	}
	return r, nil
}

// EncodeStateVector reconstructs doc_id and returns its current state
// vector.
func (s *Store) EncodeStateVector(ctx context.Context, docID string) ([]byte, error) {
	s.snapshotMu.RLock()
	defer s.snapshotMu.RUnlock()
	snapshot, updates, _, err := s.readStateLocked(ctx, docID)
	if err != nil {
		return nil, err
	}
	r, err := s.reconstruct(ctx, docID, snapshot, updates)
	if err != nil {
		return nil, err
	}
	return r.stateVector(), nil
}

// EncodeDiff reconstructs doc_id in memory and asks the CRDT layer for
// every op the caller's peerStateVector doesn't have yet. Returns
// ErrHistoryLost if peerStateVector names a peer whose ops were folded
// into a compaction snapshot and so can no longer be individually
// diffed against (spec.md §4.2, §7).
func (s *Store) EncodeDiff(ctx context.Context, docID string, peerStateVector []byte) ([]byte, error) {
	s.snapshotMu.RLock()
	defer s.snapshotMu.RUnlock()

	snapshot, updates, _, err := s.readStateLocked(ctx, docID)
	if err != nil {
		return nil, err
	}
	r, err := s.reconstruct(ctx, docID, snapshot, updates)
	if err != nil {
		return nil, err
	}

	sv, err := crdtdoc.DecodeStateVector(peerStateVector)
	if err != nil {
		return nil, fmt.Errorf("store: encode_diff: %w", err)
	}
	for peer, counter := range sv {
		if counter > 0 && !r.hasPeerHistory(peer) {
			return nil, ErrHistoryLost
		}
	}

	return r.encodeDiff(peerStateVector)
}

// ReplacePrefix atomically replaces every update up to and including
// throughSeq with a single snapshot row, per spec.md §4.2's
// replace_prefix contract. Concurrent ReadState/EncodeDiff callers block
// on snapshotMu until this completes, then see either the fully-old or
// fully-new state — never a torn mix.
func (s *Store) ReplacePrefix(ctx context.Context, docID string, throughSeq int64, newSnapshot []byte) error {
	s.snapshotMu.Lock()
	defer s.snapshotMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: replace_prefix begin: %w", err)
	}
	defer tx.Rollback()

	var existingThrough sql.NullInt64
	row := tx.QueryRowContext(ctx, `SELECT through_seq FROM snapshots WHERE doc_id = ?`, docID)
	if err := row.Scan(&existingThrough); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: replace_prefix read existing: %w", err)
	}
	if existingThrough.Valid && existingThrough.Int64 >= throughSeq {
		// Already compacted at least this far; nothing to do.
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (doc_id, bytes, through_seq) VALUES (?, ?, ?)
		 ON CONFLICT(doc_id) DO UPDATE SET bytes = excluded.bytes, through_seq = excluded.through_seq`,
		docID, newSnapshot, throughSeq); err != nil {
		return fmt.Errorf("store: replace_prefix upsert snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM updates WHERE doc_id = ? AND seq <= ?`, docID, throughSeq); err != nil {
		return fmt.Errorf("store: replace_prefix delete updates: %w", err)
	}
	return tx.Commit()
}

// UpdateCountSince returns how many updates doc_id has accumulated since
// its last snapshot (or since the beginning of history, if it has never
// been compacted) — the quantity the compaction engine thresholds on.
func (s *Store) UpdateCountSince(ctx context.Context, docID string) (int, error) {
	s.snapshotMu.RLock()
	defer s.snapshotMu.RUnlock()

	var throughSeq int64
	row := s.db.QueryRowContext(ctx, `SELECT through_seq FROM snapshots WHERE doc_id = ?`, docID)
	if err := row.Scan(&throughSeq); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("store: update_count_since: %w", err)
	}

	var count int
	row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM updates WHERE doc_id = ? AND seq > ?`, docID, throughSeq)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("store: update_count_since count: %w", err)
	}
	return count, nil
}

// CompactableDocIDs returns every distinct doc_id with at least one
// logged update, so the compaction engine can scan them for eligibility.
func (s *Store) CompactableDocIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT doc_id FROM updates`)
	if err != nil {
		return nil, fmt.Errorf("store: compactable_doc_ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: compactable_doc_ids scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Compact reconstructs docID, squashes it into a fresh snapshot via the
// CRDT layer's CompactSnapshot, and atomically swaps it in via
// ReplacePrefix. Called by internal/compaction once a doc crosses its
// threshold.
func (s *Store) Compact(ctx context.Context, docID string) error {
	s.snapshotMu.RLock()
	snapshot, updates, throughSeq, err := s.readStateLocked(ctx, docID)
	if err != nil {
		s.snapshotMu.RUnlock()
		return err
	}
	r, err := s.reconstruct(ctx, docID, snapshot, updates)
	s.snapshotMu.RUnlock()
	if err != nil {
		return err
	}
	if len(updates) == 0 {
		return nil // nothing new to fold in since the last compaction
	}
	newThrough := throughSeq + int64(len(updates))
	return s.ReplacePrefix(ctx, docID, newThrough, r.compactSnapshot())
}

// PutBlob stores bytes under their content hash. If the hash is already
// stored, the existing row is kept unchanged (being content-addressed, it
// is byte-identical anyway).
func (s *Store) PutBlob(ctx context.Context, hash string, bytes []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blobs (hash, bytes) VALUES (?, ?) ON CONFLICT(hash) DO NOTHING`, hash, bytes)
	if err != nil {
		return fmt.Errorf("store: put_blob: %w", err)
	}
	return nil
}

// GetBlob retrieves blob content by hash. ok is false if no such blob
// exists.
func (s *Store) GetBlob(ctx context.Context, hash string) (bytes []byte, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT bytes FROM blobs WHERE hash = ?`, hash)
	if serr := row.Scan(&bytes); serr != nil {
		if errors.Is(serr, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: get_blob: %w", serr)
	}
	return bytes, true, nil
}
