// Package blobstore is the client's local persistence layer (spec.md §4.9
// "client owns its replica"): a single embedded-KV file, `.syncline/state.db`,
// holding the latest CRDT snapshot for every document the replica knows
// about plus the vault Index. It uses go.etcd.io/bbolt — already present
// as an indirect, unexercised dependency in the teacher's agent/go.mod —
// as a single-file replacement for the original Rust source's one-file-
// per-document layout (client_folder/src/storage.rs), mirroring the
// server's single-file philosophy on the client.
package blobstore

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	docsBucket  = []byte("docs")
	indexBucket = []byte("meta")
	indexKey    = []byte("index")
)

// Store persists replica state across restarts so the client doesn't have
// to rebuild every document's CRDT history from its current disk content
// on every launch.
type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("blobstore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(docsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(indexBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("blobstore: migrate %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveDoc persists docID's current snapshot, overwriting any prior one.
func (s *Store) SaveDoc(docID string, snapshot []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(docsBucket).Put([]byte(docID), snapshot)
	})
}

// LoadDoc returns docID's last-persisted snapshot, if any.
func (s *Store) LoadDoc(docID string) (snapshot []byte, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(docsBucket).Get([]byte(docID))
		if v != nil {
			snapshot = append([]byte(nil), v...)
		}
		return nil
	})
	return snapshot, snapshot != nil, err
}

// DeleteDoc removes docID's persisted snapshot (used when the relay
// reports that docID's history was lost).
func (s *Store) DeleteDoc(docID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(docsBucket).Delete([]byte(docID))
	})
}

// SaveIndex persists the vault Index's current snapshot.
func (s *Store) SaveIndex(snapshot []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(indexBucket).Put(indexKey, snapshot)
	})
}

// LoadIndex returns the last-persisted Index snapshot, if any.
func (s *Store) LoadIndex() (snapshot []byte, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(indexBucket).Get(indexKey)
		if v != nil {
			snapshot = append([]byte(nil), v...)
		}
		return nil
	})
	return snapshot, snapshot != nil, err
}

// KnownDocIDs returns every doc_id with a persisted snapshot.
func (s *Store) KnownDocIDs() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(docsBucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}
