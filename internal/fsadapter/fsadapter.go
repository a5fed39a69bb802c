// Package fsadapter is the client-side Filesystem Adapter (spec.md §4.8):
// it watches a vault directory with github.com/fsnotify/fsnotify (grounded
// on Mschirtzinger-jj-beads's internal/turso/daemon/watcher.go, the only
// pack example with a real filesystem-watch dependency), translates local
// edits into Replica Engine calls, and reflects remote updates back to
// disk without feeding its own writes back into the watcher.
package fsadapter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/tomas789/syncline/internal/crdtdoc"
	"github.com/tomas789/syncline/internal/replica"
)

// NetClient is the subset of *netclient.Client the adapter drives
// directly — sync requests and blob transfer — beyond the fire-and-forget
// replica.Outbound path the Replica Engine already uses.
type NetClient interface {
	RequestSync(docID string, stateVector []byte) error
	PutBlob(ctx context.Context, data []byte) (hash string, err error)
	GetBlob(ctx context.Context, hash string) (data []byte, ok bool, err error)
}

const (
	debounceWindow = 300 * time.Millisecond
	// ignoreGrace must exceed the watcher's own coalescing window so a
	// self-triggered event doesn't outlive the ignore mark (spec.md §4.8).
	ignoreGrace   = 100 * time.Millisecond
	blobIOTimeout = 30 * time.Second
)

// Adapter watches one vault directory and keeps it in sync with a Replica.
type Adapter struct {
	dir     string
	replica *replica.Replica
	client  NetClient
	log     zerolog.Logger

	watcher *fsnotify.Watcher

	ignore sync.Map // absolute path -> struct{}

	debounceMu sync.Mutex
	debounce   map[string]*time.Timer

	attachedMu        sync.Mutex
	attachedWriter    map[string]bool // doc_id -> remote-write observer attached
	resolvingConflict map[string]bool // doc_id -> conflict resolution in flight

	indexMu    sync.Mutex
	knownPaths map[string]crdtdoc.IndexEntry
}

func New(dir string, r *replica.Replica, c NetClient, log zerolog.Logger) *Adapter {
	return &Adapter{
		dir:               dir,
		replica:           r,
		client:            c,
		log:               log.With().Str("component", "fsadapter").Logger(),
		debounce:          make(map[string]*time.Timer),
		attachedWriter:    make(map[string]bool),
		resolvingConflict: make(map[string]bool),
		knownPaths:        make(map[string]crdtdoc.IndexEntry),
	}
}

// Run watches the vault until ctx is cancelled. It performs the offline
// bootstrap reconciliation once on entry, then services live fsnotify
// events.
func (a *Adapter) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsadapter: new watcher: %w", err)
	}
	a.watcher = w
	defer w.Close()

	if err := a.addTree(a.dir); err != nil {
		return fmt.Errorf("fsadapter: watch %s: %w", a.dir, err)
	}

	a.replica.Index().Observe(func(update []byte, local bool) {
		if local {
			return
		}
		a.reconcileIndex()
	})

	if err := a.bootstrap(); err != nil {
		a.log.Warn().Err(err).Msg("bootstrap reconciliation failed")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			a.handleEvent(ev)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			a.log.Warn().Err(err).Msg("watcher error")
		}
	}
}

func isIgnoredDir(name string) bool {
	return name == ".git" || name == ".syncline"
}

func isTextDoc(docID string) bool {
	switch strings.ToLower(filepath.Ext(docID)) {
	case ".md", ".txt":
		return true
	default:
		return false
	}
}

// addTree adds root and every non-ignored subdirectory to the watcher;
// fsnotify does not watch recursively on its own.
func (a *Adapter) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			a.log.Warn().Err(err).Str("path", path).Msg("walk error, skipping")
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && isIgnoredDir(d.Name()) {
			return filepath.SkipDir
		}
		if err := a.watcher.Add(path); err != nil {
			a.log.Warn().Err(err).Str("path", path).Msg("failed to watch directory")
		}
		return nil
	})
}

// docID turns an absolute path into a vault-relative doc_id, rejecting
// paths under an ignored directory at any depth (not just the top level).
func (a *Adapter) docID(path string) (string, bool) {
	rel, err := filepath.Rel(a.dir, path)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	for _, part := range strings.Split(rel, "/") {
		if isIgnoredDir(part) {
			return "", false
		}
	}
	return rel, true
}

func (a *Adapter) handleEvent(ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !isIgnoredDir(filepath.Base(ev.Name)) {
				if err := a.addTree(ev.Name); err != nil {
					a.log.Warn().Err(err).Str("path", ev.Name).Msg("failed to watch new directory")
				}
			}
			return
		}
	}

	docID, ok := a.docID(ev.Name)
	if !ok {
		return
	}
	if _, ignored := a.ignore.Load(ev.Name); ignored {
		return
	}

	switch {
	case ev.Has(fsnotify.Write), ev.Has(fsnotify.Create):
		a.debounceChange(docID, ev.Name)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		a.handleLocalRemove(docID)
	}
}

// debounceChange coalesces rapid successive writes per path into a single
// diff-and-update (spec.md §4.8). The timer callback runs on its own
// goroutine, never on fsnotify's delivery path, so a slow diff can never
// stall event delivery.
func (a *Adapter) debounceChange(docID, path string) {
	a.debounceMu.Lock()
	defer a.debounceMu.Unlock()
	if t, ok := a.debounce[docID]; ok {
		t.Reset(debounceWindow)
		return
	}
	a.debounce[docID] = time.AfterFunc(debounceWindow, func() {
		a.debounceMu.Lock()
		delete(a.debounce, docID)
		a.debounceMu.Unlock()
		a.processLocalChange(docID, path)
	})
}

func (a *Adapter) processLocalChange(docID, path string) {
	if _, ignored := a.ignore.Load(path); ignored {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		a.log.Warn().Err(err).Str("path", path).Msg("failed to read changed file, skipping")
		return
	}
	if isTextDoc(docID) {
		a.replica.Update(docID, string(data))
		a.attachRemoteWriter(docID)
		a.replica.Index().Upsert(crdtdoc.IndexEntry{Path: docID, Kind: "text"})
		return
	}
	a.processLocalBlobChange(docID, path, data)
}

func (a *Adapter) processLocalBlobChange(docID, path string, data []byte) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	for _, e := range a.replica.Index().Conflicts(docID) {
		if e.Hash == hash {
			return // content unchanged since the last upload
		}
	}

	var mtime int64
	if info, err := os.Stat(path); err == nil {
		mtime = info.ModTime().Unix()
	}

	ctx, cancel := context.WithTimeout(context.Background(), blobIOTimeout)
	defer cancel()
	if _, err := a.client.PutBlob(ctx, data); err != nil {
		a.log.Warn().Err(err).Str("path", path).Msg("blob upload failed")
		return
	}
	a.replica.Index().Upsert(crdtdoc.IndexEntry{
		Path: docID, Kind: "blob", Hash: hash, MTimeUnix: mtime, OriginHost: hostname(),
	})
}

func (a *Adapter) handleLocalRemove(docID string) {
	a.debounceMu.Lock()
	if t, ok := a.debounce[docID]; ok {
		t.Stop()
		delete(a.debounce, docID)
	}
	a.debounceMu.Unlock()
	a.replica.Index().Delete(docID)
	a.replica.DropDoc(docID)
}

// attachRemoteWriter attaches, once per doc_id, the observer that writes
// remotely-sourced content to disk. Safe to call repeatedly.
func (a *Adapter) attachRemoteWriter(docID string) {
	a.attachedMu.Lock()
	if a.attachedWriter[docID] {
		a.attachedMu.Unlock()
		return
	}
	a.attachedWriter[docID] = true
	a.attachedMu.Unlock()

	doc := a.replica.EnsureDoc(docID)
	doc.Observe(func(update []byte, local bool) {
		if local {
			return
		}
		a.writeFile(docID, []byte(doc.Get()))
	})
}

// writeFile writes content to docID's path, marking it ignored for the
// duration of the write plus a grace period so the resulting fsnotify
// event is discarded rather than looping back into the replica.
func (a *Adapter) writeFile(docID string, content []byte) {
	path := filepath.Join(a.dir, filepath.FromSlash(docID))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		a.log.Warn().Err(err).Str("path", path).Msg("failed to create parent directory")
		return
	}
	a.ignore.Store(path, struct{}{})
	defer time.AfterFunc(ignoreGrace, func() { a.ignore.Delete(path) })
	if err := os.WriteFile(path, content, 0o644); err != nil {
		a.log.Warn().Err(err).Str("path", path).Msg("failed to write remote update to disk")
	}
}

func hostname() string {
	h, _ := os.Hostname()
	return h
}

// bootstrap implements spec.md §4.8's offline reconciliation: walk the
// vault, request a sync for every locally-known doc, pull down anything
// the Index names that isn't on disk, and record anything on disk that
// the Index doesn't know about yet.
func (a *Adapter) bootstrap() error {
	local := make(map[string]bool)
	err := filepath.WalkDir(a.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			a.log.Warn().Err(err).Str("path", path).Msg("bootstrap walk error, skipping")
			return nil
		}
		if d.IsDir() {
			if path != a.dir && isIgnoredDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		docID, ok := a.docID(path)
		if !ok {
			return nil
		}
		local[docID] = true

		if isTextDoc(docID) {
			data, err := os.ReadFile(path)
			if err != nil {
				a.log.Warn().Err(err).Str("path", path).Msg("bootstrap read failed, skipping")
				return nil
			}
			if len(a.replica.Index().Conflicts(docID)) == 0 {
				a.replica.Index().Upsert(crdtdoc.IndexEntry{Path: docID, Kind: "text"})
			}
			a.replica.SetText(docID, string(data))
			a.attachRemoteWriter(docID)
			if err := a.client.RequestSync(docID, a.replica.EnsureDoc(docID).EncodeStateVector()); err != nil {
				a.log.Warn().Err(err).Str("doc_id", docID).Msg("bootstrap sync request failed")
			}
		} else if len(a.replica.Index().Conflicts(docID)) == 0 {
			data, err := os.ReadFile(path)
			if err != nil {
				a.log.Warn().Err(err).Str("path", path).Msg("bootstrap read failed, skipping")
				return nil
			}
			a.processLocalBlobChange(docID, path, data)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Remember the listed local files so reconcileIndex treats a later
	// remote removal of one of them as a deletion.
	a.indexMu.Lock()
	known := make(map[string]crdtdoc.IndexEntry, len(a.knownPaths)+len(local))
	for p, e := range a.knownPaths {
		known[p] = e
	}
	for _, e := range a.replica.Index().Entries() {
		if local[e.Path] {
			known[e.Path] = e
		}
	}
	a.knownPaths = known
	a.indexMu.Unlock()

	if err := a.client.RequestSync(crdtdoc.IndexDocID, a.replica.Index().EncodeStateVector()); err != nil {
		return err
	}

	for _, entry := range a.replica.Index().Entries() {
		if local[entry.Path] {
			continue
		}
		if entry.Kind == "text" {
			a.attachRemoteWriter(entry.Path)
			if err := a.client.RequestSync(entry.Path, nil); err != nil {
				a.log.Warn().Err(err).Str("doc_id", entry.Path).Msg("bootstrap remote fetch failed")
			}
		} else {
			a.fetchBlob(entry)
		}
	}
	return nil
}

func (a *Adapter) fetchBlob(entry crdtdoc.IndexEntry) {
	a.fetchBlobAs(entry, entry.Path)
}

func (a *Adapter) fetchBlobAs(entry crdtdoc.IndexEntry, destDocID string) {
	ctx, cancel := context.WithTimeout(context.Background(), blobIOTimeout)
	defer cancel()
	data, ok, err := a.client.GetBlob(ctx, entry.Hash)
	if err != nil || !ok {
		a.log.Warn().Err(err).Str("doc_id", destDocID).Msg("failed to fetch remote blob")
		return
	}
	a.writeFile(destDocID, data)
}

// reconcileIndex runs whenever a remote Index change is observed: it
// detects remote deletions, fetches new/changed blobs, resolves binary
// conflicts, and starts tracking any brand-new text document.
func (a *Adapter) reconcileIndex() {
	a.indexMu.Lock()
	prev := a.knownPaths
	a.indexMu.Unlock()

	entries := a.replica.Index().Entries()
	current := make(map[string]crdtdoc.IndexEntry, len(entries))
	for _, e := range entries {
		current[e.Path] = e
	}

	for path := range prev {
		if _, ok := current[path]; !ok {
			a.handleRemoteDelete(path)
		}
	}

	for path, e := range current {
		if conflicts := a.replica.Index().Conflicts(path); len(conflicts) > 1 {
			a.resolveBinaryConflict(path, conflicts)
			continue
		}
		switch e.Kind {
		case "text":
			if _, existed := prev[path]; !existed {
				a.attachRemoteWriter(path)
				if err := a.client.RequestSync(path, nil); err != nil {
					a.log.Warn().Err(err).Str("doc_id", path).Msg("failed to request new remote document")
				}
			}
		case "blob":
			if prevEntry, ok := prev[path]; !ok || prevEntry.Hash != e.Hash {
				a.fetchBlob(e)
			}
		}
	}

	a.indexMu.Lock()
	a.knownPaths = current
	a.indexMu.Unlock()
}

func (a *Adapter) handleRemoteDelete(docID string) {
	path := filepath.Join(a.dir, filepath.FromSlash(docID))
	a.ignore.Store(path, struct{}{})
	defer time.AfterFunc(ignoreGrace, func() { a.ignore.Delete(path) })
	if err := a.trash(path, docID); err != nil && !os.IsNotExist(err) {
		a.log.Warn().Err(err).Str("path", path).Msg("failed to remove file for remote deletion")
	}
	a.replica.DropDoc(docID)
	a.attachedMu.Lock()
	delete(a.attachedWriter, docID)
	a.attachedMu.Unlock()
}

// trash moves path into .syncline/trash rather than deleting it outright,
// so a remote deletion the user didn't expect can still be recovered by
// hand (spec.md §4.8 "trash/undo-friendly mechanism when available").
func (a *Adapter) trash(path, docID string) error {
	trashDir := filepath.Join(a.dir, ".syncline", "trash")
	if err := os.MkdirAll(trashDir, 0o755); err != nil {
		return os.Remove(path)
	}
	dest := filepath.Join(trashDir, strings.ReplaceAll(docID, "/", "__"))
	if err := os.Rename(path, dest); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return os.Remove(path)
	}
	return nil
}

// resolveBinaryConflict implements spec.md §4.9: the entry with the later
// mtime keeps path, every other entry is persisted under a renamed path
// carrying its origin host, and both blobs remain stored.
func (a *Adapter) resolveBinaryConflict(path string, conflicts []crdtdoc.IndexEntry) {
	a.attachedMu.Lock()
	if a.resolvingConflict[path] {
		a.attachedMu.Unlock()
		return
	}
	a.resolvingConflict[path] = true
	a.attachedMu.Unlock()
	defer func() {
		a.attachedMu.Lock()
		delete(a.resolvingConflict, path)
		a.attachedMu.Unlock()
	}()

	winner := conflicts[0]
	for _, c := range conflicts[1:] {
		if c.MTimeUnix > winner.MTimeUnix {
			winner = c
		}
	}

	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)

	a.replica.Index().Delete(path)
	for _, c := range conflicts {
		if c.Hash == winner.Hash && c.OriginHost == winner.OriginHost {
			continue
		}
		renamed := fmt.Sprintf("%s (%s)%s", stem, c.OriginHost, ext)
		a.fetchBlobAs(c, renamed)
		a.replica.Index().Upsert(crdtdoc.IndexEntry{
			Path: renamed, Kind: "blob", Hash: c.Hash, MTimeUnix: c.MTimeUnix, OriginHost: c.OriginHost,
		})
	}
	a.replica.Index().Upsert(winner)
	a.fetchBlob(winner)
}
