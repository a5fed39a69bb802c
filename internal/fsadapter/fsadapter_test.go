package fsadapter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomas789/syncline/internal/crdtdoc"
	"github.com/tomas789/syncline/internal/replica"
)

type fakeOutbound struct{}

func (fakeOutbound) SendUpdate(docID string, update []byte) error { return nil }

type fakeNetClient struct {
	mu      sync.Mutex
	synced  []string
	blobs   map[string][]byte
}

func newFakeNetClient() *fakeNetClient {
	return &fakeNetClient{blobs: make(map[string][]byte)}
}

func (f *fakeNetClient) RequestSync(docID string, stateVector []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, docID)
	return nil
}

func (f *fakeNetClient) PutBlob(ctx context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	f.mu.Lock()
	f.blobs[hash] = append([]byte(nil), data...)
	f.mu.Unlock()
	return hash, nil
}

func (f *fakeNetClient) GetBlob(ctx context.Context, hash string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[hash]
	return data, ok, nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("condition never became true")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBootstrapUploadsLocalTextAndRegistersInIndex(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "note.md"), []byte("hello vault"), 0o644); err != nil {
		t.Fatal(err)
	}

	rep := replica.New("laptop", fakeOutbound{}, zerolog.Nop())
	nc := newFakeNetClient()
	a := New(dir, rep, nc, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	waitFor(t, 2*time.Second, func() bool {
		got, ok := rep.GetText("note.md")
		return ok && got == "hello vault"
	})

	entries := rep.Index().Entries()
	found := false
	for _, e := range entries {
		if e.Path == "note.md" && e.Kind == "text" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected note.md registered in index as text")
	}
}

func TestLocalWriteIsDebouncedAndForwarded(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scratch.txt")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	rep := replica.New("laptop", fakeOutbound{}, zerolog.Nop())
	nc := newFakeNetClient()
	a := New(dir, rep, nc, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	waitFor(t, 2*time.Second, func() bool {
		got, ok := rep.GetText("scratch.txt")
		return ok && got == "v1"
	})

	if err := os.WriteFile(path, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		got, ok := rep.GetText("scratch.txt")
		return ok && got == "v2"
	})
}

func TestRemoteUpdateIsWrittenToDiskWithoutLoopback(t *testing.T) {
	dir := t.TempDir()
	rep := replica.New("laptop", fakeOutbound{}, zerolog.Nop())
	nc := newFakeNetClient()
	a := New(dir, rep, nc, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	time.Sleep(50 * time.Millisecond) // let the watcher finish starting up

	remote := crdtdoc.NewText("phone")
	update := remote.InsertAt(0, "from the phone")
	if err := rep.ApplyRemote("remote-note.md", update); err != nil {
		t.Fatal(err)
	}
	a.attachRemoteWriter("remote-note.md")
	a.writeFile("remote-note.md", []byte(rep.EnsureDoc("remote-note.md").Get()))

	waitFor(t, 2*time.Second, func() bool {
		data, err := os.ReadFile(filepath.Join(dir, "remote-note.md"))
		return err == nil && string(data) == "from the phone"
	})

	// The watcher event for that write must be discarded rather than
	// scheduled as a local change.
	time.Sleep(50 * time.Millisecond)
	a.debounceMu.Lock()
	_, pending := a.debounce["remote-note.md"]
	a.debounceMu.Unlock()
	if pending {
		t.Fatal("remote write was picked up by the watcher as a local change")
	}
}

func TestRemoteIndexDeletionTrashesLocalFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "gone.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	rep := replica.New("laptop", fakeOutbound{}, zerolog.Nop())
	nc := newFakeNetClient()
	a := New(dir, rep, nc, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	waitFor(t, 2*time.Second, func() bool {
		got, ok := rep.GetText("gone.md")
		return ok && got == "x"
	})

	remoteIndex, err := crdtdoc.LoadIndex("phone", rep.Index().EncodeSnapshot())
	if err != nil {
		t.Fatal(err)
	}
	del := remoteIndex.Delete("gone.md")
	if err := rep.Index().ApplyUpdate(del); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		_, err := os.Stat(filepath.Join(dir, "gone.md"))
		return os.IsNotExist(err)
	})
	if _, ok := rep.GetText("gone.md"); ok {
		t.Fatal("expected doc dropped from replica after remote deletion")
	}
}
