package replica

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tomas789/syncline/internal/crdtdoc"
)

type fakeOutbound struct {
	mu   sync.Mutex
	sent []struct {
		docID  string
		update []byte
	}
}

func (f *fakeOutbound) SendUpdate(docID string, update []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, struct {
		docID  string
		update []byte
	}{docID, update})
	return nil
}

func (f *fakeOutbound) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestUpdateForwardsLocalEdits(t *testing.T) {
	out := &fakeOutbound{}
	r := New("client-1", out, zerolog.Nop())

	r.Update("notes/a.md", "hello")
	if out.count() != 1 {
		t.Fatalf("expected 1 forwarded update, got %d", out.count())
	}
	got, ok := r.GetText("notes/a.md")
	if !ok || got != "hello" {
		t.Fatalf("got %q ok=%v", got, ok)
	}
}

func TestSetTextSuppressesForwardingButUpdateStillWorksAfter(t *testing.T) {
	out := &fakeOutbound{}
	r := New("client-1", out, zerolog.Nop())

	r.SetText("notes/a.md", "seeded from disk")
	if out.count() != 0 {
		t.Fatalf("expected SetText to forward nothing, got %d sends", out.count())
	}
	got, ok := r.GetText("notes/a.md")
	if !ok || got != "seeded from disk" {
		t.Fatalf("got %q ok=%v", got, ok)
	}

	r.Update("notes/a.md", "seeded from disk, then edited")
	if out.count() != 1 {
		t.Fatalf("expected the later real edit to forward, got %d sends", out.count())
	}
}

func TestApplyRemoteDoesNotReEmit(t *testing.T) {
	out := &fakeOutbound{}
	r := New("client-1", out, zerolog.Nop())

	remoteDoc := crdtdoc.NewText("other-peer")
	u := remoteDoc.InsertAt(0, "from the network")

	if err := r.ApplyRemote("notes/a.md", u); err != nil {
		t.Fatal(err)
	}
	if out.count() != 0 {
		t.Fatalf("remote updates must never be re-forwarded, got %d sends", out.count())
	}
	got, ok := r.GetText("notes/a.md")
	if !ok || got != "from the network" {
		t.Fatalf("got %q ok=%v", got, ok)
	}
}

func TestDropDocRemovesKnownDoc(t *testing.T) {
	out := &fakeOutbound{}
	r := New("client-1", out, zerolog.Nop())
	r.Update("notes/a.md", "x")
	r.DropDoc("notes/a.md")
	if _, ok := r.GetText("notes/a.md"); ok {
		t.Fatal("expected doc to be gone after DropDoc")
	}
}

func TestIndexForwardsLocalUpserts(t *testing.T) {
	out := &fakeOutbound{}
	r := New("client-1", out, zerolog.Nop())
	r.Index().Upsert(crdtdoc.IndexEntry{Path: "notes/a.md", Kind: "text"})
	if out.count() != 1 {
		t.Fatalf("expected 1 forwarded index update, got %d", out.count())
	}
}
