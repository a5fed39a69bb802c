package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/tomas789/syncline/internal/crdtdoc"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "syncline.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndReadStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	doc := crdtdoc.NewText("A")
	u1 := doc.InsertAt(0, "hello")

	if _, err := s.AppendUpdate(ctx, "notes/a.md", u1, 1); err != nil {
		t.Fatal(err)
	}

	snapshot, updates, throughSeq, err := s.ReadState(ctx, "notes/a.md")
	if err != nil {
		t.Fatal(err)
	}
	if snapshot != nil || throughSeq != 0 {
		t.Fatalf("expected no snapshot yet, got through_seq=%d", throughSeq)
	}
	if len(updates) != 1 {
		t.Fatalf("expected 1 update, got %d", len(updates))
	}
}

func TestEncodeDiffReconstructsAcrossSnapshotAndLog(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	docID := "notes/b.md"

	a := crdtdoc.NewText("A")
	u1 := a.InsertAt(0, "Once upon a time.")
	if _, err := s.AppendUpdate(ctx, docID, u1, 1); err != nil {
		t.Fatal(err)
	}

	diff, err := s.EncodeDiff(ctx, docID, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := crdtdoc.LoadText("B", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.ApplyUpdate(diff); err != nil {
		t.Fatal(err)
	}
	if got := b.Get(); got != "Once upon a time." {
		t.Fatalf("got %q", got)
	}

	// A makes another edit, persisted as a second update row.
	u2 := a.InsertAt(len(a.Get()), " The End.")
	if _, err := s.AppendUpdate(ctx, docID, u2, 2); err != nil {
		t.Fatal(err)
	}

	bsv := b.EncodeStateVector()
	diff2, err := s.EncodeDiff(ctx, docID, bsv)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.ApplyUpdate(diff2); err != nil {
		t.Fatal(err)
	}
	if got, want := b.Get(), "Once upon a time. The End."; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestCompactThenHistoryLostForStalePeer(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	docID := "notes/c.md"

	a := crdtdoc.NewText("A")
	u1 := a.InsertAt(0, "hello")
	if _, err := s.AppendUpdate(ctx, docID, u1, 1); err != nil {
		t.Fatal(err)
	}

	staleSV := a.EncodeStateVector() // A's view before it goes offline for a long time

	// B catches up and makes another edit after the snapshot point.
	diff, err := s.EncodeDiff(ctx, docID, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := crdtdoc.LoadText("B", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.ApplyUpdate(diff); err != nil {
		t.Fatal(err)
	}
	u2 := b.InsertAt(len(b.Get()), " world")
	if _, err := s.AppendUpdate(ctx, docID, u2, 2); err != nil {
		t.Fatal(err)
	}

	if err := s.Compact(ctx, docID); err != nil {
		t.Fatal(err)
	}

	if _, err := s.EncodeDiff(ctx, docID, staleSV); err != ErrHistoryLost {
		t.Fatalf("expected ErrHistoryLost for a peer whose ops were compacted away, got %v", err)
	}

	// A freshly-connecting peer with an empty state vector is unaffected.
	if _, err := s.EncodeDiff(ctx, docID, nil); err != nil {
		t.Fatalf("expected a fresh peer to still get a diff, got %v", err)
	}
}

func TestReplacePrefixIsIdempotentAgainstRegress(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	docID := "notes/d.md"

	a := crdtdoc.NewText("A")
	u1 := a.InsertAt(0, "x")
	if _, err := s.AppendUpdate(ctx, docID, u1, 1); err != nil {
		t.Fatal(err)
	}
	if err := s.Compact(ctx, docID); err != nil {
		t.Fatal(err)
	}
	_, _, through1, err := s.ReadState(ctx, docID)
	if err != nil {
		t.Fatal(err)
	}

	// A second compaction call with no new updates must not regress
	// through_seq or touch the snapshot.
	if err := s.Compact(ctx, docID); err != nil {
		t.Fatal(err)
	}
	_, _, through2, err := s.ReadState(ctx, docID)
	if err != nil {
		t.Fatal(err)
	}
	if through1 != through2 {
		t.Fatalf("through_seq regressed: %d -> %d", through1, through2)
	}
}

func TestBlobPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	if err := s.PutBlob(ctx, "deadbeef", []byte("binary content")); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.GetBlob(ctx, "deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || string(got) != "binary content" {
		t.Fatalf("got %q ok=%v", got, ok)
	}
	if _, ok, err := s.GetBlob(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected ok=false for missing blob, got ok=%v err=%v", ok, err)
	}
}

func TestIndexDocumentKindRouting(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	ix := crdtdoc.NewIndex("A")
	u := ix.Upsert(crdtdoc.IndexEntry{Path: "notes/a.md", Kind: "text"})
	if _, err := s.AppendUpdate(ctx, crdtdoc.IndexDocID, u, 1); err != nil {
		t.Fatal(err)
	}

	diff, err := s.EncodeDiff(ctx, crdtdoc.IndexDocID, nil)
	if err != nil {
		t.Fatal(err)
	}
	other, err := crdtdoc.LoadIndex("B", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := other.ApplyUpdate(diff); err != nil {
		t.Fatal(err)
	}
	entries := other.Entries()
	if len(entries) != 1 || entries[0].Path != "notes/a.md" {
		t.Fatalf("got %+v", entries)
	}
}
