package crdtdoc

import "testing"

func TestTextInsertDeleteBasic(t *testing.T) {
	doc := NewText("A")
	doc.InsertAt(0, "Hello")
	if got := doc.Get(); got != "Hello" {
		t.Fatalf("got %q", got)
	}
	doc.InsertAt(5, " World")
	if got := doc.Get(); got != "Hello World" {
		t.Fatalf("got %q", got)
	}
	doc.DeleteAt(0, 6)
	if got := doc.Get(); got != "World" {
		t.Fatalf("got %q", got)
	}
}

func TestTextConvergenceOutOfOrderDuplicate(t *testing.T) {
	a := NewText("A")
	a.InsertAt(0, "Once upon a time.")

	b := NewText("B")
	sv := b.EncodeStateVector()
	diff, err := a.EncodeDiff(sv)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.ApplyUpdate(diff); err != nil {
		t.Fatal(err)
	}
	if got := b.Get(); got != "Once upon a time." {
		t.Fatalf("got %q", got)
	}

	// Offline divergence: A prepends, B appends.
	u1 := a.InsertAt(0, "Deep in the forest, ")
	u2 := b.InsertAt(len(b.Get()), " The End.")

	// Reconnect: cross-apply, with a duplicate re-delivery of u1.
	if err := b.ApplyUpdate(u1); err != nil {
		t.Fatal(err)
	}
	if err := b.ApplyUpdate(u1); err != nil { // idempotent re-apply
		t.Fatal(err)
	}
	if err := a.ApplyUpdate(u2); err != nil {
		t.Fatal(err)
	}

	want := "Deep in the forest, Once upon a time. The End."
	if got := a.Get(); got != want {
		t.Fatalf("A converged to %q, want %q", got, want)
	}
	if got := b.Get(); got != want {
		t.Fatalf("B converged to %q, want %q", got, want)
	}
}

func TestTextMultiByteOffsets(t *testing.T) {
	doc := NewText("A")
	doc.InsertAt(0, "café")
	rocket := "🚀"
	doc.InsertAt(len(doc.Get()), rocket)
	want := "café🚀"
	if got := doc.Get(); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	// Insert at position 0 afterwards must not skew on the multi-byte tail.
	doc.InsertAt(0, "X")
	if got := doc.Get(); got != "Xcafé🚀" {
		t.Fatalf("got %q", got)
	}
}

func TestTextApplyUpdateIsIdempotentAtLogLayer(t *testing.T) {
	a := NewText("A")
	u := a.InsertAt(0, "x")

	b := NewText("B")
	if err := b.ApplyUpdate(u); err != nil {
		t.Fatal(err)
	}
	if err := b.ApplyUpdate(u); err != nil {
		t.Fatal(err)
	}
	if got := b.Get(); got != "x" {
		t.Fatalf("duplicate apply corrupted state: %q", got)
	}
}

func TestTextOutOfOrderDeleteBeforeInsertSeen(t *testing.T) {
	a := NewText("A")
	u1 := a.InsertAt(0, "ab")
	u2 := a.DeleteAt(0, 1) // delete 'a'

	b := NewText("B")
	// Deliver delete before the insert it targets.
	if err := b.ApplyUpdate(u2); err != nil {
		t.Fatal(err)
	}
	if err := b.ApplyUpdate(u1); err != nil {
		t.Fatal(err)
	}
	if got, want := b.Get(), "b"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestTextLoadFromSnapshot(t *testing.T) {
	a := NewText("A")
	a.InsertAt(0, "hello")
	snap := a.EncodeSnapshot()

	b, err := LoadText("B", snap)
	if err != nil {
		t.Fatal(err)
	}
	if got := b.Get(); got != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestTextCompactSnapshotLosesPeerHistory(t *testing.T) {
	a := NewText("A")
	a.InsertAt(0, "hello")

	if !a.HasPeerHistory("A") {
		t.Fatal("expected A's own ops in its log before compaction")
	}

	squashed := a.CompactSnapshot()
	compacted, err := LoadText("C", squashed)
	if err != nil {
		t.Fatal(err)
	}
	if got := compacted.Get(); got != "hello" {
		t.Fatalf("compacted content = %q, want %q", got, "hello")
	}
	if compacted.HasPeerHistory("A") {
		t.Fatal("compaction must discard the original peer's authorship")
	}
	if !compacted.HasPeerHistory(compactionPeer) {
		t.Fatal("compacted log should attribute ops to the synthetic compaction peer")
	}
}

func TestTextObserveTagsLocalVsRemote(t *testing.T) {
	a := NewText("A")
	var lastLocal bool
	var calls int
	a.Observe(func(update []byte, local bool) {
		calls++
		lastLocal = local
	})
	a.InsertAt(0, "x")
	if calls != 1 || !lastLocal {
		t.Fatalf("expected one local notification, got calls=%d local=%v", calls, lastLocal)
	}

	b := NewText("B")
	u := b.InsertAt(0, "y")
	if err := a.ApplyUpdate(u); err != nil {
		t.Fatal(err)
	}
	if calls != 2 || lastLocal {
		t.Fatalf("expected a remote notification, got calls=%d local=%v", calls, lastLocal)
	}
}
