// Package diffops translates a full-text replacement into the minimal
// sequence of CRDT insert/delete ops, using a Myers diff over UTF-8 bytes
// so the offsets handed to the CRDT layer are exactly the byte offsets it
// requires (spec.md §4.7 "Diff-op offset units").
package diffops

import (
	diffpatch "github.com/sergi/go-diff/diffmatchpatch"
)

// Editor is the subset of crdtdoc.Text that ApplyTextChange drives. Both
// InsertAt and DeleteAt take/return byte offsets into the editor's current
// text, matching diffmatchpatch's own indexing.
type Editor interface {
	InsertAt(byteOffset int, s string) []byte
	DeleteAt(byteOffset, byteLen int) []byte
}

// ApplyTextChange mutates doc from oldText to newText by emitting the
// minimal ops a character-level diff implies, walking the diff in order so
// every offset is computed against doc's state as of that point in the
// walk (spec.md §4.7 "update(doc_id, new_text)").
func ApplyTextChange(doc Editor, oldText, newText string) {
	dmp := diffpatch.New()
	diffs := dmp.DiffMain(oldText, newText, false)
	cursor := 0
	for _, d := range diffs {
		switch d.Type {
		case diffpatch.DiffEqual:
			cursor += len(d.Text)
		case diffpatch.DiffDelete:
			doc.DeleteAt(cursor, len(d.Text))
		case diffpatch.DiffInsert:
			doc.InsertAt(cursor, d.Text)
			cursor += len(d.Text)
		}
	}
}
