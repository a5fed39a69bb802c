// Package crdtdoc implements the text and set CRDT primitives that
// spec.md §1 treats as a given library: encode_state_vector,
// encode_diff(state_vector), apply_update, and change callbacks. Nothing
// above this package needs to know how convergence is achieved, only that
// it is — see Text and Set.
package crdtdoc

import "fmt"

// ID uniquely identifies an operation: the peer that created it and a
// per-peer monotonically increasing counter. The pair is a Lamport-style
// identifier; total order over IDs is (Counter, Peer) to keep it cheap and
// deterministic across replicas regardless of application order.
type ID struct {
	Peer    string
	Counter uint64
}

// Zero is the sentinel "no origin" / "start of document" identifier.
var Zero = ID{}

func (id ID) IsZero() bool { return id == Zero }

func (id ID) String() string { return fmt.Sprintf("%s@%d", id.Peer, id.Counter) }

// less defines the deterministic total order used to break ties between
// concurrently-inserted elements sharing the same origin. Higher IDs sort
// first so that the most recently-assigned concurrent insert ends up
// immediately after the origin, consistently on every replica.
func less(a, b ID) bool {
	if a.Counter != b.Counter {
		return a.Counter < b.Counter
	}
	return a.Peer < b.Peer
}
