package crdtdoc

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// StateVector is an opaque (to callers) summary of the highest per-peer
// operation counter a replica has integrated. Two replicas that have
// applied the same set of operations have equal state vectors.
type StateVector map[string]uint64

// DecodeStateVector exposes state-vector decoding to callers outside this
// package that need to inspect peer/counter pairs directly — notably the
// Update Store's HistoryLost check (spec.md §4.2), which has to look at
// which peers a state vector names before it knows whether EncodeDiff can
// answer them.
func DecodeStateVector(b []byte) (StateVector, error) {
	return decodeStateVector(b)
}

func decodeStateVector(b []byte) (StateVector, error) {
	if len(b) == 0 {
		return StateVector{}, nil
	}
	var sv StateVector
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&sv); err != nil {
		return nil, fmt.Errorf("crdtdoc: decode state vector: %w", err)
	}
	if sv == nil {
		sv = StateVector{}
	}
	return sv, nil
}

func (sv StateVector) encode() []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(sv); err != nil {
		// sv is a plain map[string]uint64; gob cannot fail on it.
		panic(fmt.Sprintf("crdtdoc: encode state vector: %v", err))
	}
	return buf.Bytes()
}

func gobEncode(v any) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		panic(fmt.Sprintf("crdtdoc: gob encode: %v", err))
	}
	return buf.Bytes()
}

func gobDecode(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
