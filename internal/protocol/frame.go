// Package protocol implements the Document Session Protocol's wire framing:
// a length-prefixed binary envelope carried over a WebSocket binary message.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MsgType identifies the kind of frame on the wire.
type MsgType byte

const (
	MsgSyncStep1      MsgType = 0x00
	MsgSyncStep2      MsgType = 0x01
	MsgUpdate         MsgType = 0x02
	MsgIndexUpdate    MsgType = 0x03
	MsgBlobPut        MsgType = 0x04
	MsgBlobGet        MsgType = 0x05
	MsgBlobData       MsgType = 0x06
	MsgHello          MsgType = 0x07
	MsgErrHistoryLost MsgType = 0x08
)

func (t MsgType) String() string {
	switch t {
	case MsgSyncStep1:
		return "SYNC_STEP_1"
	case MsgSyncStep2:
		return "SYNC_STEP_2"
	case MsgUpdate:
		return "UPDATE"
	case MsgIndexUpdate:
		return "INDEX_UPDATE"
	case MsgBlobPut:
		return "BLOB_PUT"
	case MsgBlobGet:
		return "BLOB_GET"
	case MsgBlobData:
		return "BLOB_DATA"
	case MsgHello:
		return "HELLO"
	case MsgErrHistoryLost:
		return "ERR_HISTORY_LOST"
	default:
		return fmt.Sprintf("MsgType(0x%02x)", byte(t))
	}
}

// ErrMalformedFrame is returned when a frame's declared lengths don't fit
// the bytes actually present.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// ErrProtocolViolation is returned when a frame is well-formed but invalid
// for the session's current state (spec.md §4.5) — e.g. anything before
// HELLO, or a second HELLO after GREETING.
var ErrProtocolViolation = errors.New("protocol: violation")

const (
	headerFixedLen = 1 + 2 + 4 // msg_type + doc_id_len + payload_len
	maxDocIDLen    = 1 << 16 - 1
	maxPayloadLen  = 1 << 31 // generous sanity cap, not a wire field width
)

// Frame is a decoded message envelope. DocID is empty for connection-global
// messages (HELLO). Payload is opaque to the codec.
type Frame struct {
	Type    MsgType
	DocID   string
	Payload []byte
}

// Encode serializes f per spec.md §4.1:
//
//	msg_type(1) doc_id_len(2, BE) doc_id payload_len(4, BE) payload
func Encode(f Frame) ([]byte, error) {
	if len(f.DocID) > maxDocIDLen {
		return nil, fmt.Errorf("protocol: doc_id too long (%d bytes): %w", len(f.DocID), ErrMalformedFrame)
	}
	buf := make([]byte, headerFixedLen+len(f.DocID)+len(f.Payload))
	buf[0] = byte(f.Type)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(f.DocID)))
	copy(buf[3:3+len(f.DocID)], f.DocID)
	off := 3 + len(f.DocID)
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(f.Payload)))
	copy(buf[off+4:], f.Payload)
	return buf, nil
}

// Decode parses a single complete frame out of buf. It does not handle
// stream reassembly; callers read one WebSocket binary message at a time
// and each message is exactly one frame (the WebSocket layer already
// provides message boundaries, so there is no separate length-prefix
// stream to re-frame — buf is expected to be the full message).
func Decode(buf []byte) (Frame, error) {
	if len(buf) < headerFixedLen {
		return Frame{}, fmt.Errorf("protocol: frame shorter than header (%d bytes): %w", len(buf), ErrMalformedFrame)
	}
	msgType := MsgType(buf[0])
	docIDLen := int(binary.BigEndian.Uint16(buf[1:3]))
	if 3+docIDLen+4 > len(buf) {
		return Frame{}, fmt.Errorf("protocol: doc_id_len %d exceeds frame: %w", docIDLen, ErrMalformedFrame)
	}
	docID := string(buf[3 : 3+docIDLen])
	off := 3 + docIDLen
	payloadLen := int(binary.BigEndian.Uint32(buf[off : off+4]))
	if payloadLen < 0 || payloadLen > maxPayloadLen {
		return Frame{}, fmt.Errorf("protocol: payload_len %d out of range: %w", payloadLen, ErrMalformedFrame)
	}
	if off+4+payloadLen != len(buf) {
		return Frame{}, fmt.Errorf("protocol: payload_len %d does not match remaining frame bytes (%d): %w", payloadLen, len(buf)-off-4, ErrMalformedFrame)
	}
	payload := buf[off+4:]
	return Frame{Type: msgType, DocID: docID, Payload: payload}, nil
}
