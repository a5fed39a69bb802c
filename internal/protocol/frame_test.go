package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Frame{
		{Type: MsgHello, DocID: "", Payload: []byte("Alice")},
		{Type: MsgSyncStep1, DocID: "note.md", Payload: []byte{1, 2, 3}},
		{Type: MsgUpdate, DocID: "__index__", Payload: []byte{}},
		{Type: MsgBlobData, DocID: "logo.png", Payload: bytes.Repeat([]byte{0xAB}, 4096)},
	}
	for _, want := range cases {
		buf, err := Encode(want)
		if err != nil {
			t.Fatalf("Encode(%v): %v", want, err)
		}
		got, err := Decode(buf)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got.Type != want.Type || got.DocID != want.DocID || !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
		}
	}
}

func TestDecodeTruncated(t *testing.T) {
	full, _ := Encode(Frame{Type: MsgUpdate, DocID: "note.md", Payload: []byte("hello")})
	for n := 0; n < len(full); n++ {
		_, err := Decode(full[:n])
		if !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("truncated frame of length %d: got err=%v, want ErrMalformedFrame", n, err)
		}
	}
}

func TestDecodeBadDocIDLen(t *testing.T) {
	buf := []byte{byte(MsgHello), 0xFF, 0xFF, 0, 0, 0, 0}
	_, err := Decode(buf)
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("got %v, want ErrMalformedFrame", err)
	}
}

func TestDecodeBadPayloadLen(t *testing.T) {
	buf := []byte{byte(MsgUpdate), 0, 0, 0, 0, 0, 10} // payload_len says 10 but none follow
	_, err := Decode(buf)
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("got %v, want ErrMalformedFrame", err)
	}
}

func TestMsgTypeString(t *testing.T) {
	if MsgSyncStep1.String() != "SYNC_STEP_1" {
		t.Fatalf("got %q", MsgSyncStep1.String())
	}
	if MsgType(0x7F).String() == "" {
		t.Fatalf("expected non-empty fallback string")
	}
}
