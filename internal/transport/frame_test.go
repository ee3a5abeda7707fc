package transport

import (
	"bytes"
	"errors"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	frames := []*Frame{
		{Kind: FrameHello, LocalAddr: "/ibc-port/portabc", RemoteAddr: "/ibc-port/portdef"},
		{Kind: FrameRequest, Payload: []byte(`{"amount":"1"}`)},
		{Kind: FrameResponse, Payload: []byte(`{"success":true}`)},
		{Kind: FrameError, Payload: []byte("boom")},
	}
	for _, f := range frames {
		if err := WriteFrame(&buf, f); err != nil {
			t.Fatalf("WriteFrame failed: %v", err)
		}
	}

	for _, want := range frames {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame failed: %v", err)
		}
		if got.Kind != want.Kind {
			t.Errorf("Expected kind %s, got %s", want.Kind, got.Kind)
		}
		if !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("Expected payload %q, got %q", want.Payload, got.Payload)
		}
		if got.LocalAddr != want.LocalAddr || got.RemoteAddr != want.RemoteAddr {
			t.Errorf("Expected addresses %q %q, got %q %q", want.LocalAddr, want.RemoteAddr, got.LocalAddr, got.RemoteAddr)
		}
	}
}

func TestFrameSkipsUnknownFields(t *testing.T) {
	f := &Frame{Kind: FrameRequest, Payload: []byte("x")}
	data := f.Marshal()
	data = protowire.AppendTag(data, 99, protowire.VarintType)
	data = protowire.AppendVarint(data, 7)

	var got Frame
	if err := got.Unmarshal(data); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got.Kind != FrameRequest || string(got.Payload) != "x" {
		t.Errorf("Expected request frame with payload x, got %+v", got)
	}
}

func TestFrameMalformed(t *testing.T) {
	var f Frame
	if err := f.Unmarshal([]byte{0xff}); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("Expected ErrMalformedFrame for truncated tag, got %v", err)
	}

	noKind := protowire.AppendTag(nil, fieldPayload, protowire.BytesType)
	noKind = protowire.AppendBytes(noKind, []byte("x"))
	if err := f.Unmarshal(noKind); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("Expected ErrMalformedFrame for missing kind, got %v", err)
	}

	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	if _, err := ReadFrame(&buf); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("Expected ErrMalformedFrame for oversized frame, got %v", err)
	}
}
