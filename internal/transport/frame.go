package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize bounds the encoded size of a single frame.
const MaxFrameSize = 1 << 20

var ErrMalformedFrame = errors.New("malformed frame")

type FrameKind uint64

const (
	FrameHello FrameKind = iota + 1
	FrameRequest
	FrameResponse
	FrameError
)

func (k FrameKind) String() string {
	switch k {
	case FrameHello:
		return "HELLO"
	case FrameRequest:
		return "REQUEST"
	case FrameResponse:
		return "RESPONSE"
	case FrameError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Frame is the unit exchanged on a stream. Hello frames carry the port
// addresses of the two ends; the others carry a packet, an ack or an
// error message in Payload.
type Frame struct {
	Kind       FrameKind
	Payload    []byte
	LocalAddr  string
	RemoteAddr string
}

const (
	fieldKind       protowire.Number = 1
	fieldPayload    protowire.Number = 2
	fieldLocalAddr  protowire.Number = 3
	fieldRemoteAddr protowire.Number = 4
)

func (f *Frame) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Kind))
	if len(f.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Payload)
	}
	if f.LocalAddr != "" {
		b = protowire.AppendTag(b, fieldLocalAddr, protowire.BytesType)
		b = protowire.AppendString(b, f.LocalAddr)
	}
	if f.RemoteAddr != "" {
		b = protowire.AppendTag(b, fieldRemoteAddr, protowire.BytesType)
		b = protowire.AppendString(b, f.RemoteAddr)
	}
	return b
}

func (f *Frame) Unmarshal(b []byte) error {
	*f = Frame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			f.Kind = FrameKind(v)
			b = b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			f.Payload = append([]byte(nil), v...)
			b = b[n:]
		case num == fieldLocalAddr && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			f.LocalAddr = v
			b = b[n:]
		case num == fieldRemoteAddr && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			f.RemoteAddr = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if f.Kind < FrameHello || f.Kind > FrameError {
		return fmt.Errorf("%w: unknown kind %d", ErrMalformedFrame, f.Kind)
	}
	return nil
}

// WriteFrame writes f prefixed with its big-endian uint32 length.
func WriteFrame(w io.Writer, f *Frame) error {
	data := f.Marshal()
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes exceeds limit", ErrMalformedFrame, len(data))
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

func ReadFrame(r io.Reader) (*Frame, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit", ErrMalformedFrame, length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("reading frame: %w", err)
	}

	f := &Frame{}
	if err := f.Unmarshal(data); err != nil {
		return nil, err
	}
	return f, nil
}
