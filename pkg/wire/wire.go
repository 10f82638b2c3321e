// Package wire defines the byte-level encoding used between zephyrsync peers.
//
// Messages and handshakes use the protobuf wire format, so any protobuf
// runtime can decode them. Each encoded body travels in a frame prefixed by
// its uvarint length.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ryandielhenn/zephyrsync/pkg/syncer"
)

const (
	// ProtocolVersion is exchanged in the handshake; peers must agree.
	ProtocolVersion = 1

	DefaultMaxFrameSize = 4 << 20
)

var (
	ErrFrameTooLarge = errors.New("wire: frame too large")
	ErrBadHandshake  = errors.New("wire: bad handshake")
	ErrMalformed     = errors.New("wire: malformed message")
)

// Message field numbers.
const (
	fieldNodeID      protowire.Number = 1
	fieldComponentID protowire.Number = 2
	fieldVersion     protowire.Number = 3
	fieldMessageType protowire.Number = 4
	fieldPayload     protowire.Number = 5
)

// Hello field numbers.
const (
	fieldHelloNodeID   protowire.Number = 1
	fieldHelloProtocol protowire.Number = 2
)

// AppendMessage appends the encoding of m to b.
func AppendMessage(b []byte, m *syncer.Message) []byte {
	b = protowire.AppendTag(b, fieldNodeID, protowire.BytesType)
	b = protowire.AppendString(b, string(m.NodeID))
	b = protowire.AppendTag(b, fieldComponentID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.ComponentID))
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Version))
	b = protowire.AppendTag(b, fieldMessageType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	if len(m.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload)
	}
	return b
}

func MarshalMessage(m *syncer.Message) []byte {
	return AppendMessage(make([]byte, 0, 32+len(m.NodeID)+len(m.Payload)), m)
}

// UnmarshalMessage decodes a message body. The payload is copied out of b.
// Unknown fields are skipped.
func UnmarshalMessage(b []byte) (*syncer.Message, error) {
	m := &syncer.Message{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldNodeID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: node_id: %v", ErrMalformed, protowire.ParseError(n))
			}
			m.NodeID = syncer.NodeID(v)
			b = b[n:]
		case num == fieldComponentID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 || v > 0xff {
				return nil, fmt.Errorf("%w: component_id", ErrMalformed)
			}
			m.ComponentID = syncer.ComponentID(v)
			b = b[n:]
		case num == fieldVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: version: %v", ErrMalformed, protowire.ParseError(n))
			}
			m.Version = int64(v)
			b = b[n:]
		case num == fieldMessageType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 || v > 0xff {
				return nil, fmt.Errorf("%w: message_type", ErrMalformed)
			}
			m.Type = syncer.MessageType(v)
			b = b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, protowire.ParseError(n))
			}
			m.Payload = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if m.NodeID == "" {
		return nil, fmt.Errorf("%w: missing node_id", ErrMalformed)
	}
	return m, nil
}

// Hello is the first frame each side writes on a new stream.
type Hello struct {
	NodeID   syncer.NodeID
	Protocol uint64
}

func AppendHello(b []byte, h Hello) []byte {
	b = protowire.AppendTag(b, fieldHelloNodeID, protowire.BytesType)
	b = protowire.AppendString(b, string(h.NodeID))
	b = protowire.AppendTag(b, fieldHelloProtocol, protowire.VarintType)
	return protowire.AppendVarint(b, h.Protocol)
}

func UnmarshalHello(b []byte) (Hello, error) {
	var h Hello
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Hello{}, fmt.Errorf("%w: %v", ErrBadHandshake, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldHelloNodeID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Hello{}, fmt.Errorf("%w: node_id", ErrBadHandshake)
			}
			h.NodeID = syncer.NodeID(v)
			b = b[n:]
		case num == fieldHelloProtocol && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Hello{}, fmt.Errorf("%w: protocol", ErrBadHandshake)
			}
			h.Protocol = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Hello{}, fmt.Errorf("%w: field %d", ErrBadHandshake, num)
			}
			b = b[n:]
		}
	}
	if h.NodeID == "" {
		return Hello{}, fmt.Errorf("%w: missing node_id", ErrBadHandshake)
	}
	if h.Protocol != ProtocolVersion {
		return Hello{}, fmt.Errorf("%w: protocol %d, want %d", ErrBadHandshake, h.Protocol, ProtocolVersion)
	}
	return h, nil
}

// WriteFrame writes body prefixed by its length in a single Write call.
func WriteFrame(w io.Writer, body []byte, max int) error {
	if max > 0 && len(body) > max {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(body), max)
	}
	buf := protowire.AppendVarint(make([]byte, 0, binary.MaxVarintLen64+len(body)), uint64(len(body)))
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed body. io.EOF is returned unwrapped when
// the stream ends cleanly between frames.
func ReadFrame(r *bufio.Reader, max int) ([]byte, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	if max > 0 && size > uint64(max) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, max)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return body, nil
}
