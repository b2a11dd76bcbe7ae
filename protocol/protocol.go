// Package protocol implements the binary frame that carries messages over a
// byte stream.
//
// A frame is a fixed 10-byte header followed by a variable-length body. The
// receiver reads the header first to learn the body length, then reads
// exactly that many bytes, which keeps frame boundaries intact on TCP.
//
// Frame format:
//
//	0      3  4       6         10
//	┌──────┬──┬───────┬─────────┬───────────────┐
//	│magic │v │  id   │ bodyLen │    body ...    │
//	│ brp  │01│ u16   │ uint32  │ bodyLen bytes  │
//	└──────┴──┴───────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"binrpc/message"
)

// Magic bytes "brp" reject peers that are not speaking this protocol
// (e.g. an HTTP client hitting the wrong port).
const (
	MagicNumber byte = 0x62 // 'b'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 10 // 3 (magic) + 1 (version) + 2 (id) + 4 (bodyLen)

	// MaxBodySize bounds a single frame body.
	MaxBodySize = 16 << 20
)

// Header is the fixed frame header.
type Header struct {
	ID      message.ID // Wire identity of the message in the body
	BodyLen uint32
}

// Frame is one decoded frame: its identity and raw payload.
type Frame struct {
	ID   message.ID
	Body []byte
}

// Encode writes a complete frame (header + body) to w.
// The caller must serialize concurrent writers sharing w, otherwise frames
// from different goroutines interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	if len(body) > MaxBodySize {
		return fmt.Errorf("frame body too large: %d bytes", len(body))
	}
	buf := make([]byte, HeaderSize, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	binary.BigEndian.PutUint16(buf[4:6], uint16(h.ID))
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(body)))

	// One Write per frame so a frame is never split across writers.
	_, err := w.Write(append(buf, body...))
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version and body size, and uses
// io.ReadFull so partial reads never surface as short frames.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}

	id := message.ID(binary.BigEndian.Uint16(headerBuf[4:6]))
	bodyLen := binary.BigEndian.Uint32(headerBuf[6:10])
	if bodyLen > MaxBodySize {
		return nil, nil, fmt.Errorf("frame body too large: %d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{ID: id, BodyLen: bodyLen}, body, nil
}

// ReadFrame is Decode returning a Frame.
func ReadFrame(r io.Reader) (Frame, error) {
	h, body, err := Decode(r)
	if err != nil {
		return Frame{}, err
	}
	return Frame{ID: h.ID, Body: body}, nil
}

// WriteMessage marshals msg and writes it as one frame: identity tag first,
// then the payload produced by the message type itself.
func WriteMessage(w io.Writer, msg message.Message) error {
	body, err := msg.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal %s: %w", message.Name(msg), err)
	}
	return Encode(w, &Header{ID: msg.ID()}, body)
}

// ReadMessage reads one frame and decodes it with dec.
func ReadMessage(r io.Reader, dec message.Decoder) (message.Message, error) {
	h, body, err := Decode(r)
	if err != nil {
		return nil, err
	}
	return dec.Decode(h.ID, body)
}
