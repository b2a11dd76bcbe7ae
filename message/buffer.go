package message

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Writer appends big-endian fields to a payload. The first failure sticks and
// is reported by Finish.
type Writer struct {
	buf []byte
	err error
}

func (w *Writer) Uint8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) Bool(v bool) {
	if v {
		w.Uint8(1)
		return
	}
	w.Uint8(0)
}

func (w *Writer) Uint16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }

func (w *Writer) Uint32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

func (w *Writer) Int32(v int32) { w.Uint32(uint32(v)) }

// Str writes a uint16 length prefix followed by the bytes of s.
func (w *Writer) Str(s string) {
	if len(s) > math.MaxUint16 {
		w.fail(fmt.Errorf("message: string field too long (%d bytes)", len(s)))
		return
	}
	w.Uint16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

// Bytes writes a uint32 length prefix followed by b.
func (w *Writer) Bytes(b []byte) {
	if uint64(len(b)) > math.MaxUint32 {
		w.fail(fmt.Errorf("message: bytes field too long (%d bytes)", len(b)))
		return
	}
	w.Uint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *Writer) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

// Finish returns the encoded payload or the first error recorded.
func (w *Writer) Finish() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

// Reader consumes fields written by Writer. Reads past the end record
// io.ErrUnexpectedEOF and return zero values.
type Reader struct {
	data []byte
	off  int
	err  error
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = io.ErrUnexpectedEOF
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) Uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Bool() bool { return r.Uint8() != 0 }

func (r *Reader) Uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *Reader) Uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *Reader) Int32() int32 { return int32(r.Uint32()) }

func (r *Reader) Str() string {
	n := r.Uint16()
	return string(r.take(int(n)))
}

// Bytes returns a copy of a length-prefixed byte field.
func (r *Reader) Bytes() []byte {
	n := r.Uint32()
	if uint64(n) > uint64(len(r.data)-r.off) {
		r.err = io.ErrUnexpectedEOF
		return nil
	}
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Remaining reports how many unread bytes are left.
func (r *Reader) Remaining() int { return len(r.data) - r.off }

// Err returns the first read error, if any.
func (r *Reader) Err() error { return r.err }
