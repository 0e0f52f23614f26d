// Package nbo reads and writes fixed-width values in network byte order.
//
// Buffers carry no delimiters or type tags: a reader must know the layout the
// writer used. Both sides track overflow instead of returning an error from every
// call, so a whole structure can be encoded or decoded first and checked once.
package nbo

import (
	"encoding/binary"
	"math"
)

// Writer appends values to a buffer bounded by a maximum size.
type Writer struct {
	buf      []byte
	limit    int
	overflow bool
}

// NewWriter creates a Writer which refuses to grow past limit bytes.
// Limit <= 0 means unbounded.
func NewWriter(limit int) *Writer {
	capacity := limit
	if capacity <= 0 {
		capacity = 64
	}

	return &Writer{
		buf:   make([]byte, 0, capacity),
		limit: limit,
	}
}

// Bytes returns the written data.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written.
func (w *Writer) Len() int {
	return len(w.buf)
}

// HasOverflow reports whether some write did not fit into the limit.
// Data written after the first overflow is dropped.
func (w *Writer) HasOverflow() bool {
	return w.overflow
}

func (w *Writer) fits(n int) bool {
	if w.overflow {
		return false
	}
	if w.limit > 0 && len(w.buf)+n > w.limit {
		w.overflow = true
		return false
	}

	return true
}

func (w *Writer) WriteUint8(v uint8) {
	if w.fits(1) {
		w.buf = append(w.buf, v)
	}
}

// WriteBool writes v as a single byte.
func (w *Writer) WriteBool(v bool) {
	var b uint8
	if v {
		b = 1
	}
	w.WriteUint8(b)
}

func (w *Writer) WriteUint16(v uint16) {
	if w.fits(2) {
		w.buf = binary.BigEndian.AppendUint16(w.buf, v)
	}
}

func (w *Writer) WriteUint32(v uint32) {
	if w.fits(4) {
		w.buf = binary.BigEndian.AppendUint32(w.buf, v)
	}
}

func (w *Writer) WriteInt32(v int32) {
	w.WriteUint32(uint32(v))
}

func (w *Writer) WriteUint64(v uint64) {
	if w.fits(8) {
		w.buf = binary.BigEndian.AppendUint64(w.buf, v)
	}
}

func (w *Writer) WriteInt64(v int64) {
	w.WriteUint64(uint64(v))
}

func (w *Writer) WriteFloat32(v float32) {
	w.WriteUint32(math.Float32bits(v))
}

func (w *Writer) WriteFloat64(v float64) {
	w.WriteUint64(math.Float64bits(v))
}

// WriteString writes a uint32 length followed by the string bytes.
func (w *Writer) WriteString(s string) {
	if !w.fits(4 + len(s)) {
		return
	}
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteBytes writes p as is, without a length.
func (w *Writer) WriteBytes(p []byte) {
	if w.fits(len(p)) {
		w.buf = append(w.buf, p...)
	}
}

// Reader consumes values from a buffer produced by Writer.
// A read past the end of the buffer puts the reader into overflow state,
// after which every read returns the zero value.
type Reader struct {
	buf      []byte
	off      int
	overflow bool
}

// NewReader creates a Reader over p.
func NewReader(p []byte) *Reader {
	return &Reader{buf: p}
}

// HasOverflow reports whether any read ran past the end of the buffer.
func (r *Reader) HasOverflow() bool {
	return r.overflow
}

// Invalidate puts the reader into overflow state, for data which decodes
// but makes no sense.
func (r *Reader) Invalidate() {
	r.overflow = true
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	if r.overflow {
		return 0
	}
	return len(r.buf) - r.off
}

func (r *Reader) next(n int) []byte {
	if r.overflow || n < 0 || len(r.buf)-r.off < n {
		r.overflow = true
		return nil
	}

	p := r.buf[r.off : r.off+n]
	r.off += n
	return p
}

func (r *Reader) ReadUint8() uint8 {
	p := r.next(1)
	if p == nil {
		return 0
	}
	return p[0]
}

// ReadBool reads a single byte, any non-zero value is true.
func (r *Reader) ReadBool() bool {
	return r.ReadUint8() != 0
}

func (r *Reader) ReadUint16() uint16 {
	p := r.next(2)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint16(p)
}

func (r *Reader) ReadUint32() uint32 {
	p := r.next(4)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint32(p)
}

func (r *Reader) ReadInt32() int32 {
	return int32(r.ReadUint32())
}

func (r *Reader) ReadUint64() uint64 {
	p := r.next(8)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint64(p)
}

func (r *Reader) ReadInt64() int64 {
	return int64(r.ReadUint64())
}

func (r *Reader) ReadFloat32() float32 {
	return math.Float32frombits(r.ReadUint32())
}

func (r *Reader) ReadFloat64() float64 {
	return math.Float64frombits(r.ReadUint64())
}

// ReadString reads a length-prefixed string.
// A length larger than the rest of the buffer is an overflow.
func (r *Reader) ReadString() string {
	n := r.ReadUint32()
	if r.overflow {
		return ""
	}
	if uint64(n) > uint64(len(r.buf)-r.off) {
		r.overflow = true
		return ""
	}

	return string(r.next(int(n)))
}

// ReadBytes reads exactly n bytes.
func (r *Reader) ReadBytes(n int) []byte {
	p := r.next(n)
	if p == nil {
		return nil
	}
	return append([]byte(nil), p...)
}
