// Package bitstream reads and writes bits LSB-first over a fixed byte buffer.
package bitstream

import "errors"

// ErrOverrun reports a read or write past the end of the buffer.
var ErrOverrun = errors.New("bitstream: buffer overrun")

// Writer appends bits to a fixed buffer. Writes past the end are dropped and
// latch the overrun flag; callers check Err after each logical operation.
type Writer struct {
	buf     []byte
	pos     int
	mask    byte
	overrun bool
}

func NewWriter(buf []byte) *Writer {
	return &Writer{buf: buf, mask: 1}
}

func (w *Writer) WriteBit(bit bool) {
	if w.pos >= len(w.buf) {
		w.overrun = true
		return
	}
	if w.mask == 1 {
		w.buf[w.pos] = 0
	}
	if bit {
		w.buf[w.pos] |= w.mask
	}
	w.mask <<= 1
	if w.mask == 0 {
		w.mask = 1
		w.pos++
	}
}

// WriteBits writes the low n bits of v, least significant first.
func (w *Writer) WriteBits(v uint32, n int) {
	for i := 0; i < n; i++ {
		w.WriteBit(v&(1<<uint(i)) != 0)
	}
}

// WriteVLC writes v as 4-bit groups, each followed by a continuation bit.
// Zero still takes one group.
func (w *Writer) WriteVLC(v int32) {
	for {
		nibble := uint32(v) & 0xf
		v >>= 4
		done := (v == 0 && nibble&8 == 0) || (v == -1 && nibble&8 != 0)
		w.WriteBits(nibble, 4)
		w.WriteBit(!done)
		if done {
			return
		}
	}
}

// Align pads with zero bits up to the next byte boundary.
func (w *Writer) Align() {
	for w.mask != 1 {
		w.WriteBit(false)
		if w.overrun {
			return
		}
	}
}

// Len returns the number of bytes touched so far, counting a partial byte.
func (w *Writer) Len() int {
	if w.mask != 1 {
		return w.pos + 1
	}
	return w.pos
}

// BitLen returns the number of bits written.
func (w *Writer) BitLen() int {
	n := w.pos * 8
	for m := w.mask; m > 1; m >>= 1 {
		n++
	}
	return n
}

func (w *Writer) Bytes() []byte { return w.buf[:w.Len()] }

func (w *Writer) Err() error {
	if w.overrun {
		return ErrOverrun
	}
	return nil
}

// Reader consumes bits written by Writer. Reads past the end return zero bits
// and latch the overrun flag.
type Reader struct {
	buf     []byte
	pos     int
	mask    byte
	overrun bool
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf, mask: 1}
}

func (r *Reader) ReadBit() bool {
	if r.pos >= len(r.buf) {
		r.overrun = true
		return false
	}
	bit := r.buf[r.pos]&r.mask != 0
	r.mask <<= 1
	if r.mask == 0 {
		r.mask = 1
		r.pos++
	}
	return bit
}

func (r *Reader) ReadBits(n int) uint32 {
	var v uint32
	for i := 0; i < n; i++ {
		if r.ReadBit() {
			v |= 1 << uint(i)
		}
	}
	return v
}

// ReadVLC reads a value written by WriteVLC, sign extending from the top bit
// of the last group.
func (r *Reader) ReadVLC() int32 {
	var v int64
	shift := uint(0)
	for {
		nibble := int64(r.ReadBits(4))
		v |= nibble << shift
		shift += 4
		more := r.ReadBit()
		if r.overrun {
			return 0
		}
		if !more {
			if nibble&8 != 0 {
				v |= -1 << shift
			}
			return int32(v)
		}
		if shift >= 32 {
			r.overrun = true
			return 0
		}
	}
}

// Align skips to the next byte boundary.
func (r *Reader) Align() {
	if r.mask != 1 {
		r.mask = 1
		r.pos++
	}
}

// Offset returns the byte offset of the next unread byte, counting a partially
// read byte as consumed.
func (r *Reader) Offset() int {
	if r.mask != 1 {
		return r.pos + 1
	}
	return r.pos
}

func (r *Reader) Err() error {
	if r.overrun {
		return ErrOverrun
	}
	return nil
}
