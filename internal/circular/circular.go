// Package circular provides a fixed capacity byte ring whose allocations are
// always contiguous, with salt tagged iterators that survive being overtaken.
package circular

import "errors"

// ErrTooLarge is returned for a write larger than the whole buffer.
var ErrTooLarge = errors.New("circular: write exceeds buffer capacity")

// Iterator is a read position tagged with the wrap count it belongs to. An
// iterator left behind the tail is moved up to the tail on its next read.
type Iterator struct {
	salt   uint32
	offset int
}

// Before reports whether it orders before other.
func (it Iterator) Before(other Iterator) bool {
	if it.salt != other.salt {
		return it.salt < other.salt
	}
	return it.offset < other.offset
}

// Buffer is a byte ring. Writes never straddle the physical end: an
// allocation that does not fit at the head starts over at offset zero and the
// head salt is bumped. Readers follow the same rule.
type Buffer struct {
	buf      []byte
	head     int
	headSalt uint32
	tail     int
	tailSalt uint32
	// wrapAt is where the head left off when it last wrapped.
	wrapAt int
}

func New(capacity int) *Buffer {
	return &Buffer{buf: make([]byte, capacity)}
}

func (b *Buffer) Cap() int { return len(b.buf) }

// Len returns the number of bytes between tail and head, including any gap
// skipped at the wrap point.
func (b *Buffer) Len() int {
	if b.headSalt == b.tailSalt {
		return b.head - b.tail
	}
	return b.wrapAt - b.tail + b.head
}

func (b *Buffer) Empty() bool { return b.headSalt == b.tailSalt && b.head == b.tail }

// Reserve allocates n contiguous bytes at the head. It returns false without
// changing anything if the allocation would overlap unread data.
func (b *Buffer) Reserve(n int) ([]byte, bool, error) {
	if n > len(b.buf) {
		return nil, false, ErrTooLarge
	}
	b.settle()
	if b.headSalt == b.tailSalt {
		if b.head+n <= len(b.buf) {
			return b.advanceHead(n), true, nil
		}
		if n > b.tail {
			if b.head != b.tail {
				return nil, false, nil
			}
			// empty, start a fresh lap
			b.tailSalt++
			b.tail = 0
		}
		b.wrapAt = b.head
		b.head = 0
		b.headSalt++
		return b.advanceHead(n), true, nil
	}
	if b.head+n > b.tail {
		return nil, false, nil
	}
	return b.advanceHead(n), true, nil
}

// settle moves a tail that has read the whole previous lap onto the head's lap.
func (b *Buffer) settle() {
	if b.tailSalt != b.headSalt && b.tail >= b.wrapAt {
		b.tail, b.tailSalt = 0, b.headSalt
	}
}

func (b *Buffer) advanceHead(n int) []byte {
	p := b.buf[b.head : b.head+n]
	b.head += n
	return p
}

// AddData copies p into the ring, or reports false if it does not fit.
func (b *Buffer) AddData(p []byte) (bool, error) {
	dst, ok, err := b.Reserve(len(p))
	if !ok {
		return false, err
	}
	copy(dst, p)
	return true, nil
}

// GetData consumes size bytes from the tail. The returned slice aliases the
// ring and is valid until the next write.
func (b *Buffer) GetData(size int) ([]byte, bool) {
	it := b.Tail()
	p, ok := b.read(&it, size)
	if ok {
		b.tail, b.tailSalt = it.offset, it.salt
		b.settle()
	}
	return p, ok
}

// Peek returns size bytes at the tail without consuming them.
func (b *Buffer) Peek(size int) ([]byte, bool) {
	it := b.Tail()
	return b.read(&it, size)
}

// Erase drops size bytes from the tail.
func (b *Buffer) Erase(size int) bool {
	_, ok := b.GetData(size)
	return ok
}

// Tail returns an iterator at the oldest unread byte.
func (b *Buffer) Tail() Iterator { return Iterator{salt: b.tailSalt, offset: b.tail} }

// Head returns an iterator at the next write position.
func (b *Buffer) Head() Iterator { return Iterator{salt: b.headSalt, offset: b.head} }

// ReadAt reads size bytes at it and advances it, without consuming them from
// the ring. A stale iterator is first resynchronized to the tail.
func (b *Buffer) ReadAt(it *Iterator, size int) ([]byte, bool) {
	if it.Before(b.Tail()) {
		*it = b.Tail()
	}
	return b.read(it, size)
}

// PeekAt is ReadAt without advancing the iterator past the data. Stale
// iterators are still resynchronized.
func (b *Buffer) PeekAt(it *Iterator, size int) ([]byte, bool) {
	if it.Before(b.Tail()) {
		*it = b.Tail()
	}
	tmp := *it
	return b.read(&tmp, size)
}

func (b *Buffer) read(it *Iterator, size int) ([]byte, bool) {
	pos := *it
	if pos.salt != b.headSalt && pos.offset+size > b.wrapAt {
		pos.offset = 0
		pos.salt++
	}
	var avail int
	switch {
	case pos.salt == b.headSalt:
		avail = b.head - pos.offset
	case pos.salt+1 == b.headSalt:
		avail = b.wrapAt - pos.offset
	default:
		return nil, false
	}
	if size > avail {
		return nil, false
	}
	*it = Iterator{salt: pos.salt, offset: pos.offset + size}
	return b.buf[pos.offset : pos.offset+size], true
}

// Reset empties the ring. Iterators taken before the reset resynchronize.
func (b *Buffer) Reset() {
	b.headSalt++
	b.tailSalt = b.headSalt
	b.head, b.tail, b.wrapAt = 0, 0, 0
}
