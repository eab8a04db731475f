// Package recording keeps the most recent recording packets in a byte ring so
// kill cam windows can be sliced out of it after the fact.
package recording

import (
	"encoding/binary"
	"fmt"

	"github.com/OCAP2/killcam/internal/circular"
	"github.com/OCAP2/killcam/pkg/core"
)

// Buffer is the live recording. Packets are stored back to back in the order
// they are recorded; the oldest are evicted to make room.
type Buffer struct {
	ring  *circular.Buffer
	last  float32
	count int
}

func New(capacity int) *Buffer {
	return &Buffer{ring: circular.New(capacity)}
}

// Record appends p, evicting the oldest packets until it fits.
func (b *Buffer) Record(p core.Packet) error {
	if len(p) < 8 || p.Size() != len(p) || len(p)%4 != 0 {
		return fmt.Errorf("%w: %d byte packet", core.ErrBadPacketSize, len(p))
	}
	for {
		ok, err := b.ring.AddData(p)
		if err != nil {
			return err
		}
		if ok {
			break
		}
		if !b.evict() {
			return fmt.Errorf("record %s: ring refused write while empty", p.Type())
		}
	}
	b.count++
	b.last = p.FrameTime()
	return nil
}

func (b *Buffer) evict() bool {
	h, ok := b.ring.Peek(core.HeaderSize)
	if !ok {
		return false
	}
	if !b.ring.Erase(core.Packet(h).Size()) {
		return false
	}
	b.count--
	return true
}

// Latest returns the frame time of the most recently recorded packet.
func (b *Buffer) Latest() float32 { return b.last }

// Len returns the number of packets held.
func (b *Buffer) Len() int { return b.count }

// Oldest returns the frame time of the oldest packet held.
func (b *Buffer) Oldest() (float32, bool) {
	it := b.ring.Tail()
	p, ok := b.next(&it)
	if !ok {
		return 0, false
	}
	return p.FrameTime(), true
}

func (b *Buffer) next(it *circular.Iterator) (core.Packet, bool) {
	h, ok := b.ring.PeekAt(it, core.HeaderSize)
	if !ok {
		return nil, false
	}
	p, ok := b.ring.ReadAt(it, core.Packet(h).Size())
	return core.Packet(p), ok
}

// Slice appends to dst the packets with from <= frame time < to that pass
// filter, which may be nil. The packets alias the ring and are only valid
// until the next Record.
func (b *Buffer) Slice(dst []core.Packet, from, to float32, filter func(core.Packet) bool) []core.Packet {
	it := b.ring.Tail()
	for {
		p, ok := b.next(&it)
		if !ok {
			return dst
		}
		ft := p.FrameTime()
		if ft < from || ft >= to {
			continue
		}
		if filter == nil || filter(p) {
			dst = append(dst, p)
		}
	}
}

// VictimTrack appends to dst one VictimPosition record for every location
// sample of victim in [from, to).
func (b *Buffer) VictimTrack(dst []byte, from, to float32, victim core.EntityID) []byte {
	it := b.ring.Tail()
	for {
		p, ok := b.next(&it)
		if !ok {
			return dst
		}
		if p.Type() != core.TypeEntityLocation {
			continue
		}
		if id, _ := p.Entity(); id != victim {
			continue
		}
		ft := p.FrameTime()
		if ft < from || ft >= to {
			continue
		}
		// EntityLocation keeps its position at 12, VictimPosition at 8.
		n := len(dst)
		dst = append(dst, make([]byte, core.SizeOf(core.TypeVictimPosition))...)
		rec := dst[n:]
		rec[0] = byte(core.TypeVictimPosition)
		binary.LittleEndian.PutUint16(rec[2:], uint16(len(rec)))
		copy(rec[4:8], p[4:8])
		copy(rec[8:20], p[12:24])
	}
}

// Trim drops packets older than before.
func (b *Buffer) Trim(before float32) {
	for {
		h, ok := b.ring.Peek(8)
		if !ok || core.Packet(h).FrameTime() >= before {
			return
		}
		b.evict()
	}
}

// Reset discards every packet.
func (b *Buffer) Reset() {
	b.ring.Reset()
	b.count = 0
	b.last = 0
}
