// pkg/core/packet.go
package core

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/lunixbochs/struc"
)

// HeaderSize is the size of the common packet header.
const HeaderSize = 4

var (
	ErrShortPacket   = errors.New("packet shorter than its header")
	ErrBadPacketSize = errors.New("packet size does not match its type")
	ErrUnknownType   = errors.New("unknown packet type")
)

var packOptions = &struc.Options{Order: binary.LittleEndian}

// Record is a decoded recording packet.
type Record interface {
	PacketType() PacketType
	header() *Header
}

// Packet is a raw recording packet as it sits in the recording buffer.
type Packet []byte

func (p Packet) Type() PacketType { return PacketType(p[0]) }

func (p Packet) Size() int { return int(binary.LittleEndian.Uint16(p[2:4])) }

func (p Packet) FrameTime() float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(p[4:8]))
}

// Entity returns the entity id of packets carrying one at offset 8.
func (p Packet) Entity() (EntityID, bool) {
	switch p.Type() {
	case TypeEntityLocation, TypeEntitySpawn, TypeEntityRemoved, TypeCorpse, TypeWeaponSelect:
		return EntityID(binary.LittleEndian.Uint16(p[8:10])), true
	}
	return 0, false
}

// SizeOf returns the encoded size of a packet type, or 0 if unknown.
func SizeOf(t PacketType) int {
	return packetSizes[t]
}

var packetSizes = func() map[PacketType]int {
	sizes := make(map[PacketType]int)
	for t := TypeFrame; t <= MaxPacketType; t++ {
		n, err := struc.SizeofWithOptions(newRecord(t), packOptions)
		if err != nil {
			panic(fmt.Sprintf("sizeof %s: %v", t, err))
		}
		sizes[t] = n
	}
	return sizes
}()

// Encode packs r into a packet, filling in its header.
func Encode(r Record) (Packet, error) {
	t := r.PacketType()
	h := r.header()
	h.Type = uint8(t)
	h.Pad = 0
	h.Size = uint16(SizeOf(t))

	var buf bytes.Buffer
	buf.Grow(int(h.Size))
	if err := struc.PackWithOptions(&buf, r, packOptions); err != nil {
		return nil, fmt.Errorf("pack %s: %w", t, err)
	}
	return Packet(buf.Bytes()), nil
}

// Decode unpacks a packet into its typed record.
func Decode(p Packet) (Record, error) {
	if len(p) < HeaderSize {
		return nil, ErrShortPacket
	}
	t := p.Type()
	r := newRecord(t)
	if r == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, t)
	}
	if p.Size() != SizeOf(t) || len(p) < p.Size() {
		return nil, fmt.Errorf("%w: %s size %d", ErrBadPacketSize, t, p.Size())
	}
	if err := struc.UnpackWithOptions(bytes.NewReader(p[:p.Size()]), r, packOptions); err != nil {
		return nil, fmt.Errorf("unpack %s: %w", t, err)
	}
	return r, nil
}

// MustEncode is Encode for records built in code, where failure is a bug.
func MustEncode(r Record) Packet {
	p, err := Encode(r)
	if err != nil {
		panic(err)
	}
	return p
}

// Split walks a buffer of back to back packets. It stops at the first zero
// or malformed header.
func Split(buf []byte) []Packet {
	var out []Packet
	for len(buf) >= HeaderSize {
		p := Packet(buf)
		n := p.Size()
		if p.Type() == 0 || n < HeaderSize || n > len(buf) {
			break
		}
		out = append(out, p[:n:n])
		buf = buf[n:]
	}
	return out
}
