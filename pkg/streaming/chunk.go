// Package streaming defines the kill cam chunk wire format shared by clients
// and the relay.
package streaming

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/OCAP2/killcam/pkg/core"
	"github.com/lunixbochs/struc"
)

// Kind is the chunk payload kind.
type Kind uint8

const (
	KindFirstPerson Kind = 1
	KindThirdPerson Kind = 2
	KindForward     Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindFirstPerson:
		return "first_person"
	case KindThirdPerson:
		return "third_person"
	case KindForward:
		return "forward"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Chunk flags.
const (
	FlagFinal     uint8 = 1 << 0
	FlagBroadcast uint8 = 1 << 1
)

const (
	// HeaderSize is the encoded size of ChunkHeader.
	HeaderSize = 12
	// MaxID is the highest stream id; ids cycle through 1..MaxID and 0 is reserved.
	MaxID = 15
)

var (
	ErrShortChunk = errors.New("chunk shorter than its header")
	ErrBadChunk   = errors.New("malformed chunk")
)

var packOptions = &struc.Options{Order: binary.LittleEndian}

// ChunkHeader precedes every chunk on the wire. Sender is stamped by the relay;
// clients leave it zero. A chunk lands in receiver slot Offset+Index.
type ChunkHeader struct {
	Kind   Kind
	ID     uint8
	Index  uint8
	Offset uint8
	Sender core.EntityID
	Victim core.EntityID
	Size   uint16
	Flags  uint8
	Count  uint8
}

func (h *ChunkHeader) Final() bool     { return h.Flags&FlagFinal != 0 }
func (h *ChunkHeader) Broadcast() bool { return h.Flags&FlagBroadcast != 0 }

// Slot returns the receiver buffer slot the chunk belongs to.
func (h *ChunkHeader) Slot() int { return int(h.Offset) + int(h.Index) }

func (h *ChunkHeader) SetFlag(flag uint8, on bool) {
	if on {
		h.Flags |= flag
	} else {
		h.Flags &^= flag
	}
}

// Chunk is one transport payload: a header plus at most chunkSize data bytes.
type Chunk struct {
	ChunkHeader
	Data []byte
}

// Marshal encodes the chunk. Size is taken from len(Data).
func (c *Chunk) Marshal() ([]byte, error) {
	if len(c.Data) > 0xffff {
		return nil, fmt.Errorf("%w: %d data bytes", ErrBadChunk, len(c.Data))
	}
	c.Size = uint16(len(c.Data))

	var buf bytes.Buffer
	buf.Grow(HeaderSize + len(c.Data))
	if err := struc.PackWithOptions(&buf, &c.ChunkHeader, packOptions); err != nil {
		return nil, fmt.Errorf("pack chunk header: %w", err)
	}
	buf.Write(c.Data)
	return buf.Bytes(), nil
}

// Unmarshal decodes a chunk. Data aliases b.
func Unmarshal(b []byte) (*Chunk, error) {
	if len(b) < HeaderSize {
		return nil, ErrShortChunk
	}
	c := &Chunk{}
	if err := struc.UnpackWithOptions(bytes.NewReader(b[:HeaderSize]), &c.ChunkHeader, packOptions); err != nil {
		return nil, fmt.Errorf("unpack chunk header: %w", err)
	}
	if c.Kind < KindFirstPerson || c.Kind > KindForward {
		return nil, fmt.Errorf("%w: %s", ErrBadChunk, c.Kind)
	}
	if c.ID == 0 || c.ID > MaxID {
		return nil, fmt.Errorf("%w: id %d", ErrBadChunk, c.ID)
	}
	if int(c.Size) != len(b)-HeaderSize {
		return nil, fmt.Errorf("%w: size %d with %d data bytes", ErrBadChunk, c.Size, len(b)-HeaderSize)
	}
	c.Data = b[HeaderSize:]
	return c, nil
}

// NextID returns the stream id following id, skipping the reserved 0.
func NextID(id uint8) uint8 {
	id++
	if id == 0 || id > MaxID {
		id = 1
	}
	return id
}

// ChunkCount returns how many chunks of chunkSize are needed for n bytes.
func ChunkCount(n, chunkSize int) int {
	return (n + chunkSize - 1) / chunkSize
}
