// Package serializer groups recording packets by type and runs them through
// the adaptive compressor one field at a time.
//
// A compressed range is a sequence of blocks, each an 8 bit marker (type with
// the top bit set) and a variable length count, followed by the block's
// records coded field by field. An 8 bit zero marker with a zero count ends
// the range, which is then padded to a byte boundary.
package serializer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/OCAP2/killcam/internal/bitstream"
	"github.com/OCAP2/killcam/internal/compressor"
	"github.com/OCAP2/killcam/pkg/core"
)

const blockFlag = 0x80

// DefaultMaxBucketCount bounds the records coded in one block.
const DefaultMaxBucketCount = 1024

var (
	ErrUnknownPacketType = errors.New("serializer: unknown packet type")
	ErrCorrupt           = errors.New("serializer: corrupt stream")
)

// Input is one recording window to compress.
type Input struct {
	Packets []core.Packet
	// VictimTrack, when set, replaces any VictimPosition packets in Packets.
	// It holds back to back VictimPosition records.
	VictimTrack []byte
	// Victim selects the single KillHitPosition record kept.
	Victim core.EntityID
}

// Result reports how much of the output buffer a decompression filled.
type Result struct {
	Bytes     int
	Packets   int
	Truncated bool
}

// Serializer owns one compressing and one decompressing dictionary. It is not
// safe for concurrent use.
type Serializer struct {
	maxCount int
	comp     *compressor.Compressor
	decomp   *compressor.Compressor
	logger   *slog.Logger
	buckets  [core.MaxPacketType + 1][]byte
}

// New returns a serializer coding at most maxBucketCount records per block.
// Larger buckets are split across several blocks.
func New(maxBucketCount int, logger *slog.Logger) *Serializer {
	if maxBucketCount < 1 {
		maxBucketCount = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	maxNodes := compressor.MaxNodes(maxBucketCount)
	return &Serializer{
		maxCount: maxBucketCount,
		comp:     compressor.New(maxNodes, true),
		decomp:   compressor.New(maxNodes, false),
		logger:   logger,
	}
}

// Compress writes one compressed range for in.
func (s *Serializer) Compress(w *bitstream.Writer, in Input) error {
	if err := s.sort(in); err != nil {
		return err
	}
	for _, t := range priority {
		schema := schemas[t]
		data := s.buckets[t]
		if t == core.TypeVictimPosition && in.VictimTrack != nil {
			data = in.VictimTrack
		}
		n := len(data) / schema.Size
		for start := 0; start < n; start += s.maxCount {
			count := min(s.maxCount, n-start)
			block := data[start*schema.Size : (start+count)*schema.Size]
			if err := s.writeBlock(w, schema, block, count); err != nil {
				return fmt.Errorf("compress %s block: %w", t, err)
			}
		}
	}
	w.WriteBits(0, 8)
	w.WriteVLC(0)
	w.Align()
	return w.Err()
}

// sort buckets the packets of in by type, keeping only the kill hit record of
// the current victim.
func (s *Serializer) sort(in Input) error {
	for t := range s.buckets {
		s.buckets[t] = s.buckets[t][:0]
	}
	if in.VictimTrack != nil && len(in.VictimTrack)%schemas[core.TypeVictimPosition].Size != 0 {
		return fmt.Errorf("%w: victim track of %d bytes", core.ErrBadPacketSize, len(in.VictimTrack))
	}
	haveKillHit := false
	for _, p := range in.Packets {
		if len(p) < core.HeaderSize {
			return core.ErrShortPacket
		}
		t := p.Type()
		schema := SchemaFor(t)
		if schema == nil {
			return fmt.Errorf("%w: %d", ErrUnknownPacketType, t)
		}
		if p.Size() != schema.Size || len(p) < schema.Size {
			return fmt.Errorf("%w: %s size %d", core.ErrBadPacketSize, t, p.Size())
		}
		switch t {
		case core.TypeVictimPosition:
			if in.VictimTrack != nil {
				continue
			}
		case core.TypeKillHitPosition:
			if haveKillHit || core.EntityID(binary.LittleEndian.Uint16(p[8:10])) != in.Victim {
				continue
			}
			haveKillHit = true
		}
		s.buckets[t] = append(s.buckets[t], p[:schema.Size]...)
	}
	return nil
}

func (s *Serializer) writeBlock(w *bitstream.Writer, schema *Schema, data []byte, count int) error {
	w.WriteBits(uint32(schema.Type)|blockFlag, 8)
	w.WriteVLC(int32(count))
	for _, field := range schema.Fields {
		s.comp.ResetDictionary(field.Scale)
		if err := s.comp.Compress(w, field.Codec, data, field.Offset, schema.Size, count); err != nil {
			return err
		}
	}
	return w.Err()
}

// Decompress decodes one compressed range into out, rebuilding packet
// headers. If the range does not fit, decoding stops at the first block that
// would overrun out and the result is marked truncated.
func (s *Serializer) Decompress(r *bitstream.Reader, out []byte) (Result, error) {
	var res Result
	for {
		marker := r.ReadBits(8)
		count := r.ReadVLC()
		if err := r.Err(); err != nil {
			return res, fmt.Errorf("read block header: %w", err)
		}
		if marker == 0 {
			if count != 0 {
				return res, fmt.Errorf("%w: terminator count %d", ErrCorrupt, count)
			}
			break
		}
		t := core.PacketType(marker &^ blockFlag)
		schema := SchemaFor(t)
		if marker&blockFlag == 0 || schema == nil {
			return res, fmt.Errorf("%w: marker 0x%02x", ErrUnknownPacketType, marker)
		}
		if count <= 0 || int(count) > s.maxCount {
			return res, fmt.Errorf("%w: %s block of %d records", ErrCorrupt, t, count)
		}

		need := int(count) * schema.Size
		if res.Bytes+need > len(out) {
			s.logger.Warn("Kill cam output buffer full, truncating stream",
				"type", t.String(), "count", count, "need", need, "available", len(out)-res.Bytes)
			res.Truncated = true
			return res, nil
		}
		if err := s.readBlock(r, schema, out[res.Bytes:res.Bytes+need], int(count)); err != nil {
			return res, fmt.Errorf("decompress %s block: %w", t, err)
		}
		res.Bytes += need
		res.Packets += int(count)
	}
	r.Align()
	return res, nil
}

func (s *Serializer) readBlock(r *bitstream.Reader, schema *Schema, dst []byte, count int) error {
	for i := 0; i < count; i++ {
		at := i * schema.Size
		clear(dst[at : at+schema.Size])
		dst[at] = byte(schema.Type)
		binary.LittleEndian.PutUint16(dst[at+2:], uint16(schema.Size))
	}
	for _, field := range schema.Fields {
		s.decomp.ResetDictionary(field.Scale)
		if err := s.decomp.Decompress(r, field.Codec, dst, field.Offset, schema.Size, count); err != nil {
			return err
		}
	}
	return nil
}

// DecompressStream decodes a buffer of back to back compressed ranges, each
// starting at a multiple of alignment. It stops at the first all zero
// remainder.
func (s *Serializer) DecompressStream(stream []byte, alignment int, out []byte) (Result, error) {
	if alignment < 1 {
		alignment = 1
	}
	var total Result
	for offset := 0; offset < len(stream) && !allZero(stream[offset:]); {
		r := bitstream.NewReader(stream[offset:])
		res, err := s.Decompress(r, out[total.Bytes:])
		total.Bytes += res.Bytes
		total.Packets += res.Packets
		if err != nil {
			return total, fmt.Errorf("range at %d: %w", offset, err)
		}
		if res.Truncated {
			total.Truncated = true
			return total, nil
		}
		offset += align(r.Offset(), alignment)
	}
	return total, nil
}

func align(n, alignment int) int {
	return (n + alignment - 1) / alignment * alignment
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
