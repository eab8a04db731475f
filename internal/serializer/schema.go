package serializer

import (
	"math"

	"github.com/OCAP2/killcam/internal/compressor"
	"github.com/OCAP2/killcam/pkg/core"
)

// Quantization scales. They are part of the wire format and must match on
// both ends.
const (
	ScaleRot     = 800
	ScalePos     = 40
	ScaleTime    = 120
	ScaleAngle   = 180 / math.Pi
	ScaleUnit    = 1
	ScaleKillHit = 500
)

// Field is one compressor pass over a packet type.
type Field struct {
	Offset int
	Codec  compressor.Quantizer
	Scale  float32
}

// Schema is the fixed field order of one packet type.
type Schema struct {
	Type   core.PacketType
	Size   int
	Fields []Field
}

func f(offset int, codec compressor.Quantizer, scale float32) []Field {
	return []Field{{Offset: offset, Codec: codec, Scale: scale}}
}

// vec is n consecutive float32 components.
func vec(offset int, codec compressor.Quantizer, scale float32, n int) []Field {
	out := make([]Field, n)
	for i := range out {
		out[i] = Field{Offset: offset + 4*i, Codec: codec, Scale: scale}
	}
	return out
}

func fields(parts ...[]Field) []Field {
	var out []Field
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

var frameTime = f(4, compressor.Float, ScaleTime)

var schemas = [core.MaxPacketType + 1]*Schema{
	core.TypeFrame: {Fields: fields(frameTime)},
	core.TypeFirstPersonChar: {Fields: fields(
		frameTime,
		vec(8, compressor.Float, ScalePos, 3),
		vec(20, compressor.SmoothedFloat, ScaleRot, 4),
		f(36, compressor.Float, ScaleAngle),
		f(40, compressor.Int16, ScaleUnit),
		f(42, compressor.Byte, ScaleUnit),
	)},
	core.TypeVictimPosition: {Fields: fields(
		frameTime,
		vec(8, compressor.SmoothedFloat, ScalePos, 3),
	)},
	core.TypeKillHitPosition: {Fields: fields(
		frameTime,
		f(8, compressor.Int16, ScaleUnit),
		f(10, compressor.Int16, ScaleUnit),
		vec(12, compressor.Float, ScaleKillHit, 3),
	)},
	core.TypeEntityLocation: {Fields: fields(
		frameTime,
		f(8, compressor.Int16, ScaleUnit),
		f(10, compressor.Byte, ScaleUnit),
		vec(12, compressor.Float, ScalePos, 3),
		vec(24, compressor.Float, ScaleRot, 4),
	)},
	core.TypeEntitySpawn: {Fields: fields(
		frameTime,
		f(8, compressor.Int16, ScaleUnit),
		f(10, compressor.Int16, ScaleUnit),
		f(12, compressor.Byte, ScaleUnit),
		vec(16, compressor.Float, ScalePos, 3),
		f(28, compressor.Float, ScaleAngle),
	)},
	core.TypeEntityRemoved: {Fields: fields(
		frameTime,
		f(8, compressor.Int16, ScaleUnit),
	)},
	core.TypeWeaponSelect: {Fields: fields(
		frameTime,
		f(8, compressor.Int16, ScaleUnit),
		f(10, compressor.Int16, ScaleUnit),
		f(12, compressor.Byte, ScaleUnit),
	)},
	core.TypeBulletTrail: {Fields: fields(
		frameTime,
		vec(8, compressor.Float, ScalePos, 3),
		vec(20, compressor.Float, ScalePos, 3),
	)},
	core.TypeSound: {Fields: fields(
		frameTime,
		f(8, compressor.Int16, ScaleUnit),
		f(10, compressor.Byte, ScaleUnit),
		vec(12, compressor.Float, ScalePos, 3),
	)},
	core.TypeHealthEffect: {Fields: fields(
		frameTime,
		vec(8, compressor.Float, ScaleRot, 3),
		f(20, compressor.Float, ScaleRot),
	)},
	core.TypeCorpse: {Fields: fields(
		frameTime,
		f(8, compressor.Int16, ScaleUnit),
		vec(12, compressor.Float, ScalePos, 3),
	)},
}

func init() {
	for t, s := range schemas {
		if s == nil {
			continue
		}
		s.Type = core.PacketType(t)
		s.Size = core.SizeOf(s.Type)
	}
}

// SchemaFor returns the field layout of t, or nil if t has none.
func SchemaFor(t core.PacketType) *Schema {
	if int(t) >= len(schemas) {
		return nil
	}
	return schemas[t]
}

// priority lists the packet types in block order.
var priority = func() []core.PacketType {
	order := []core.PacketType{core.TypeFirstPersonChar, core.TypeVictimPosition, core.TypeKillHitPosition}
	for t := core.TypeFrame; t <= core.MaxPacketType; t++ {
		switch t {
		case core.TypeFirstPersonChar, core.TypeVictimPosition, core.TypeKillHitPosition:
			continue
		}
		order = append(order, t)
	}
	return order
}()
