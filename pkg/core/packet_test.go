package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketSizes(t *testing.T) {
	want := map[PacketType]int{
		TypeFrame:           8,
		TypeFirstPersonChar: 44,
		TypeVictimPosition:  20,
		TypeKillHitPosition: 24,
		TypeEntityLocation:  40,
		TypeEntitySpawn:     32,
		TypeEntityRemoved:   12,
		TypeWeaponSelect:    16,
		TypeBulletTrail:     32,
		TypeSound:           24,
		TypeHealthEffect:    24,
		TypeCorpse:          24,
	}
	for typ, size := range want {
		assert.Equal(t, size, SizeOf(typ), typ.String())
		assert.Zero(t, size%4, typ.String())
	}
	assert.Zero(t, SizeOf(0))
}

func TestEncodeDecode(t *testing.T) {
	in := &FirstPersonChar{
		FrameTime: 1.25,
		Pos:       Vec3{1, 2, 3},
		Rot:       Quat{0, 0, 0.7071, 0.7071},
		FOV:       1.2,
		Health:    -5,
		Flags:     3,
	}
	p, err := Encode(in)
	require.NoError(t, err)
	require.Len(t, p, 44)

	assert.Equal(t, TypeFirstPersonChar, p.Type())
	assert.Equal(t, 44, p.Size())
	assert.Equal(t, float32(1.25), p.FrameTime())

	out, err := Decode(p)
	require.NoError(t, err)
	fp, ok := out.(*FirstPersonChar)
	require.True(t, ok)
	assert.Equal(t, in.Pos, fp.Pos)
	assert.Equal(t, in.Rot, fp.Rot)
	assert.Equal(t, int16(-5), fp.Health)
	assert.Equal(t, uint8(3), fp.Flags)
}

func TestPacketLayout(t *testing.T) {
	p := MustEncode(&KillHitPosition{FrameTime: 2, Victim: 0x0102, Killer: 7, Hit: Vec3{0.5, 0, 0}})
	assert.Equal(t, []byte{byte(TypeKillHitPosition), 0, 24, 0}, []byte(p[:4]))
	assert.Equal(t, []byte{0x02, 0x01}, []byte(p[8:10]))
	assert.Equal(t, []byte{7, 0}, []byte(p[10:12]))

	loc := MustEncode(&EntityLocation{Entity: 42})
	id, ok := loc.Entity()
	assert.True(t, ok)
	assert.Equal(t, EntityID(42), id)

	_, ok = MustEncode(&Frame{}).Entity()
	assert.False(t, ok)
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(Packet{1, 0})
	assert.ErrorIs(t, err, ErrShortPacket)

	_, err = Decode(Packet{0x7f, 0, 8, 0, 0, 0, 0, 0})
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = Decode(Packet{byte(TypeFrame), 0, 12, 0, 0, 0, 0, 0})
	assert.ErrorIs(t, err, ErrBadPacketSize)
}

func TestSplit(t *testing.T) {
	var buf []byte
	buf = append(buf, MustEncode(&Frame{FrameTime: 1})...)
	buf = append(buf, MustEncode(&EntityRemoved{FrameTime: 1, Entity: 9})...)
	buf = append(buf, make([]byte, 16)...)

	packets := Split(buf)
	require.Len(t, packets, 2)
	assert.Equal(t, TypeFrame, packets[0].Type())
	assert.Equal(t, TypeEntityRemoved, packets[1].Type())
}

func TestPacketTypeStream(t *testing.T) {
	assert.Equal(t, StreamFirstPerson, TypeFirstPersonChar.Stream())
	assert.Equal(t, StreamThirdPerson, TypeVictimPosition.Stream())
	assert.Equal(t, StreamThirdPerson, TypeKillHitPosition.Stream())
	assert.Equal(t, "entity_spawn", TypeEntitySpawn.String())
	assert.False(t, PacketType(0x40).Valid())
}
