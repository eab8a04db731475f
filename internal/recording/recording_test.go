package recording

import (
	"testing"

	"github.com/OCAP2/killcam/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordFrames(t *testing.T, b *Buffer, from, to int) {
	t.Helper()
	for i := from; i < to; i++ {
		ft := float32(i) / 10
		require.NoError(t, b.Record(core.MustEncode(&core.Frame{FrameTime: ft})))
		require.NoError(t, b.Record(core.MustEncode(&core.EntityLocation{
			FrameTime: ft, Entity: 7, Pos: core.Vec3{float32(i), 1, 2},
		})))
	}
}

func TestRecordAndSlice(t *testing.T) {
	b := New(4096)
	recordFrames(t, b, 0, 20)
	assert.Equal(t, 40, b.Len())
	assert.InDelta(t, 1.9, b.Latest(), 1e-6)

	frames := b.Slice(nil, 0.5, 1.0, func(p core.Packet) bool { return p.Type() == core.TypeFrame })
	require.Len(t, frames, 5)
	assert.InDelta(t, 0.5, frames[0].FrameTime(), 1e-6)
	assert.InDelta(t, 0.9, frames[4].FrameTime(), 1e-6)

	all := b.Slice(nil, 0, 100, nil)
	assert.Len(t, all, 40)
}

func TestEvictsOldest(t *testing.T) {
	// room for 10 frame+location pairs
	b := New(480)
	recordFrames(t, b, 0, 25)
	assert.Equal(t, 20, b.Len())

	oldest, ok := b.Oldest()
	require.True(t, ok)
	assert.InDelta(t, 1.5, oldest, 1e-6)

	all := b.Slice(nil, 0, 100, nil)
	require.Len(t, all, 20)
	for i := 1; i < len(all); i++ {
		assert.LessOrEqual(t, all[i-1].FrameTime(), all[i].FrameTime())
	}
}

func TestTrim(t *testing.T) {
	b := New(4096)
	recordFrames(t, b, 0, 10)
	b.Trim(0.45)
	oldest, ok := b.Oldest()
	require.True(t, ok)
	assert.InDelta(t, 0.5, oldest, 1e-6)
	assert.Equal(t, 10, b.Len())

	b.Reset()
	assert.Zero(t, b.Len())
	_, ok = b.Oldest()
	assert.False(t, ok)
}

func TestVictimTrack(t *testing.T) {
	b := New(4096)
	recordFrames(t, b, 0, 10)
	require.NoError(t, b.Record(core.MustEncode(&core.EntityLocation{FrameTime: 0.3, Entity: 8})))

	track := b.VictimTrack(nil, 0.2, 0.6, 7)
	size := core.SizeOf(core.TypeVictimPosition)
	require.Len(t, track, 4*size)

	for i, p := range core.Split(track) {
		rec, err := core.Decode(p)
		require.NoError(t, err)
		vp := rec.(*core.VictimPosition)
		assert.InDelta(t, float32(i+2)/10, vp.FrameTime, 1e-6)
		assert.Equal(t, core.Vec3{float32(i + 2), 1, 2}, vp.Pos)
	}
}

func TestRecordRejectsBadPackets(t *testing.T) {
	b := New(64)
	assert.ErrorIs(t, b.Record(core.Packet{1, 0, 8, 0}), core.ErrBadPacketSize)
	big := make(core.Packet, 128)
	big[0] = byte(core.TypeFrame)
	big[2] = 128
	assert.Error(t, b.Record(big))
}
