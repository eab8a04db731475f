package streaming

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkRoundTrip(t *testing.T) {
	c := &Chunk{
		ChunkHeader: ChunkHeader{Kind: KindThirdPerson, ID: 4, Index: 2, Offset: 6, Victim: 300},
		Data:        []byte{1, 2, 3, 4, 5},
	}
	c.SetFlag(FlagFinal, true)
	c.SetFlag(FlagBroadcast, true)

	b, err := c.Marshal()
	require.NoError(t, err)
	require.Len(t, b, HeaderSize+5)
	assert.Equal(t, []byte{2, 4, 2, 6, 0, 0, 44, 1, 5, 0, 3, 0}, b[:HeaderSize])

	got, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, c.ChunkHeader, got.ChunkHeader)
	assert.Equal(t, c.Data, got.Data)
	assert.True(t, got.Final())
	assert.True(t, got.Broadcast())
	assert.Equal(t, 8, got.Slot())

	got.SetFlag(FlagBroadcast, false)
	assert.False(t, got.Broadcast())
	assert.True(t, got.Final())
}

func TestUnmarshalRejects(t *testing.T) {
	_, err := Unmarshal([]byte{1, 2})
	assert.ErrorIs(t, err, ErrShortChunk)

	bad := []byte{9, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	_, err = Unmarshal(bad)
	assert.ErrorIs(t, err, ErrBadChunk)

	zeroID := []byte{1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	_, err = Unmarshal(zeroID)
	assert.ErrorIs(t, err, ErrBadChunk)

	wrongSize := []byte{1, 1, 0, 0, 0, 0, 0, 0, 4, 0, 0, 0, 1}
	_, err = Unmarshal(wrongSize)
	assert.ErrorIs(t, err, ErrBadChunk)
}

func TestNextID(t *testing.T) {
	assert.Equal(t, uint8(1), NextID(0))
	assert.Equal(t, uint8(2), NextID(1))
	assert.Equal(t, uint8(1), NextID(MaxID))
}

func TestChunkCount(t *testing.T) {
	assert.Equal(t, 0, ChunkCount(0, 1024))
	assert.Equal(t, 1, ChunkCount(1, 1024))
	assert.Equal(t, 1, ChunkCount(1024, 1024))
	assert.Equal(t, 2, ChunkCount(1025, 1024))
}

func TestSendingState(t *testing.T) {
	s := &SendingState{Kind: KindForward, ID: 3, Offset: 5, Flags: FlagFinal, Victim: 12, Count: 7, DataSize: 0}
	b := make([]byte, SendingStateSize)
	require.NoError(t, s.MarshalTo(b))

	got, err := UnmarshalSendingState(b)
	require.NoError(t, err)
	assert.Equal(t, s, got)
	assert.True(t, got.Final())
	assert.False(t, got.Broadcast())
}
