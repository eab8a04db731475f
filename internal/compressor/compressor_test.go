package compressor

import (
	"encoding/binary"
	"math"
	"math/rand"
	"testing"

	"github.com/OCAP2/killcam/internal/bitstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func putFloats(vals []float32) []byte {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return b
}

func getFloat(b []byte, at int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b[at:]))
}

// checkDictionary asserts the symbol list is sorted and the tree is a full
// binary tree over exactly the listed symbols.
func checkDictionary(t *testing.T, c *Compressor) {
	t.Helper()
	require.NotEmpty(t, c.symbols)
	assert.True(t, c.symbols[0].escape)
	for i := 1; i < len(c.symbols); i++ {
		assert.LessOrEqual(t, c.symbols[i-1].count, c.symbols[i].count)
		assert.Equal(t, i, c.symbols[i].index)
	}
	if c.root == nil {
		assert.Len(t, c.symbols, 1)
		return
	}
	values := map[int32]bool{}
	leaves := 0
	var walk func(n *dictNode)
	walk = func(n *dictNode) {
		if n.leaf() {
			leaves++
			if !n.escape {
				assert.False(t, values[n.value], "duplicate leaf %d", n.value)
				values[n.value] = true
			}
			return
		}
		require.NotNil(t, n.left)
		require.NotNil(t, n.right)
		assert.Same(t, n, n.left.parent)
		assert.Same(t, n, n.right.parent)
		assert.Equal(t, uint8(0), n.left.bit)
		assert.Equal(t, uint8(1), n.right.bit)
		walk(n.left)
		walk(n.right)
	}
	walk(c.root)
	assert.Equal(t, len(c.symbols), leaves)
}

func TestScenarioStraightLine(t *testing.T) {
	const samples = 100
	const scale = 40
	src := make([]float32, 0, samples*3)
	for i := 0; i < samples; i++ {
		f := float32(i)
		src = append(src, 10+0.13*f, -5+0.05*f, 2-0.021*f)
	}
	data := putFloats(src)

	buf := make([]byte, 4096)
	w := bitstream.NewWriter(buf)
	c := New(MaxNodes(samples), true)
	for axis := 0; axis < 3; axis++ {
		c.ResetDictionary(scale)
		require.NoError(t, c.Compress(w, Float, data, axis*4, 12, samples))
	}
	w.Align()
	require.NoError(t, w.Err())
	assert.Less(t, w.Len(), samples*12/4, "compressed to %d bytes", w.Len())

	out := make([]byte, len(data))
	r := bitstream.NewReader(w.Bytes())
	d := New(MaxNodes(samples), false)
	for axis := 0; axis < 3; axis++ {
		d.ResetDictionary(scale)
		require.NoError(t, d.Decompress(r, Float, out, axis*4, 12, samples))
	}
	for i := range src {
		assert.InDelta(t, src[i], getFloat(out, 4*i), 1.0/80+1e-5, "sample %d", i)
	}
}

func TestRoundTripQuantizers(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const n = 300

	t.Run("int16", func(t *testing.T) {
		data := make([]byte, 2*n)
		for i := 0; i < n; i++ {
			v := int16(rng.Intn(64) - 32)
			if i%50 == 0 {
				v = math.MinInt16
			}
			binary.LittleEndian.PutUint16(data[2*i:], uint16(v))
		}
		out := roundTrip(t, Int16, 1, data, 2, n)
		assert.Equal(t, data, out)
	})

	t.Run("byte", func(t *testing.T) {
		data := make([]byte, n)
		for i := range data {
			data[i] = byte(rng.Intn(256))
		}
		out := roundTrip(t, Byte, 1, data, 1, n)
		assert.Equal(t, data, out)
	})

	t.Run("float", func(t *testing.T) {
		vals := make([]float32, n)
		for i := range vals {
			vals[i] = float32(math.Sin(float64(i)/10)) + float32(rng.NormFloat64()*0.01)
		}
		out := roundTrip(t, Float, 800, putFloats(vals), 4, n)
		for i, v := range vals {
			assert.InDelta(t, v, getFloat(out, 4*i), 0.5/800+1e-6)
		}
	})

	t.Run("smoothed float", func(t *testing.T) {
		vals := make([]float32, n)
		for i := range vals {
			vals[i] = 3*float32(i)/n + float32(rng.NormFloat64()*0.02)
		}
		out := roundTrip(t, SmoothedFloat, 40, putFloats(vals), 4, n)
		for i, v := range vals {
			assert.InDelta(t, v, getFloat(out, 4*i), 1.0/40+1e-5)
		}
	})
}

func roundTrip(t *testing.T, q Quantizer, scale float32, data []byte, stride, count int) []byte {
	t.Helper()
	buf := make([]byte, 8*len(data)+16)
	w := bitstream.NewWriter(buf)
	c := New(MaxNodes(count), true)
	c.ResetDictionary(scale)
	require.NoError(t, c.Compress(w, q, data, 0, stride, count))
	checkDictionary(t, c)

	out := make([]byte, len(data))
	d := New(MaxNodes(count), false)
	d.ResetDictionary(scale)
	require.NoError(t, d.Decompress(bitstream.NewReader(w.Bytes()), q, out, 0, stride, count))
	checkDictionary(t, d)
	return out
}

func TestDictionaryStaysSorted(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	const n = 500
	data := make([]byte, 2*n)
	var v int16
	for i := 0; i < n; i++ {
		// a random walk revisits values unevenly
		v += int16([]int{0, 0, 0, 1, 1, -1, 2, 5, -7}[rng.Intn(9)])
		binary.LittleEndian.PutUint16(data[2*i:], uint16(v))
	}

	w := bitstream.NewWriter(make([]byte, 4*n))
	c := New(MaxNodes(n), true)
	for i := 0; i < n; i++ {
		require.NoError(t, c.Compress(w, Int16, data, 2*i, 2, 1))
		checkDictionary(t, c)
	}
}

func TestFirstDeltaIsNotBitCoded(t *testing.T) {
	data := []byte{5, 0}
	w := bitstream.NewWriter(make([]byte, 8))
	c := New(4, true)
	require.NoError(t, c.Compress(w, Int16, data, 0, 2, 1))
	assert.Equal(t, 5, w.BitLen())
	assert.NotNil(t, c.root)
}

func TestNodePoolExhausted(t *testing.T) {
	data := make([]byte, 20)
	for i := range data {
		data[i] = byte(i * i)
	}
	c := New(4, true)
	err := c.Compress(bitstream.NewWriter(make([]byte, 64)), Byte, data, 0, 1, len(data))
	assert.ErrorIs(t, err, ErrNodePoolExhausted)

	w := bitstream.NewWriter(make([]byte, 64))
	big := New(MaxNodes(len(data)), true)
	require.NoError(t, big.Compress(w, Byte, data, 0, 1, len(data)))

	d := New(4, false)
	err = d.Decompress(bitstream.NewReader(w.Bytes()), Byte, make([]byte, len(data)), 0, 1, len(data))
	assert.ErrorIs(t, err, ErrNodePoolExhausted)
}

func TestDecompressOverrun(t *testing.T) {
	data := []byte{1, 9, 4, 4, 4, 4, 200}
	w := bitstream.NewWriter(make([]byte, 16))
	c := New(MaxNodes(len(data)), true)
	require.NoError(t, c.Compress(w, Byte, data, 0, 1, len(data)))

	truncated := w.Bytes()[:1]
	d := New(MaxNodes(len(data)), false)
	err := d.Decompress(bitstream.NewReader(truncated), Byte, make([]byte, len(data)), 0, 1, len(data))
	assert.ErrorIs(t, err, bitstream.ErrOverrun)
}

func TestCompressBounds(t *testing.T) {
	c := New(8, true)
	err := c.Compress(bitstream.NewWriter(make([]byte, 8)), Float, make([]byte, 10), 0, 4, 3)
	assert.Error(t, err)
}

func TestRound(t *testing.T) {
	assert.Equal(t, int32(1), Round(0.0125, 40))
	assert.Equal(t, int32(0), Round(0.012, 40))
	assert.Equal(t, int32(-1), Round(-0.0126, 40))
	assert.Equal(t, int32(0), Round(-0.0124, 40))
	assert.Equal(t, int32(math.MaxInt32), Round(1e30, 1))
	assert.Equal(t, int32(0), Round(float32(math.NaN()), 1))
}

func TestSmoothStaysInCell(t *testing.T) {
	const scale = 10
	vals := []float32{0, 0.3, 0, 0.3, 0, 0.3, 0}
	data := putFloats(vals)
	SmoothedFloat.(Smoother).Smooth(data, 0, 4, len(vals), scale)
	for i, v := range vals {
		assert.InDelta(t, v, getFloat(data, 4*i), 0.5/scale+1e-6)
	}
	assert.Equal(t, float32(0), getFloat(data, 0))
	assert.Equal(t, float32(0), getFloat(data, 24))
	// the zigzag is flattened toward its neighbours
	assert.Less(t, getFloat(data, 4), float32(0.3))
}
