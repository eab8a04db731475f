package compressor

import (
	"encoding/binary"
	"math"
)

// Quantizer maps one field's native encoding to an integer domain and back.
// The compressor codes the deltas between successive quantized values.
type Quantizer interface {
	// Size is the field width in bytes.
	Size() int
	Quantise(src []byte, scale float32) int32
	Dequantise(dst []byte, v int32, scale float32)
	Delta(prev, cur int32) int32
	ApplyDelta(prev, delta int32) int32
}

// Smoother is implemented by quantizers that low-pass filter a decoded span.
// Smoothing never moves a value further than half a quantization step from
// its dequantized value.
type Smoother interface {
	Smooth(data []byte, offset, stride, count int, scale float32)
}

// Field codecs.
var (
	Int16         Quantizer = int16Quantizer{}
	Byte          Quantizer = byteQuantizer{}
	Float         Quantizer = floatQuantizer{}
	SmoothedFloat Quantizer = smoothedFloatQuantizer{}
)

type delta struct{}

func (delta) Delta(prev, cur int32) int32    { return cur - prev }
func (delta) ApplyDelta(prev, d int32) int32 { return prev + d }

type int16Quantizer struct{ delta }

func (int16Quantizer) Size() int { return 2 }

func (int16Quantizer) Quantise(src []byte, _ float32) int32 {
	return int32(int16(binary.LittleEndian.Uint16(src)))
}

func (int16Quantizer) Dequantise(dst []byte, v int32, _ float32) {
	binary.LittleEndian.PutUint16(dst, uint16(int16(v)))
}

type byteQuantizer struct{ delta }

func (byteQuantizer) Size() int { return 1 }

func (byteQuantizer) Quantise(src []byte, _ float32) int32 { return int32(src[0]) }

func (byteQuantizer) Dequantise(dst []byte, v int32, _ float32) { dst[0] = byte(v) }

type floatQuantizer struct{ delta }

func (floatQuantizer) Size() int { return 4 }

func (floatQuantizer) Quantise(src []byte, scale float32) int32 {
	return Round(math.Float32frombits(binary.LittleEndian.Uint32(src)), scale)
}

func (floatQuantizer) Dequantise(dst []byte, v int32, scale float32) {
	binary.LittleEndian.PutUint32(dst, math.Float32bits(float32(v)/scale))
}

type smoothedFloatQuantizer struct{ floatQuantizer }

// smoothIterations is the number of string pulling passes.
const smoothIterations = 4

// Smooth pulls every interior value toward the midpoint of its neighbours,
// clamped to the quantization cell it was decoded from. End points are fixed.
func (smoothedFloatQuantizer) Smooth(data []byte, offset, stride, count int, scale float32) {
	if count < 3 || scale <= 0 {
		return
	}
	half := 0.5 / float64(scale)
	vals := make([]float64, count)
	for i := range vals {
		at := offset + i*stride
		vals[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(data[at:])))
	}
	lo := make([]float64, count)
	hi := make([]float64, count)
	for i, v := range vals {
		lo[i], hi[i] = v-half, v+half
	}
	for range smoothIterations {
		for i := 1; i < count-1; i++ {
			mid := (vals[i-1] + vals[i+1]) / 2
			vals[i] = math.Min(math.Max(mid, lo[i]), hi[i])
		}
	}
	for i := 1; i < count-1; i++ {
		at := offset + i*stride
		binary.LittleEndian.PutUint32(data[at:], math.Float32bits(float32(vals[i])))
	}
}

// Round quantizes x to the nearest multiple of 1/scale, saturating at the
// int32 range. NaN quantizes to zero.
func Round(x, scale float32) int32 {
	v := math.Floor(float64(x)*float64(scale) + 0.5)
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt32:
		return math.MaxInt32
	case v <= math.MinInt32:
		return math.MinInt32
	}
	return int32(v)
}
