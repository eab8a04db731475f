// Package compressor implements an adaptive Huffman coder over quantized
// delta sequences.
//
// Each field is compressed as a run of deltas between successive quantized
// values. The dictionary keeps its symbols sorted by ascending frequency and
// rebuilds the code tree whenever a new symbol appears and on every 16th
// symbol otherwise. Compressor and decompressor apply the same bookkeeping, so
// their trees stay identical without ever being transmitted.
package compressor

import (
	"errors"
	"fmt"

	"github.com/OCAP2/killcam/internal/bitstream"
)

// rebuildInterval is the number of symbols between periodic tree rebuilds.
const rebuildInterval = 16

// ErrNodePoolExhausted is returned when the dictionary needs more nodes than
// the compressor was sized for.
var ErrNodePoolExhausted = errors.New("compressor: node pool exhausted")

type dictNode struct {
	count uint32
	value int32
	// escape marks the new-symbol node.
	escape bool

	parent      *dictNode
	bit         uint8
	left, right *dictNode

	// index in the symbol list, leaves only
	index int
}

func (n *dictNode) leaf() bool { return n.left == nil }

// Compressor holds one adaptive dictionary. It is not safe for concurrent use.
type Compressor struct {
	maxNodes    int
	compressing bool

	leaves  []dictNode
	inner   []dictNode
	symbols []*dictNode
	lookup  map[int32]*dictNode
	root    *dictNode
	escape  *dictNode
	scale   float32
	seen    int

	path []uint8
}

// New returns a compressor whose dictionary holds at most maxNodes nodes.
// Only a compressing instance maintains the delta lookup table.
func New(maxNodes int, compressing bool) *Compressor {
	if maxNodes < 1 {
		maxNodes = 1
	}
	c := &Compressor{
		maxNodes:    maxNodes,
		compressing: compressing,
		leaves:      make([]dictNode, 0, maxNodes),
		inner:       make([]dictNode, 0, maxNodes),
		symbols:     make([]*dictNode, 0, maxNodes),
	}
	if compressing {
		c.lookup = make(map[int32]*dictNode)
	}
	c.ResetDictionary(1)
	return c
}

// ResetDictionary forgets every symbol and sets the quantization scale for the
// next Compress or Decompress call. The bit stream is left untouched.
func (c *Compressor) ResetDictionary(scale float32) {
	c.leaves = c.leaves[:0]
	c.inner = c.inner[:0]
	c.symbols = c.symbols[:0]
	if c.compressing {
		clear(c.lookup)
	}
	c.leaves = append(c.leaves, dictNode{escape: true})
	c.escape = &c.leaves[0]
	c.symbols = append(c.symbols, c.escape)
	c.root = nil
	c.seen = 0
	c.scale = scale
}

// Scale returns the active quantization scale.
func (c *Compressor) Scale() float32 { return c.scale }

// Compress quantizes count elements of data, starting at offset and spaced by
// stride, and writes their deltas to w.
func (c *Compressor) Compress(w *bitstream.Writer, q Quantizer, data []byte, offset, stride, count int) error {
	if c.lookup == nil {
		c.lookup = make(map[int32]*dictNode)
		c.compressing = true
	}
	size := q.Size()
	if count > 0 && offset+(count-1)*stride+size > len(data) {
		return fmt.Errorf("compress: %d elements of stride %d at %d exceed %d bytes", count, stride, offset, len(data))
	}
	var prev int32
	for i := 0; i < count; i++ {
		at := offset + i*stride
		v := q.Quantise(data[at:at+size], c.scale)
		if err := c.encode(w, q.Delta(prev, v)); err != nil {
			return err
		}
		prev = v
	}
	return w.Err()
}

// Decompress reads count deltas from r and writes the dequantized values into
// data. Quantizers implementing Smoother are smoothed over the whole span.
func (c *Compressor) Decompress(r *bitstream.Reader, q Quantizer, data []byte, offset, stride, count int) error {
	size := q.Size()
	if count > 0 && offset+(count-1)*stride+size > len(data) {
		return fmt.Errorf("decompress: %d elements of stride %d at %d exceed %d bytes", count, stride, offset, len(data))
	}
	var prev int32
	for i := 0; i < count; i++ {
		d, err := c.decode(r)
		if err != nil {
			return err
		}
		prev = q.ApplyDelta(prev, d)
		at := offset + i*stride
		q.Dequantise(data[at:at+size], prev, c.scale)
	}
	if err := r.Err(); err != nil {
		return err
	}
	if s, ok := q.(Smoother); ok && count > 2 {
		s.Smooth(data, offset, stride, count, c.scale)
	}
	return nil
}

func (c *Compressor) encode(w *bitstream.Writer, delta int32) error {
	node, ok := c.lookup[delta]
	if !ok {
		if c.root != nil {
			c.writePath(w, c.escape)
		}
		w.WriteVLC(delta)
		if err := w.Err(); err != nil {
			return err
		}
		return c.addSymbol(delta)
	}
	c.writePath(w, node)
	if err := w.Err(); err != nil {
		return err
	}
	return c.touch(node)
}

func (c *Compressor) decode(r *bitstream.Reader) (int32, error) {
	node := c.escape
	if c.root != nil {
		node = c.root
		for !node.leaf() {
			if r.ReadBit() {
				node = node.right
			} else {
				node = node.left
			}
		}
		if err := r.Err(); err != nil {
			return 0, err
		}
	}
	if node.escape {
		delta := r.ReadVLC()
		if err := r.Err(); err != nil {
			return 0, err
		}
		return delta, c.addSymbol(delta)
	}
	return node.value, c.touch(node)
}

// writePath emits the root to leaf branch choices for n.
func (c *Compressor) writePath(w *bitstream.Writer, n *dictNode) {
	c.path = c.path[:0]
	for ; n.parent != nil; n = n.parent {
		c.path = append(c.path, n.bit)
	}
	for i := len(c.path) - 1; i >= 0; i-- {
		w.WriteBit(c.path[i] == 1)
	}
}

func (c *Compressor) addSymbol(delta int32) error {
	if len(c.leaves)+len(c.inner) >= c.maxNodes {
		return ErrNodePoolExhausted
	}
	c.leaves = append(c.leaves, dictNode{value: delta})
	n := &c.leaves[len(c.leaves)-1]
	if c.compressing {
		c.lookup[delta] = n
	}
	// The escape node always holds the head with count zero.
	c.symbols = append(c.symbols, nil)
	copy(c.symbols[2:], c.symbols[1:])
	c.symbols[1] = n
	for i := 1; i < len(c.symbols); i++ {
		c.symbols[i].index = i
	}
	c.seen++
	return c.increment(n, true)
}

func (c *Compressor) touch(n *dictNode) error {
	c.seen++
	return c.increment(n, false)
}

// increment bumps n's frequency, moves it forward past strictly lower counts
// and rebuilds the tree when the shape must change or a rebuild is due.
func (c *Compressor) increment(n *dictNode, added bool) error {
	if n.count < ^uint32(0) {
		n.count++
	}
	i := n.index
	for i+1 < len(c.symbols) && c.symbols[i+1].count < n.count {
		c.symbols[i] = c.symbols[i+1]
		c.symbols[i].index = i
		i++
	}
	c.symbols[i] = n
	n.index = i

	if added || c.seen%rebuildInterval == 0 {
		return c.rebuild()
	}
	return nil
}

// rebuild builds the code tree bottom-up by merging the sorted symbol list
// with the queue of inner nodes, lower count first and the symbol list on ties.
func (c *Compressor) rebuild() error {
	c.inner = c.inner[:0]
	c.root = nil
	if len(c.symbols) < 2 {
		return nil
	}
	s, q := 0, 0
	next := func() *dictNode {
		if s < len(c.symbols) && (q >= len(c.inner) || c.symbols[s].count <= c.inner[q].count) {
			s++
			return c.symbols[s-1]
		}
		q++
		return &c.inner[q-1]
	}
	for (len(c.symbols)-s)+(len(c.inner)-q) > 1 {
		if len(c.leaves)+len(c.inner) >= c.maxNodes {
			return ErrNodePoolExhausted
		}
		a, b := next(), next()
		c.inner = append(c.inner, dictNode{count: a.count + b.count, left: a, right: b})
		parent := &c.inner[len(c.inner)-1]
		a.parent, a.bit = parent, 0
		b.parent, b.bit = parent, 1
	}
	c.root = &c.inner[len(c.inner)-1]
	c.root.parent = nil
	return nil
}

// MaxNodes returns the pool size needed to code up to n elements per field.
func MaxNodes(n int) int {
	return 2*n + 2
}
