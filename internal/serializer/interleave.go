package serializer

import (
	"cmp"
	"slices"

	"github.com/OCAP2/killcam/pkg/core"
)

func interleaveClass(t core.PacketType) int {
	switch t {
	case core.TypeFirstPersonChar:
		return 0
	case core.TypeVictimPosition:
		return 1
	default:
		return 2
	}
}

// Interleave restores playback order in place: first person character
// records in their decoded order, then the victim track, then every other
// record ordered by frame time and type.
func Interleave(packets []core.Packet) {
	slices.SortStableFunc(packets, func(a, b core.Packet) int {
		ca, cb := interleaveClass(a.Type()), interleaveClass(b.Type())
		if ca != cb || ca < 2 {
			return cmp.Compare(ca, cb)
		}
		if c := cmp.Compare(a.FrameTime(), b.FrameTime()); c != 0 {
			return c
		}
		return cmp.Compare(a.Type(), b.Type())
	})
}

// Merge concatenates decoded packets into one contiguous buffer.
func Merge(packets []core.Packet) []byte {
	n := 0
	for _, p := range packets {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range packets {
		out = append(out, p...)
	}
	return out
}
