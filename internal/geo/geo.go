// Package geo turns kill cam positions into simplefeatures geometries for the
// archive. Geometry is stored as WKB, which both sqlite and postgres accept.
package geo

import (
	"math"

	"github.com/OCAP2/killcam/pkg/core"
	geom "github.com/peterstace/simplefeatures/geom"
)

// Point converts a world position into an XYZ point.
func Point(v core.Vec3) geom.Point {
	return geom.NewPoint(geom.Coordinates{
		XY:   geom.XY{X: float64(v[0]), Y: float64(v[1])},
		Z:    float64(v[2]),
		Type: geom.DimXYZ,
	})
}

// Distance returns the 3D distance between two points, or 0 if either is
// empty.
func Distance(a, b geom.Point) float64 {
	ca, ok := a.Coordinates()
	if !ok {
		return 0
	}
	cb, ok := b.Coordinates()
	if !ok {
		return 0
	}
	dx, dy, dz := ca.X-cb.X, ca.Y-cb.Y, ca.Z-cb.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// VictimTrack returns the victim position samples of kc as a line string.
// Fewer than two samples give an empty line string.
func VictimTrack(kc *core.KillCam) geom.LineString {
	var flat []float64
	for _, p := range kc.Packets {
		if p.Type() != core.TypeVictimPosition {
			continue
		}
		r, err := core.Decode(p)
		if err != nil {
			continue
		}
		pos := r.(*core.VictimPosition).Pos
		flat = append(flat, float64(pos[0]), float64(pos[1]), float64(pos[2]))
	}
	if len(flat) < 6 {
		return geom.LineString{}
	}
	return geom.NewLineString(geom.NewSequence(flat, geom.DimXYZ))
}

// KillPosition returns where the killing shot hit: the victim position
// sampled last at or before the kill plus the recorded hit offset. It
// reports false when kc carries no kill hit or no victim position.
func KillPosition(kc *core.KillCam) (geom.Point, bool) {
	if kc.KillHit == nil {
		return geom.NewEmptyPoint(geom.DimXYZ), false
	}
	victim, ok := sampleAt(kc, core.TypeVictimPosition, kc.KillHit.FrameTime)
	if !ok {
		return geom.NewEmptyPoint(geom.DimXYZ), false
	}
	hit := kc.KillHit.Hit
	return Point(core.Vec3{victim[0] + hit[0], victim[1] + hit[1], victim[2] + hit[2]}), true
}

// KillerPosition returns the killer's first person position at the kill.
func KillerPosition(kc *core.KillCam) (geom.Point, bool) {
	if kc.KillHit == nil {
		return geom.NewEmptyPoint(geom.DimXYZ), false
	}
	pos, ok := sampleAt(kc, core.TypeFirstPersonChar, kc.KillHit.FrameTime)
	if !ok {
		return geom.NewEmptyPoint(geom.DimXYZ), false
	}
	return Point(pos), true
}

// sampleAt finds the position of the last packet of type t at or before at,
// falling back to the first one when all are later.
func sampleAt(kc *core.KillCam, t core.PacketType, at float32) (core.Vec3, bool) {
	var pos core.Vec3
	found := false
	for _, p := range kc.Packets {
		if p.Type() != t {
			continue
		}
		if found && p.FrameTime() > at {
			break
		}
		r, err := core.Decode(p)
		if err != nil {
			continue
		}
		switch r := r.(type) {
		case *core.VictimPosition:
			pos = r.Pos
		case *core.FirstPersonChar:
			pos = r.Pos
		default:
			continue
		}
		found = true
	}
	return pos, found
}
