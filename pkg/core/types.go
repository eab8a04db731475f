// pkg/core/types.go
package core

import "fmt"

// EntityID identifies a game entity. Players are addressed on the network by
// their entity id.
type EntityID uint16

// Vec3 is a position or direction in world space.
type Vec3 [3]float32

// Quat is a rotation quaternion stored as X, Y, Z, W.
type Quat [4]float32

// PacketType tags a recording packet. Type 0 is reserved as the end-of-stream
// marker and types never use the top bit, which marks block headers on the wire.
type PacketType uint8

const (
	TypeFrame           PacketType = 0x01
	TypeFirstPersonChar PacketType = 0x02
	TypeVictimPosition  PacketType = 0x03
	TypeKillHitPosition PacketType = 0x04
	TypeEntityLocation  PacketType = 0x05
	TypeEntitySpawn     PacketType = 0x06
	TypeEntityRemoved   PacketType = 0x07
	TypeWeaponSelect    PacketType = 0x08
	TypeBulletTrail     PacketType = 0x09
	TypeSound           PacketType = 0x0A
	TypeHealthEffect    PacketType = 0x0B
	TypeCorpse          PacketType = 0x0C

	// MaxPacketType is the highest registered packet type.
	MaxPacketType = TypeCorpse
)

// Stream selects which half of a kill cam a packet belongs to.
type Stream uint8

const (
	StreamFirstPerson Stream = 1
	StreamThirdPerson Stream = 2
)

func (s Stream) String() string {
	switch s {
	case StreamFirstPerson:
		return "first_person"
	case StreamThirdPerson:
		return "third_person"
	default:
		return fmt.Sprintf("stream(%d)", uint8(s))
	}
}

var packetTypeNames = map[PacketType]string{
	TypeFrame:           "frame",
	TypeFirstPersonChar: "first_person_char",
	TypeVictimPosition:  "victim_position",
	TypeKillHitPosition: "kill_hit_position",
	TypeEntityLocation:  "entity_location",
	TypeEntitySpawn:     "entity_spawn",
	TypeEntityRemoved:   "entity_removed",
	TypeWeaponSelect:    "weapon_select",
	TypeBulletTrail:     "bullet_trail",
	TypeSound:           "sound",
	TypeHealthEffect:    "health_effect",
	TypeCorpse:          "corpse",
}

func (t PacketType) String() string {
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("packet(%d)", uint8(t))
}

// Valid reports whether t is a registered packet type.
func (t PacketType) Valid() bool {
	return t >= TypeFrame && t <= MaxPacketType
}

// Stream returns the kill cam half the packet type is recorded into. Kill
// hits belong to the third person half, which is compressed afresh for every
// victim.
func (t PacketType) Stream() Stream {
	switch t {
	case TypeFrame, TypeFirstPersonChar, TypeHealthEffect:
		return StreamFirstPerson
	default:
		return StreamThirdPerson
	}
}
