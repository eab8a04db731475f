// pkg/core/records.go
package core

// Header starts every recording packet. Size includes the header and is always
// a multiple of four.
type Header struct {
	Type uint8
	Pad  uint8
	Size uint16
}

func (h *Header) header() *Header { return h }

// Frame marks the start of a recorded frame.
type Frame struct {
	Header
	FrameTime float32
}

// FirstPersonChar is the killer's camera pose for one frame.
type FirstPersonChar struct {
	Header
	FrameTime float32
	Pos       Vec3
	Rot       Quat
	FOV       float32
	Health    int16
	Flags     uint8
	Pad       uint8
}

// VictimPosition is one sample of the victim's position track.
type VictimPosition struct {
	Header
	FrameTime float32
	Pos       Vec3
}

// KillHitPosition records where the killing shot hit, relative to the victim.
type KillHitPosition struct {
	Header
	FrameTime float32
	Victim    EntityID
	Killer    EntityID
	Hit       Vec3
}

// EntityLocation is a third person character or object pose.
type EntityLocation struct {
	Header
	FrameTime float32
	Entity    EntityID
	Flags     uint8
	Pad       uint8
	Pos       Vec3
	Rot       Quat
}

// EntitySpawn records an entity entering the world.
type EntitySpawn struct {
	Header
	FrameTime float32
	Entity    EntityID
	Class     uint16
	Team      uint8
	Pad       [3]uint8
	Pos       Vec3
	Yaw       float32
}

// EntityRemoved records an entity leaving the world.
type EntityRemoved struct {
	Header
	FrameTime float32
	Entity    EntityID
	Pad       uint16
}

// WeaponSelect records an entity switching weapons.
type WeaponSelect struct {
	Header
	FrameTime float32
	Owner     EntityID
	Weapon    uint16
	Ripped    uint8
	Pad       [3]uint8
}

// BulletTrail is a tracer drawn between two points.
type BulletTrail struct {
	Header
	FrameTime float32
	Start     Vec3
	End       Vec3
}

// Sound is a positional sound event.
type Sound struct {
	Header
	FrameTime float32
	Sound     uint16
	Volume    uint8
	Pad       uint8
	Pos       Vec3
}

// HealthEffect is the killer's screen damage effect.
type HealthEffect struct {
	Header
	FrameTime float32
	Dir       Vec3
	Strength  float32
}

// Corpse records a ragdoll settling.
type Corpse struct {
	Header
	FrameTime float32
	Entity    EntityID
	Pad       uint16
	Pos       Vec3
}

func (*Frame) PacketType() PacketType           { return TypeFrame }
func (*FirstPersonChar) PacketType() PacketType { return TypeFirstPersonChar }
func (*VictimPosition) PacketType() PacketType  { return TypeVictimPosition }
func (*KillHitPosition) PacketType() PacketType { return TypeKillHitPosition }
func (*EntityLocation) PacketType() PacketType  { return TypeEntityLocation }
func (*EntitySpawn) PacketType() PacketType     { return TypeEntitySpawn }
func (*EntityRemoved) PacketType() PacketType   { return TypeEntityRemoved }
func (*WeaponSelect) PacketType() PacketType    { return TypeWeaponSelect }
func (*BulletTrail) PacketType() PacketType     { return TypeBulletTrail }
func (*Sound) PacketType() PacketType           { return TypeSound }
func (*HealthEffect) PacketType() PacketType    { return TypeHealthEffect }
func (*Corpse) PacketType() PacketType          { return TypeCorpse }

// newRecord returns an empty record for t, or nil for unknown types.
func newRecord(t PacketType) Record {
	switch t {
	case TypeFrame:
		return &Frame{}
	case TypeFirstPersonChar:
		return &FirstPersonChar{}
	case TypeVictimPosition:
		return &VictimPosition{}
	case TypeKillHitPosition:
		return &KillHitPosition{}
	case TypeEntityLocation:
		return &EntityLocation{}
	case TypeEntitySpawn:
		return &EntitySpawn{}
	case TypeEntityRemoved:
		return &EntityRemoved{}
	case TypeWeaponSelect:
		return &WeaponSelect{}
	case TypeBulletTrail:
		return &BulletTrail{}
	case TypeSound:
		return &Sound{}
	case TypeHealthEffect:
		return &HealthEffect{}
	case TypeCorpse:
		return &Corpse{}
	default:
		return nil
	}
}
