package model

import (
	"time"

	geom "github.com/peterstace/simplefeatures/geom"
	"gorm.io/datatypes"
)

////////////////////////
// DATABASE STRUCTURES //
////////////////////////

// DatabaseModels lists every table of the kill cam archive.
var DatabaseModels = []interface{}{
	&RelayInfo{},
	&KillCamArchive{},
}

// RelayInfo identifies the relay that wrote an archive database.
type RelayInfo struct {
	ID          uint      `json:"id" gorm:"primarykey"`
	ServiceName string    `json:"serviceName" gorm:"size:127"`
	Protocol    string    `json:"protocol" gorm:"size:32"`
	StartedAt   time.Time `json:"startedAt"`
}

func (*RelayInfo) TableName() string {
	return "relay_infos"
}

// KillCamArchive is one reassembled kill cam. The compressed stream regions
// are stored as received so the kill cam can be decoded and replayed again.
type KillCamArchive struct {
	ID             uint            `json:"id" gorm:"primarykey"`
	CreatedAt      time.Time       `json:"createdAt"`
	ReceivedAt     time.Time       `json:"receivedAt" gorm:"index:idx_killcam_received_at"`
	Sender         uint16          `json:"sender" gorm:"index:idx_killcam_sender"`
	Victim         uint16          `json:"victim" gorm:"index:idx_killcam_victim"`
	Broadcast      bool            `json:"broadcast"`
	FirstPerson    []byte          `json:"firstPerson"`
	ThirdPerson    []byte          `json:"thirdPerson"`
	Packets        int             `json:"packets"`
	Duration       float32         `json:"duration"`
	Truncated      bool            `json:"truncated"`
	KillPosition   geom.Point      `json:"killPosition"`
	KillerPosition geom.Point      `json:"killerPosition"`
	Distance       float64         `json:"distance"`
	VictimTrack    geom.LineString `json:"victimTrack"`
	Metadata       datatypes.JSON  `json:"metadata"`
}

func (*KillCamArchive) TableName() string {
	return "killcam_archives"
}
