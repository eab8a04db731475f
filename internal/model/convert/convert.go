// Package convert turns kill cams into archive rows.
package convert

import (
	"encoding/json"

	"github.com/OCAP2/killcam/internal/geo"
	"github.com/OCAP2/killcam/internal/model"
	"github.com/OCAP2/killcam/pkg/core"
	"gorm.io/datatypes"
)

// Metadata is the JSON summary stored with every archived kill cam.
type Metadata struct {
	PacketCounts map[string]int        `json:"packetCounts"`
	KillHit      *core.KillHitPosition `json:"killHit,omitempty"`
}

// KillCamToArchive converts a received kill cam to its archive row.
func KillCamToArchive(kc *core.KillCam) model.KillCamArchive {
	a := model.KillCamArchive{
		ReceivedAt:  kc.ReceivedAt,
		Sender:      uint16(kc.Sender),
		Victim:      uint16(kc.Victim),
		Broadcast:   kc.Broadcast,
		FirstPerson: kc.FirstPerson,
		ThirdPerson: kc.ThirdPerson,
		Packets:     len(kc.Packets),
		Duration:    kc.Duration(),
		Truncated:   kc.Truncated,
		VictimTrack: geo.VictimTrack(kc),
		Metadata:    metadataJSON(kc),
	}
	a.KillPosition, _ = geo.KillPosition(kc)
	a.KillerPosition, _ = geo.KillerPosition(kc)
	a.Distance = geo.Distance(a.KillerPosition, a.KillPosition)
	return a
}

func metadataJSON(kc *core.KillCam) datatypes.JSON {
	md := Metadata{
		PacketCounts: make(map[string]int),
		KillHit:      kc.KillHit,
	}
	for _, p := range kc.Packets {
		md.PacketCounts[p.Type().String()]++
	}
	data, err := json.Marshal(md)
	if err != nil {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(data)
}
