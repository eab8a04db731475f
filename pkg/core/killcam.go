// pkg/core/killcam.go
package core

import "time"

// KillCam is a fully reassembled kill cam as delivered to playback or the
// archive. FirstPerson and ThirdPerson hold the compressed stream regions,
// Packets the decoded and interleaved records.
type KillCam struct {
	Sender      EntityID         `json:"sender"`
	Victim      EntityID         `json:"victim"`
	Broadcast   bool             `json:"broadcast"`
	ReceivedAt  time.Time        `json:"receivedAt"`
	FirstPerson []byte           `json:"firstPerson"`
	ThirdPerson []byte           `json:"thirdPerson"`
	Packets     []Packet         `json:"-"`
	KillHit     *KillHitPosition `json:"killHit,omitempty"`
	Truncated   bool             `json:"truncated,omitempty"`
}

// Duration returns the span of frame time covered by the decoded packets.
func (k *KillCam) Duration() float32 {
	if len(k.Packets) == 0 {
		return 0
	}
	lo, hi := k.Packets[0].FrameTime(), k.Packets[0].FrameTime()
	for _, p := range k.Packets[1:] {
		ft := p.FrameTime()
		if ft < lo {
			lo = ft
		}
		if ft > hi {
			hi = ft
		}
	}
	return hi - lo
}
