package streaming

import (
	"bytes"
	"fmt"

	"github.com/OCAP2/killcam/pkg/core"
	"github.com/lunixbochs/struc"
)

// SendingStateSize is the encoded size of SendingState.
const SendingStateSize = 12

// SendingState frames one compressed blob inside the sender's ring. The blob
// itself follows the header in the same ring allocation. A Forward state has
// no blob: DataSize is zero and Count names the chunks to replay.
type SendingState struct {
	Kind     Kind
	ID       uint8
	Offset   uint8
	Flags    uint8
	Victim   core.EntityID
	Count    uint8
	Pad      uint8
	DataSize uint32
}

func (s *SendingState) Final() bool     { return s.Flags&FlagFinal != 0 }
func (s *SendingState) Broadcast() bool { return s.Flags&FlagBroadcast != 0 }

// MarshalTo packs the state into b, which must hold SendingStateSize bytes.
func (s *SendingState) MarshalTo(b []byte) error {
	var buf bytes.Buffer
	buf.Grow(SendingStateSize)
	if err := struc.PackWithOptions(&buf, s, packOptions); err != nil {
		return fmt.Errorf("pack sending state: %w", err)
	}
	if copy(b, buf.Bytes()) != SendingStateSize {
		return fmt.Errorf("%w: sending state buffer %d bytes", ErrBadChunk, len(b))
	}
	return nil
}

// UnmarshalSendingState reads a state packed by MarshalTo.
func UnmarshalSendingState(b []byte) (*SendingState, error) {
	if len(b) < SendingStateSize {
		return nil, ErrShortChunk
	}
	s := &SendingState{}
	if err := struc.UnpackWithOptions(bytes.NewReader(b[:SendingStateSize]), s, packOptions); err != nil {
		return nil, fmt.Errorf("unpack sending state: %w", err)
	}
	return s, nil
}
