package transport

import (
	"sync/atomic"

	"github.com/OCAP2/killcam/internal/queue"
	"github.com/OCAP2/killcam/pkg/core"
	"github.com/OCAP2/killcam/pkg/streaming"
)

// Loopback is an in-process client attached directly to a hub.
type Loopback struct {
	hub      *Hub
	peer     *Peer
	incoming *queue.Queue[*streaming.Chunk]
	closed   atomic.Bool
}

// Connect attaches an in-process client for id.
func (h *Hub) Connect(id core.EntityID, queueSize int) *Loopback {
	l := &Loopback{hub: h, incoming: queue.New[*streaming.Chunk](queueSize)}
	l.peer = h.Attach(id, func(frame []byte) bool {
		c, err := streaming.Unmarshal(frame)
		if err != nil {
			return false
		}
		return l.incoming.Push(c)
	})
	return l
}

func (l *Loopback) SendChunk(c *streaming.Chunk) error {
	if l.closed.Load() {
		return ErrClosed
	}
	frame, err := c.Marshal()
	if err != nil {
		return err
	}
	l.hub.Deliver(l.peer, frame)
	return nil
}

func (l *Loopback) Incoming() *queue.Queue[*streaming.Chunk] { return l.incoming }

func (l *Loopback) Close() error {
	if l.closed.CompareAndSwap(false, true) {
		l.hub.Detach(l.peer)
	}
	return nil
}
