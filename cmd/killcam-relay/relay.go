package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/OCAP2/killcam/internal/client"
	"github.com/OCAP2/killcam/internal/forwarder"
	"github.com/OCAP2/killcam/internal/transport"
	"github.com/OCAP2/killcam/pkg/core"
)

const tickRate = 30

// relay moves chunks from the hub into the forwarder on a fixed tick.
type relay struct {
	hub       *transport.Hub
	fw        *forwarder.Forwarder
	spectator *client.Session
	logger    *slog.Logger
	start     time.Time

	inbound  []transport.Inbound
	departed []core.EntityID
}

func newRelay(hub *transport.Hub, fw *forwarder.Forwarder, spectator *client.Session, logger *slog.Logger) *relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &relay{
		hub:       hub,
		fw:        fw,
		spectator: spectator,
		logger:    logger,
		start:     time.Now(),
	}
}

// tick runs one relay frame at frame time now.
func (r *relay) tick(now float32) {
	r.inbound = r.hub.Inbound().Drain(r.inbound[:0])
	for _, in := range r.inbound {
		r.fw.HandleChunk(in.From, in.Chunk)
	}
	clear(r.inbound)

	r.departed = r.hub.Departed().Drain(r.departed[:0])
	for _, id := range r.departed {
		r.logger.Debug("Client left, dropping its forward state", "entity", id)
		r.fw.Forget(id)
	}

	r.fw.Update(now)
	if r.spectator != nil {
		r.spectator.Update(now)
	}
}

// run ticks until ctx is done.
func (r *relay) run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / tickRate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-ticker.C:
			r.tick(float32(t.Sub(r.start).Seconds()))
		}
	}
}
