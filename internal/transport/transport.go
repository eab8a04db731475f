// Package transport moves kill cam chunks between clients and the relay.
//
// A Hub tracks the connected clients of one relay and implements the relay
// side of the forwarder. Concrete transports register a send function per
// client and hand every frame they read to Deliver. Frames are a marshalled
// streaming.Chunk; how they are delimited is up to the transport.
package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/OCAP2/killcam/internal/queue"
	"github.com/OCAP2/killcam/pkg/core"
	"github.com/OCAP2/killcam/pkg/streaming"
	"golang.org/x/time/rate"
)

var (
	ErrUnknownPeer = errors.New("unknown peer")
	ErrPeerBacklog = errors.New("peer send backlog full")
	ErrClosed      = errors.New("transport closed")
)

// Inbound is a chunk read from a client.
type Inbound struct {
	From  core.EntityID
	Chunk *streaming.Chunk
}

// Conn is the client side of a transport.
type Conn interface {
	// SendChunk queues c for the relay. The chunk is not retained.
	SendChunk(c *streaming.Chunk) error
	// Incoming holds the chunks received from the relay.
	Incoming() *queue.Queue[*streaming.Chunk]
	Close() error
}

// HubConfig holds the relay side limits.
type HubConfig struct {
	// MaxChunksPerSecond caps what a single client may push. Zero disables
	// the limit.
	MaxChunksPerSecond int
	// QueueSize bounds the inbound queue drained by the tick loop.
	QueueSize int
}

// Peer is one attached client.
type Peer struct {
	ID      core.EntityID
	send    func(frame []byte) bool
	limiter *rate.Limiter
}

// Hub implements forwarder.Relay over any set of attached peers.
type Hub struct {
	mu      sync.RWMutex
	peers   map[core.EntityID]*Peer
	inbound *queue.Queue[Inbound]
	gone    *queue.Queue[core.EntityID]
	limit   rate.Limit
	burst   int
	logger  *slog.Logger
}

func NewHub(cfg HubConfig, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		peers:   make(map[core.EntityID]*Peer),
		inbound: queue.New[Inbound](cfg.QueueSize),
		gone:    queue.New[core.EntityID](0),
		limit:   rate.Inf,
		logger:  logger,
	}
	if cfg.MaxChunksPerSecond > 0 {
		h.limit = rate.Limit(cfg.MaxChunksPerSecond)
		h.burst = cfg.MaxChunksPerSecond
	}
	return h
}

// Attach registers a client. send must not block; it reports false when the
// frame could not be queued. A client reconnecting under the same id
// replaces the old peer.
func (h *Hub) Attach(id core.EntityID, send func(frame []byte) bool) *Peer {
	p := &Peer{ID: id, send: send, limiter: rate.NewLimiter(h.limit, h.burst)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[id]; ok {
		h.logger.Warn("Client reconnected, replacing peer", "entity", id)
	}
	h.peers[id] = p
	return p
}

// Detach removes p unless it has already been replaced.
func (h *Hub) Detach(p *Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.peers[p.ID] == p {
		delete(h.peers, p.ID)
		h.gone.Push(p.ID)
	}
}

// Departed returns the ids of detached clients, for the tick loop to drop
// their relay state.
func (h *Hub) Departed() *queue.Queue[core.EntityID] { return h.gone }

// Clients returns the number of attached peers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Inbound returns the queue of chunks read from clients.
func (h *Hub) Inbound() *queue.Queue[Inbound] { return h.inbound }

// Deliver parses a frame read from p and queues it. The frame must not be
// reused by the caller.
func (h *Hub) Deliver(p *Peer, frame []byte) {
	c, err := streaming.Unmarshal(frame)
	if err != nil {
		h.logger.Warn("Dropping malformed chunk", "entity", p.ID, "error", err)
		return
	}
	if !p.limiter.Allow() {
		h.logger.Debug("Client over chunk rate, dropping", "entity", p.ID)
		return
	}
	if !h.inbound.Push(Inbound{From: p.ID, Chunk: c}) {
		h.logger.Warn("Inbound chunk queue full, dropping", "entity", p.ID)
	}
}

// SendTo sends c to one client.
func (h *Hub) SendTo(to core.EntityID, c *streaming.Chunk) error {
	h.mu.RLock()
	p, ok := h.peers[to]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, to)
	}
	frame, err := c.Marshal()
	if err != nil {
		return err
	}
	if !p.send(frame) {
		return fmt.Errorf("%w: %d", ErrPeerBacklog, to)
	}
	return nil
}

// Broadcast sends c to every client but except. Peers with a full backlog
// are skipped.
func (h *Hub) Broadcast(except core.EntityID, c *streaming.Chunk) error {
	frame, err := c.Marshal()
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, p := range h.peers {
		if id == except {
			continue
		}
		if !p.send(frame) {
			h.logger.Warn("Peer backlog full, skipping broadcast chunk", "entity", id)
		}
	}
	return nil
}
