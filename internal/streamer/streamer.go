// Package streamer reassembles kill cam chunks on the receiving client.
//
// Each in-flight stream owns one receive buffer. First person chunks fill it
// from the front and third person chunks from the back, so neither half needs
// to know the size of the other. A half is known to be complete once its
// final chunk has arrived and every slot before it is filled. Streams that
// start before the gameplay layer expects them are held for a validation
// period and dropped unless confirmed.
package streamer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/OCAP2/killcam/pkg/core"
	"github.com/OCAP2/killcam/pkg/streaming"
	"go.opentelemetry.io/otel/metric"
)

// Config holds the streamer tunables.
type Config struct {
	ChunkSize      int
	BufferSize     int
	MaxStreams     int
	ValidationTime time.Duration
}

// Key identifies one kill cam stream.
type Key struct {
	Sender    core.EntityID
	Victim    core.EntityID
	Broadcast bool
}

// Complete is a fully received stream. Data holds the first person region
// followed by the third person region, each a whole number of chunks. Data is
// only valid for the duration of the handler call.
type Complete struct {
	Key
	Data        []byte
	FirstPerson int
	ThirdPerson int
}

// Handler receives every completed stream exactly once.
type Handler func(c *Complete)

type state uint8

const (
	stateUnused state = iota
	stateAwaiting
	stateComplete
)

type half struct {
	received int
	target   int
	have     []uint64
	extent   int
}

func (h *half) reset() {
	h.received, h.target, h.extent = 0, -1, 0
	clear(h.have)
}

func (h *half) done() bool { return h.target >= 0 && h.received == h.target }

// mark records slot i and reports whether it was new.
func (h *half) mark(i int) bool {
	word, bit := i/64, uint64(1)<<(i%64)
	if h.have[word]&bit != 0 {
		return false
	}
	h.have[word] |= bit
	h.received++
	h.extent = max(h.extent, i+1)
	return true
}

type slot struct {
	state     state
	key       Key
	buf       []byte
	fp, tp    half
	confirmed bool
	deadline  float32
	started   float32
}

// Streamer is driven from a single goroutine.
type Streamer struct {
	chunkSize  int
	slots      []*slot
	scratch    []byte
	validation float32
	now        float32
	handler    Handler
	logger     *slog.Logger

	completed metric.Int64Counter
	discarded metric.Int64Counter
}

func New(cfg Config, handler Handler, logger *slog.Logger) (*Streamer, error) {
	if cfg.ChunkSize <= 0 || cfg.BufferSize < 2*cfg.ChunkSize || cfg.MaxStreams <= 0 {
		return nil, fmt.Errorf("invalid streamer config: chunk %d, buffer %d, streams %d",
			cfg.ChunkSize, cfg.BufferSize, cfg.MaxStreams)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Streamer{
		chunkSize:  cfg.ChunkSize,
		scratch:    make([]byte, cfg.BufferSize),
		validation: float32(cfg.ValidationTime.Seconds()),
		handler:    handler,
		logger:     logger,
	}
	slotsPerBuffer := cfg.BufferSize / cfg.ChunkSize
	words := (slotsPerBuffer + 63) / 64
	for i := 0; i < cfg.MaxStreams; i++ {
		sl := &slot{
			buf: make([]byte, cfg.BufferSize),
			fp:  half{have: make([]uint64, words)},
			tp:  half{have: make([]uint64, words)},
		}
		sl.fp.reset()
		sl.tp.reset()
		s.slots = append(s.slots, sl)
	}

	m := meter()
	var err error
	s.completed, err = m.Int64Counter(
		"killcam.streamer.completed",
		metric.WithDescription("Kill cam streams fully received"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating completed counter: %w", err)
	}
	s.discarded, err = m.Int64Counter(
		"killcam.streamer.discarded",
		metric.WithDescription("Kill cam streams dropped before completion"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating discarded counter: %w", err)
	}
	return s, nil
}

func (s *Streamer) find(k Key) *slot {
	for _, sl := range s.slots {
		if sl.state == stateAwaiting && sl.key == k {
			return sl
		}
	}
	return nil
}

// allocate claims an unused slot. Confirmed streams may evict the oldest
// unconfirmed one, or failing that the oldest stream.
func (s *Streamer) allocate(k Key, confirmed bool) *slot {
	var victim *slot
	for _, sl := range s.slots {
		if sl.state == stateUnused {
			victim = sl
			break
		}
	}
	if victim == nil && confirmed {
		for _, sl := range s.slots {
			if !sl.confirmed && (victim == nil || sl.started < victim.started) {
				victim = sl
			}
		}
		if victim == nil {
			for _, sl := range s.slots {
				if victim == nil || sl.started < victim.started {
					victim = sl
				}
			}
		}
		s.logger.Warn("Kill cam streams exhausted, dropping oldest",
			"sender", victim.key.Sender, "victim", victim.key.Victim)
		s.discarded.Add(context.Background(), 1)
	}
	if victim == nil {
		return nil
	}
	s.reset(victim)
	victim.state = stateAwaiting
	victim.key = k
	victim.confirmed = confirmed
	victim.started = s.now
	victim.deadline = s.now + s.validation
	return victim
}

func (s *Streamer) reset(sl *slot) {
	sl.state = stateUnused
	sl.confirmed = false
	sl.fp.reset()
	sl.tp.reset()
	clear(sl.buf)
}

// Expect registers a stream the gameplay layer knows is coming. Data already
// received for it is confirmed.
func (s *Streamer) Expect(k Key) {
	if sl := s.find(k); sl != nil {
		sl.confirmed = true
		s.tryComplete(sl)
		return
	}
	s.allocate(k, true)
}

// Clear abandons the stream for k, if any.
func (s *Streamer) Clear(k Key) {
	if sl := s.find(k); sl != nil {
		s.reset(sl)
	}
}

// Update drops unconfirmed streams whose validation period has run out.
func (s *Streamer) Update(now float32) {
	s.now = now
	for _, sl := range s.slots {
		if sl.state == stateAwaiting && !sl.confirmed && now > sl.deadline {
			s.logger.Warn("Dropping unconfirmed kill cam",
				"sender", sl.key.Sender, "victim", sl.key.Victim, "broadcast", sl.key.Broadcast)
			s.discarded.Add(context.Background(), 1)
			s.reset(sl)
		}
	}
}

// Active returns the number of streams being received.
func (s *Streamer) Active() int {
	n := 0
	for _, sl := range s.slots {
		if sl.state == stateAwaiting {
			n++
		}
	}
	return n
}

// HandleChunk stores one received data chunk. Chunks may arrive in any
// order and more than once.
func (s *Streamer) HandleChunk(c *streaming.Chunk) {
	if c.Kind != streaming.KindFirstPerson && c.Kind != streaming.KindThirdPerson {
		s.logger.Warn("Unexpected kill cam chunk kind", "kind", c.Kind.String(), "sender", c.Sender)
		return
	}
	if len(c.Data) > s.chunkSize {
		s.logger.Warn("Kill cam chunk larger than chunk size", "size", len(c.Data), "sender", c.Sender)
		return
	}
	k := Key{Sender: c.Sender, Victim: c.Victim, Broadcast: c.Broadcast()}
	sl := s.find(k)
	if sl == nil {
		sl = s.allocate(k, false)
		if sl == nil {
			s.logger.Debug("No free kill cam stream, dropping chunk", "sender", c.Sender, "victim", c.Victim)
			return
		}
	}

	i := c.Slot()
	capacity := len(sl.buf) / s.chunkSize
	h, other := &sl.fp, &sl.tp
	if c.Kind == streaming.KindThirdPerson {
		h, other = &sl.tp, &sl.fp
	}
	if max(h.extent, i+1)+other.extent > capacity {
		s.logger.Warn("Kill cam stream overflowed its receive buffer",
			"sender", k.Sender, "victim", k.Victim, "kind", c.Kind.String(), "slot", i)
		s.discarded.Add(context.Background(), 1)
		s.reset(sl)
		return
	}

	at := i * s.chunkSize
	if c.Kind == streaming.KindThirdPerson {
		at = len(sl.buf) - (i+1)*s.chunkSize
	}
	block := sl.buf[at : at+s.chunkSize]
	n := copy(block, c.Data)
	clear(block[n:])
	h.mark(i)
	if c.Final() {
		h.target = i + 1
	}
	s.tryComplete(sl)
}

func (s *Streamer) tryComplete(sl *slot) {
	if !sl.confirmed || !sl.fp.done() || !sl.tp.done() {
		return
	}
	if sl.fp.extent > sl.fp.target || sl.tp.extent > sl.tp.target {
		s.logger.Warn("Kill cam chunks beyond the final chunk, dropping stream",
			"sender", sl.key.Sender, "victim", sl.key.Victim)
		s.discarded.Add(context.Background(), 1)
		s.reset(sl)
		return
	}
	sl.state = stateComplete

	fpLen := sl.fp.target * s.chunkSize
	tpLen := sl.tp.target * s.chunkSize
	for j := 0; j < sl.tp.target; j++ {
		src := len(sl.buf) - (j+1)*s.chunkSize
		copy(s.scratch[j*s.chunkSize:(j+1)*s.chunkSize], sl.buf[src:src+s.chunkSize])
	}
	copy(sl.buf[fpLen:fpLen+tpLen], s.scratch[:tpLen])

	s.completed.Add(context.Background(), 1)
	s.logger.Debug("Kill cam received", "sender", sl.key.Sender, "victim", sl.key.Victim,
		"firstPerson", fpLen, "thirdPerson", tpLen)
	if s.handler != nil {
		s.handler(&Complete{
			Key:         sl.key,
			Data:        sl.buf[:fpLen+tpLen],
			FirstPerson: fpLen,
			ThirdPerson: tpLen,
		})
	}
	s.reset(sl)
}
