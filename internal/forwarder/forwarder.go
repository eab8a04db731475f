// Package forwarder relays kill cam chunks between clients.
//
// Unicast first person chunks are kept in a history ring so that a client can
// later ask for a range it already sent to be replayed to another victim. A
// replay sends one chunk per job per Update. Before the ring overwrites a
// chunk a pending replay still needs, that replay is sent out in full.
package forwarder

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/OCAP2/killcam/internal/circular"
	"github.com/OCAP2/killcam/pkg/core"
	"github.com/OCAP2/killcam/pkg/streaming"
	"github.com/lunixbochs/struc"
	"go.opentelemetry.io/otel/metric"
)

// Relay delivers chunks to connected clients. Implementations must not retain
// the chunk after returning.
type Relay interface {
	SendTo(to core.EntityID, c *streaming.Chunk) error
	Broadcast(except core.EntityID, c *streaming.Chunk) error
}

// Config holds the forwarder tunables.
type Config struct {
	HistorySize    int
	ForwardTimeout time.Duration
}

const recordHeaderSize = 12

var recordOptions = &struc.Options{Order: binary.LittleEndian}

// record prefixes every chunk payload kept in the history ring.
type record struct {
	Sender core.EntityID
	ID     uint8
	Index  uint8
	Gen    uint32
	Size   uint16
	Pad    uint16
}

type streamKey struct {
	sender core.EntityID
	id     uint8
}

type forwardJob struct {
	key      streamKey
	gen      uint32
	victim   core.EntityID
	offset   uint8
	count    int
	final    bool
	sent     int
	it       circular.Iterator
	progress float32
	done     bool
}

// Forwarder is driven from a single goroutine.
type Forwarder struct {
	relay   Relay
	logger  *slog.Logger
	history *circular.Buffer
	gens    map[streamKey]uint32
	jobs    []*forwardJob
	timeout float32
	now     float32
	scratch bytes.Buffer

	pending   atomic.Int64
	relayed   metric.Int64Counter
	forwarded metric.Int64Counter
	abandoned metric.Int64Counter
}

func New(cfg Config, relay Relay, logger *slog.Logger) (*Forwarder, error) {
	if cfg.HistorySize <= recordHeaderSize {
		return nil, fmt.Errorf("history size %d too small", cfg.HistorySize)
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &Forwarder{
		relay:   relay,
		logger:  logger,
		history: circular.New(cfg.HistorySize),
		gens:    make(map[streamKey]uint32),
		timeout: float32(cfg.ForwardTimeout.Seconds()),
	}

	m := meter()
	var err error
	f.relayed, err = m.Int64Counter(
		"killcam.forwarder.relayed",
		metric.WithDescription("Kill cam chunks relayed to their recipients"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating relayed counter: %w", err)
	}
	f.forwarded, err = m.Int64Counter(
		"killcam.forwarder.forwarded",
		metric.WithDescription("Kill cam chunks replayed from history"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating forwarded counter: %w", err)
	}
	f.abandoned, err = m.Int64Counter(
		"killcam.forwarder.abandoned",
		metric.WithDescription("Forward jobs abandoned after running out of history"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating abandoned counter: %w", err)
	}
	pendingGauge, err := m.Int64ObservableGauge(
		"killcam.forwarder.pending",
		metric.WithDescription("Forward jobs in progress"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating pending gauge: %w", err)
	}
	_, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(pendingGauge, f.pending.Load())
			return nil
		},
		pendingGauge,
	)
	if err != nil {
		return nil, fmt.Errorf("registering pending callback: %w", err)
	}
	return f, nil
}

// HandleChunk routes one chunk received from client from.
func (f *Forwarder) HandleChunk(from core.EntityID, c *streaming.Chunk) {
	c.Sender = from
	switch {
	case c.Kind == streaming.KindForward:
		f.startForward(c)
	case c.Broadcast():
		if err := f.relay.Broadcast(from, c); err != nil {
			f.logger.Warn("Failed to broadcast kill cam chunk", "sender", from, "error", err)
			return
		}
		f.relayed.Add(context.Background(), 1)
	default:
		if err := f.relay.SendTo(c.Victim, c); err != nil {
			f.logger.Warn("Failed to relay kill cam chunk", "sender", from, "victim", c.Victim, "error", err)
		} else {
			f.relayed.Add(context.Background(), 1)
		}
		if c.Kind == streaming.KindFirstPerson {
			f.remember(c)
		}
	}
}

// Update advances every forward job by one chunk and abandons jobs that have
// waited longer than the forward timeout for their history.
func (f *Forwarder) Update(now float32) {
	f.now = now
	for _, j := range f.jobs {
		if j.done {
			continue
		}
		if f.step(j) {
			continue
		}
		if now-j.progress > f.timeout {
			f.logger.Warn("Abandoning kill cam forward",
				"sender", j.key.sender, "id", j.key.id, "victim", j.victim, "sent", j.sent, "count", j.count)
			f.abandoned.Add(context.Background(), 1)
			j.done = true
		}
	}
	f.sweep()
}

// Pending returns the number of forward jobs in progress.
func (f *Forwarder) Pending() int { return int(f.pending.Load()) }

// Forget drops the stream ids of a disconnected client.
func (f *Forwarder) Forget(sender core.EntityID) {
	for k := range f.gens {
		if k.sender == sender {
			delete(f.gens, k)
		}
	}
	for _, j := range f.jobs {
		if j.key.sender == sender || j.victim == sender {
			j.done = true
		}
	}
	f.sweep()
}

func (f *Forwarder) startForward(c *streaming.Chunk) {
	if c.Count == 0 {
		return
	}
	key := streamKey{sender: c.Sender, id: c.ID}
	j := &forwardJob{
		key:      key,
		gen:      f.gens[key],
		victim:   c.Victim,
		offset:   c.Offset,
		count:    int(c.Count),
		final:    c.Final(),
		it:       f.history.Tail(),
		progress: f.now,
	}
	f.logger.Debug("Kill cam forward requested",
		"sender", c.Sender, "id", c.ID, "victim", c.Victim, "count", c.Count, "offset", c.Offset)
	f.jobs = append(f.jobs, j)
	f.pending.Store(int64(len(f.jobs)))
}

// remember appends a first person chunk to the history, making room by
// dropping the oldest records. Index 0 of an id starts a new generation.
func (f *Forwarder) remember(c *streaming.Chunk) {
	key := streamKey{sender: c.Sender, id: c.ID}
	if c.Index == 0 {
		f.gens[key]++
	}
	rec := record{Sender: c.Sender, ID: c.ID, Index: c.Index, Gen: f.gens[key], Size: uint16(len(c.Data))}

	need := recordHeaderSize + len(c.Data)
	for {
		buf, ok, err := f.history.Reserve(need)
		if err != nil {
			f.logger.Warn("Kill cam chunk larger than forward history", "size", need, "error", err)
			return
		}
		if ok {
			if err := f.packRecord(buf, &rec); err != nil {
				f.logger.Error("Failed to store kill cam chunk", "error", err)
				return
			}
			copy(buf[recordHeaderSize:], c.Data)
			return
		}
		if !f.evict() {
			return
		}
	}
}

// evict drops the oldest history record, first draining any job that still
// needs it.
func (f *Forwarder) evict() bool {
	h, ok := f.history.Peek(recordHeaderSize)
	if !ok {
		return false
	}
	rec, err := f.unpackRecord(h)
	if err != nil {
		f.logger.Error("Corrupt forward history, clearing", "error", err)
		f.history.Reset()
		return true
	}
	tail := f.history.Tail()
	drained := false
	for _, j := range f.jobs {
		if j.done || !f.matches(j, rec) || tail.Before(j.it) {
			continue
		}
		f.logger.Debug("Draining kill cam forward before history overwrite", "sender", j.key.sender, "id", j.key.id)
		for f.step(j) {
		}
		drained = true
	}
	if drained {
		f.sweep()
	}
	return f.history.Erase(recordHeaderSize + int(rec.Size))
}

func (f *Forwarder) matches(j *forwardJob, rec *record) bool {
	return rec.Sender == j.key.sender && rec.ID == j.key.id && rec.Gen == j.gen
}

// step sends the next history chunk of j, skipping records of other streams.
// It reports false when the history has nothing more for j yet.
func (f *Forwarder) step(j *forwardJob) bool {
	if j.done {
		return false
	}
	for {
		h, ok := f.history.PeekAt(&j.it, recordHeaderSize)
		if !ok {
			return false
		}
		rec, err := f.unpackRecord(h)
		if err != nil {
			f.logger.Error("Corrupt forward history record", "error", err)
			j.done = true
			return false
		}
		data, ok := f.history.ReadAt(&j.it, recordHeaderSize+int(rec.Size))
		if !ok {
			return false
		}
		if !f.matches(j, rec) {
			continue
		}

		c := &streaming.Chunk{
			ChunkHeader: streaming.ChunkHeader{
				Kind:   streaming.KindFirstPerson,
				ID:     rec.ID,
				Index:  rec.Index,
				Offset: j.offset,
				Sender: j.key.sender,
				Victim: j.victim,
			},
			Data: data[recordHeaderSize:],
		}
		c.SetFlag(streaming.FlagFinal, j.final && int(rec.Index) == j.count-1)
		if err := f.relay.SendTo(j.victim, c); err != nil {
			f.logger.Warn("Failed to forward kill cam chunk", "victim", j.victim, "error", err)
		}
		f.forwarded.Add(context.Background(), 1)
		j.sent++
		j.progress = f.now
		if j.sent >= j.count {
			j.done = true
		}
		return true
	}
}

func (f *Forwarder) sweep() {
	jobs := f.jobs[:0]
	for _, j := range f.jobs {
		if !j.done {
			jobs = append(jobs, j)
		}
	}
	clear(f.jobs[len(jobs):])
	f.jobs = jobs
	f.pending.Store(int64(len(f.jobs)))
}

func (f *Forwarder) packRecord(dst []byte, rec *record) error {
	f.scratch.Reset()
	if err := struc.PackWithOptions(&f.scratch, rec, recordOptions); err != nil {
		return err
	}
	if copy(dst, f.scratch.Bytes()) != recordHeaderSize {
		return errors.New("short history record")
	}
	return nil
}

func (f *Forwarder) unpackRecord(b []byte) (*record, error) {
	rec := &record{}
	if err := struc.UnpackWithOptions(bytes.NewReader(b), rec, recordOptions); err != nil {
		return nil, err
	}
	return rec, nil
}
