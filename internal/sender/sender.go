// Package sender streams kill cam recordings from the killer's client.
//
// A kill starts a job covering [kill-PreKillTime, kill+PostKillTime]. What is
// already recorded is compressed at once; the rest follows one ChunkDuration
// per Update as it gets recorded. Every range is compressed twice, first
// person data then third person data, and queued in a byte ring from which
// Update sends at most ChunksPerUpdate chunks.
package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/OCAP2/killcam/internal/bitstream"
	"github.com/OCAP2/killcam/internal/circular"
	"github.com/OCAP2/killcam/internal/recording"
	"github.com/OCAP2/killcam/internal/serializer"
	"github.com/OCAP2/killcam/pkg/core"
	"github.com/OCAP2/killcam/pkg/streaming"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// maxSlots is the highest receiver slot a chunk header can address.
const maxSlots = 0xff

var ErrStreamTooLong = errors.New("sender: kill cam exceeds addressable chunks")

// Config holds the sender tunables.
type Config struct {
	ChunkSize          int
	ChunksPerUpdate    int
	SendBufferSize     int
	CompressBufferSize int
	PreKillTime        time.Duration
	PostKillTime       time.Duration
	KickInDelay        time.Duration
	ChunkDuration      time.Duration
	ResendTolerance    time.Duration
	ResendMaxAge       time.Duration
	RecentRanges       int
}

// Sink carries chunks to the relay. It must not retain c or c.Data after
// SendChunk returns.
type Sink interface {
	SendChunk(c *streaming.Chunk) error
}

// Kill requests a kill cam of victim around frame time Time.
type Kill struct {
	Victim    core.EntityID
	Time      float32
	Broadcast bool
}

type job struct {
	Kill
	end        float32
	streamedTo float32
	fpOffset   int
	tpOffset   int
}

// recentRange is a first person range sent unicast that the relay can replay.
type recentRange struct {
	id     uint8
	from   float32
	to     float32
	chunks int
	sentAt float32
}

type inflight struct {
	state  streaming.SendingState
	data   []byte
	next   int
	chunks int
}

// Sender owns the outgoing side of the kill cam. It is driven from a single
// goroutine.
type Sender struct {
	self   core.EntityID
	rec    *recording.Buffer
	ser    *serializer.Serializer
	sink   Sink
	local  func(*streaming.Chunk)
	logger *slog.Logger

	chunkSize       int
	chunksPerUpdate int
	preKill         float32
	postKill        float32
	kickIn          float32
	chunkDuration   float32
	tolerance       float32
	maxAge          float32

	jobs    []*job
	ring    *circular.Buffer
	fpBuf   []byte
	tpBuf   []byte
	packets []core.Packet
	track   []byte

	recent     []recentRange
	recentNext int
	lastID     uint8

	current *inflight
	spare   []byte

	chunks  metric.Int64Counter
	resends metric.Int64Counter
}

func secs(d time.Duration) float32 { return float32(d.Seconds()) }

// New returns a sender for the local player self, reading from rec. Broadcast
// chunks are also handed to local, when set.
func New(cfg Config, self core.EntityID, rec *recording.Buffer, sink Sink, local func(*streaming.Chunk), logger *slog.Logger) (*Sender, error) {
	if cfg.ChunkSize <= 0 || cfg.ChunksPerUpdate <= 0 {
		return nil, fmt.Errorf("invalid chunking %d x %d", cfg.ChunkSize, cfg.ChunksPerUpdate)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sender{
		self:            self,
		rec:             rec,
		ser:             serializer.New(serializer.DefaultMaxBucketCount, logger),
		sink:            sink,
		local:           local,
		logger:          logger,
		chunkSize:       cfg.ChunkSize,
		chunksPerUpdate: cfg.ChunksPerUpdate,
		preKill:         secs(cfg.PreKillTime),
		postKill:        secs(cfg.PostKillTime),
		kickIn:          secs(cfg.KickInDelay),
		chunkDuration:   secs(cfg.ChunkDuration),
		tolerance:       secs(cfg.ResendTolerance),
		maxAge:          secs(cfg.ResendMaxAge),
		ring:            circular.New(cfg.SendBufferSize),
		fpBuf:           make([]byte, cfg.CompressBufferSize),
		tpBuf:           make([]byte, cfg.CompressBufferSize),
		recent:          make([]recentRange, max(cfg.RecentRanges, 0)),
	}

	m := meter()
	var err error
	s.chunks, err = m.Int64Counter(
		"killcam.sender.chunks",
		metric.WithDescription("Kill cam chunks sent"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating chunks counter: %w", err)
	}
	s.resends, err = m.Int64Counter(
		"killcam.sender.resends",
		metric.WithDescription("First person ranges replaced by a relay forward"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resends counter: %w", err)
	}
	return s, nil
}

// AddKill starts streaming a kill cam. Whatever is already recorded, up to
// the kick-in delay before now, is compressed and queued immediately.
func (s *Sender) AddKill(k Kill, now float32) error {
	j := &job{
		Kill:       k,
		end:        k.Time + s.postKill,
		streamedTo: k.Time - s.preKill,
	}
	s.logger.Debug("Kill cam started", "victim", k.Victim, "time", k.Time, "broadcast", k.Broadcast)

	to := min(j.end, now-s.kickIn)
	if to > j.streamedTo {
		if err := s.enqueue(j, to, now); err != nil {
			return err
		}
	}
	if j.streamedTo < j.end {
		s.jobs = append(s.jobs, j)
	}
	return nil
}

// Update queues the next range of every job that is recorded by now and sends
// queued chunks.
func (s *Sender) Update(now float32) {
	jobs := s.jobs[:0]
	for _, j := range s.jobs {
		to := min(j.streamedTo+s.chunkDuration, j.end)
		if to <= now-s.kickIn {
			if err := s.enqueue(j, to, now); err != nil {
				s.logger.Warn("Kill cam abandoned", "victim", j.Victim, "error", err)
				continue
			}
		}
		if j.streamedTo < j.end {
			jobs = append(jobs, j)
		}
	}
	clear(s.jobs[len(jobs):])
	s.jobs = jobs
	s.flush()
}

// Pending returns the number of unfinished jobs.
func (s *Sender) Pending() int { return len(s.jobs) }

// Idle reports whether nothing is left to compress or send.
func (s *Sender) Idle() bool {
	return len(s.jobs) == 0 && s.current == nil && s.ring.Empty()
}

// Reset abandons every job and drops queued chunks.
func (s *Sender) Reset() {
	clear(s.jobs)
	s.jobs = s.jobs[:0]
	s.ring.Reset()
	s.current = nil
	clear(s.recent)
}

func isFirstPerson(p core.Packet) bool { return p.Type().Stream() == core.StreamFirstPerson }

func isThirdPerson(p core.Packet) bool {
	return p.Type().Stream() == core.StreamThirdPerson && p.Type() != core.TypeVictimPosition
}

// enqueue compresses [j.streamedTo, to) and queues it. A full send ring
// leaves the job untouched so the range is retried next Update.
func (s *Sender) enqueue(j *job, to, now float32) error {
	from := j.streamedTo
	final := to >= j.end

	fp := streaming.SendingState{Kind: streaming.KindFirstPerson, Offset: uint8(j.fpOffset), Victim: j.Victim}
	var fpData []byte
	fpChunks := 0
	var timeOffset float32

	match := -1
	if !j.Broadcast {
		match = s.findRecent(from, to, now)
	}
	if match >= 0 {
		r := s.recent[match]
		fp.Kind = streaming.KindForward
		fp.ID = r.id
		fp.Count = uint8(r.chunks)
		fpChunks = r.chunks
		timeOffset = r.from - from
	} else {
		s.packets = s.rec.Slice(s.packets[:0], from, to, isFirstPerson)
		w := bitstream.NewWriter(s.fpBuf)
		if err := s.ser.Compress(w, serializer.Input{Packets: s.packets, Victim: j.Victim}); err != nil {
			return fmt.Errorf("compress first person [%.2f, %.2f): %w", from, to, err)
		}
		fpData = w.Bytes()
		fpChunks = streaming.ChunkCount(len(fpData), s.chunkSize)
	}

	tFrom, tTo := from+timeOffset, to+timeOffset
	s.packets = s.rec.Slice(s.packets[:0], tFrom, tTo, isThirdPerson)
	s.track = s.rec.VictimTrack(s.track[:0], tFrom, tTo, j.Victim)
	w := bitstream.NewWriter(s.tpBuf)
	in := serializer.Input{Packets: s.packets, VictimTrack: s.track, Victim: j.Victim}
	if err := s.ser.Compress(w, in); err != nil {
		return fmt.Errorf("compress third person [%.2f, %.2f): %w", tFrom, tTo, err)
	}
	tpData := w.Bytes()
	tpChunks := streaming.ChunkCount(len(tpData), s.chunkSize)

	if j.fpOffset+fpChunks > maxSlots || j.tpOffset+tpChunks > maxSlots {
		return fmt.Errorf("%w: %d+%d first person, %d+%d third person",
			ErrStreamTooLong, j.fpOffset, fpChunks, j.tpOffset, tpChunks)
	}

	buf, ok, err := s.ring.Reserve(2*streaming.SendingStateSize + len(fpData) + len(tpData))
	if err != nil {
		return fmt.Errorf("queue range: %w", err)
	}
	if !ok {
		s.logger.Debug("Send ring full, deferring range", "victim", j.Victim, "from", from)
		return nil
	}

	id := s.allocID()
	if fp.Kind != streaming.KindForward {
		fp.ID = id
	}
	fp.DataSize = uint32(len(fpData))
	tp := streaming.SendingState{
		Kind:     streaming.KindThirdPerson,
		ID:       id,
		Offset:   uint8(j.tpOffset),
		Victim:   j.Victim,
		DataSize: uint32(len(tpData)),
	}
	for _, st := range []*streaming.SendingState{&fp, &tp} {
		if final {
			st.Flags |= streaming.FlagFinal
		}
		if j.Broadcast {
			st.Flags |= streaming.FlagBroadcast
		}
	}

	n := 0
	if err := fp.MarshalTo(buf[n:]); err != nil {
		return err
	}
	n += streaming.SendingStateSize
	n += copy(buf[n:], fpData)
	if err := tp.MarshalTo(buf[n:]); err != nil {
		return err
	}
	n += streaming.SendingStateSize
	copy(buf[n:], tpData)

	if match >= 0 {
		s.resends.Add(context.Background(), 1)
		s.logger.Debug("Reusing sent first person range", "victim", j.Victim, "id", fp.ID, "offset", timeOffset)
	} else if !j.Broadcast {
		s.remember(recentRange{id: id, from: from, to: to, chunks: fpChunks, sentAt: now})
	}

	j.streamedTo = to
	j.fpOffset += fpChunks
	j.tpOffset += tpChunks
	return nil
}

// allocID returns the next stream id and forgets any recent range using it.
func (s *Sender) allocID() uint8 {
	s.lastID = streaming.NextID(s.lastID)
	for i := range s.recent {
		if s.recent[i].id == s.lastID {
			s.recent[i] = recentRange{}
		}
	}
	return s.lastID
}

func (s *Sender) remember(r recentRange) {
	if len(s.recent) == 0 {
		return
	}
	s.recent[s.recentNext] = r
	s.recentNext = (s.recentNext + 1) % len(s.recent)
}

func (s *Sender) findRecent(from, to, now float32) int {
	for i, r := range s.recent {
		if r.id == 0 || now-r.sentAt > s.maxAge {
			continue
		}
		if abs(r.from-from) <= s.tolerance && abs(r.to-to) <= s.tolerance {
			return i
		}
	}
	return -1
}

func abs(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

// flush sends up to ChunksPerUpdate chunks from the ring.
func (s *Sender) flush() {
	for budget := s.chunksPerUpdate; budget > 0; {
		if s.current == nil && !s.pop() {
			return
		}
		cur := s.current
		if cur.state.Kind == streaming.KindForward {
			s.emit(&streaming.Chunk{ChunkHeader: streaming.ChunkHeader{
				Kind:   streaming.KindForward,
				ID:     cur.state.ID,
				Offset: cur.state.Offset,
				Victim: cur.state.Victim,
				Flags:  cur.state.Flags,
				Count:  cur.state.Count,
			}})
			budget--
			s.current = nil
			continue
		}
		for ; budget > 0 && cur.next < cur.chunks; budget-- {
			i := cur.next
			end := min((i+1)*s.chunkSize, len(cur.data))
			c := &streaming.Chunk{
				ChunkHeader: streaming.ChunkHeader{
					Kind:   cur.state.Kind,
					ID:     cur.state.ID,
					Index:  uint8(i),
					Offset: cur.state.Offset,
					Victim: cur.state.Victim,
				},
				Data: cur.data[i*s.chunkSize : end],
			}
			c.SetFlag(streaming.FlagFinal, cur.state.Final() && i == cur.chunks-1)
			c.SetFlag(streaming.FlagBroadcast, cur.state.Broadcast())
			s.emit(c)
			cur.next++
		}
		if cur.next >= cur.chunks {
			s.spare = cur.data[:0]
			s.current = nil
		}
	}
}

// pop moves the next queued state out of the ring.
func (s *Sender) pop() bool {
	h, ok := s.ring.GetData(streaming.SendingStateSize)
	if !ok {
		return false
	}
	st, err := streaming.UnmarshalSendingState(h)
	if err != nil {
		s.logger.Error("Corrupt send ring, dropping queued chunks", "error", err)
		s.ring.Reset()
		return false
	}
	data, ok := s.ring.GetData(int(st.DataSize))
	if !ok {
		s.logger.Error("Send ring underflow, dropping queued chunks", "size", st.DataSize)
		s.ring.Reset()
		return false
	}
	s.current = &inflight{
		state:  *st,
		data:   append(s.spare[:0], data...),
		chunks: streaming.ChunkCount(len(data), s.chunkSize),
	}
	s.spare = nil
	return true
}

func (s *Sender) emit(c *streaming.Chunk) {
	if err := s.sink.SendChunk(c); err != nil {
		s.logger.Warn("Failed to send kill cam chunk", "kind", c.Kind.String(), "id", c.ID, "index", c.Index, "error", err)
	}
	s.chunks.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", c.Kind.String())))
	if c.Broadcast() && s.local != nil {
		local := *c
		local.Sender = s.self
		s.local(&local)
	}
}
