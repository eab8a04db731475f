// Package client runs the kill cam on a player's machine: it records the
// local game, streams kill cams of the player's kills and plays back the
// ones it receives.
package client

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/OCAP2/killcam/internal/config"
	"github.com/OCAP2/killcam/internal/recording"
	"github.com/OCAP2/killcam/internal/sender"
	"github.com/OCAP2/killcam/internal/serializer"
	"github.com/OCAP2/killcam/internal/streamer"
	"github.com/OCAP2/killcam/internal/transport"
	"github.com/OCAP2/killcam/pkg/core"
	"github.com/OCAP2/killcam/pkg/streaming"
)

// Config holds the session tunables.
type Config struct {
	Sender              sender.Config
	Streamer            streamer.Config
	RecordingBufferSize int
	// DecodeBufferSize bounds the decoded packets of one kill cam. Zero
	// means eight times the receive buffer.
	DecodeBufferSize int
	// ConfirmBroadcasts expects every broadcast kill cam as soon as its
	// first chunk arrives, for sessions that watch rather than play.
	ConfirmBroadcasts bool
}

// ConfigFrom maps the configured kill cam tunables onto a session config.
func ConfigFrom(kc config.KillCamConfig) Config {
	return Config{
		Sender: sender.Config{
			ChunkSize:          kc.ChunkSize,
			ChunksPerUpdate:    kc.ChunksPerUpdate,
			SendBufferSize:     kc.SendBufferSize,
			CompressBufferSize: kc.CompressBufferSize,
			PreKillTime:        kc.PreKillTime,
			PostKillTime:       kc.PostKillTime,
			KickInDelay:        kc.KickInDelay,
			ChunkDuration:      kc.ChunkDuration,
			ResendTolerance:    kc.ResendTolerance,
			ResendMaxAge:       kc.ResendMaxAge,
			RecentRanges:       kc.RecentRanges,
		},
		Streamer: streamer.Config{
			ChunkSize:      kc.ChunkSize,
			BufferSize:     kc.ReceiveBufferSize,
			MaxStreams:     kc.MaxStreams,
			ValidationTime: kc.ValidationTime,
		},
		RecordingBufferSize: kc.RecordingBufferSize,
	}
}

// PlaybackFunc receives every reassembled kill cam. It runs on the goroutine
// calling Update and may keep kc.
type PlaybackFunc func(kc *core.KillCam)

// Archiver stores received kill cams.
type Archiver interface {
	SaveKillCam(kc *core.KillCam) error
}

// Session is driven from the game loop through Update.
type Session struct {
	self      core.EntityID
	conn      transport.Conn
	rec       *recording.Buffer
	sender    *sender.Sender
	streamer  *streamer.Streamer
	ser       *serializer.Serializer
	playback  PlaybackFunc
	archive   Archiver
	chunkSize int
	confirm   bool
	retention float32
	now       float32

	inbox  []*streaming.Chunk
	decode []byte
	logger *slog.Logger
}

// New builds a session for the local player self talking to the relay over
// conn.
func New(cfg Config, self core.EntityID, conn transport.Conn, playback PlaybackFunc, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Streamer.ChunkSize != cfg.Sender.ChunkSize {
		return nil, fmt.Errorf("chunk size mismatch: sender %d, streamer %d",
			cfg.Sender.ChunkSize, cfg.Streamer.ChunkSize)
	}
	if cfg.DecodeBufferSize <= 0 {
		cfg.DecodeBufferSize = 8 * cfg.Streamer.BufferSize
	}

	s := &Session{
		self:      self,
		conn:      conn,
		rec:       recording.New(cfg.RecordingBufferSize),
		ser:       serializer.New(serializer.DefaultMaxBucketCount, logger),
		playback:  playback,
		chunkSize: cfg.Sender.ChunkSize,
		confirm:   cfg.ConfirmBroadcasts,
		retention: float32((cfg.Sender.PreKillTime + cfg.Sender.PostKillTime + cfg.Sender.KickInDelay + time.Second).Seconds()),
		decode:    make([]byte, cfg.DecodeBufferSize),
		logger:    logger.With("entity", self),
	}

	var err error
	s.streamer, err = streamer.New(cfg.Streamer, s.handleComplete, s.logger)
	if err != nil {
		return nil, fmt.Errorf("creating streamer: %w", err)
	}
	s.sender, err = sender.New(cfg.Sender, self, s.rec, conn, s.streamer.HandleChunk, s.logger)
	if err != nil {
		return nil, fmt.Errorf("creating sender: %w", err)
	}
	return s, nil
}

// SetArchive makes the session store every received kill cam in a.
func (s *Session) SetArchive(a Archiver) { s.archive = a }

// Record appends one packet of the local recording.
func (s *Session) Record(p core.Packet) error {
	return s.rec.Record(p)
}

// AddKill starts streaming the kill cam of a kill made by the local player.
func (s *Session) AddKill(k sender.Kill) error {
	return s.sender.AddKill(k, s.now)
}

// ExpectKillCam tells the session a kill cam from killer is on its way.
// Broadcast kill cams name the victim they show.
func (s *Session) ExpectKillCam(killer, victim core.EntityID, broadcast bool) {
	s.streamer.Expect(streamer.Key{Sender: killer, Victim: victim, Broadcast: broadcast})
}

// Update advances the session to frame time now.
func (s *Session) Update(now float32) {
	s.now = now
	s.inbox = s.conn.Incoming().Drain(s.inbox[:0])
	for _, c := range s.inbox {
		if s.confirm && startsBroadcast(c) {
			s.streamer.Expect(streamer.Key{Sender: c.Sender, Victim: c.Victim, Broadcast: true})
		}
		s.streamer.HandleChunk(c)
	}
	clear(s.inbox)

	s.streamer.Update(now)
	s.sender.Update(now)
	s.rec.Trim(now - s.retention)
}

func startsBroadcast(c *streaming.Chunk) bool {
	return c.Broadcast() && c.Kind == streaming.KindFirstPerson && c.Offset == 0 && c.Index == 0
}

// Idle reports whether nothing is left to send.
func (s *Session) Idle() bool { return s.sender.Idle() }

// Close drops all pending work and closes the connection.
func (s *Session) Close() error {
	s.sender.Reset()
	return s.conn.Close()
}

func (s *Session) handleComplete(c *streamer.Complete) {
	fp := c.Data[:c.FirstPerson]
	tp := c.Data[c.FirstPerson : c.FirstPerson+c.ThirdPerson]

	fpRes, err := s.ser.DecompressStream(fp, s.chunkSize, s.decode)
	if err != nil {
		s.logger.Warn("Failed to decode first person kill cam", "sender", c.Sender, "victim", c.Victim, "error", err)
		return
	}
	tpRes, err := s.ser.DecompressStream(tp, s.chunkSize, s.decode[fpRes.Bytes:])
	if err != nil {
		s.logger.Warn("Failed to decode third person kill cam", "sender", c.Sender, "victim", c.Victim, "error", err)
		return
	}

	packets := core.Split(s.decode[:fpRes.Bytes+tpRes.Bytes])
	serializer.Interleave(packets)
	merged := serializer.Merge(packets)

	kc := &core.KillCam{
		Sender:      c.Sender,
		Victim:      c.Victim,
		Broadcast:   c.Broadcast,
		ReceivedAt:  time.Now(),
		FirstPerson: slices.Clone(fp),
		ThirdPerson: slices.Clone(tp),
		Packets:     core.Split(merged),
		Truncated:   fpRes.Truncated || tpRes.Truncated,
	}
	for _, p := range kc.Packets {
		if p.Type() != core.TypeKillHitPosition {
			continue
		}
		if r, err := core.Decode(p); err == nil {
			kc.KillHit = r.(*core.KillHitPosition)
		}
		break
	}
	s.logger.Info("Kill cam received", "sender", c.Sender, "victim", c.Victim,
		"packets", len(kc.Packets), "duration", kc.Duration(), "truncated", kc.Truncated)

	if s.playback != nil {
		s.playback(kc)
	}
	if s.archive != nil {
		if err := s.archive.SaveKillCam(kc); err != nil {
			s.logger.Warn("Failed to archive kill cam", "error", err)
		}
	}
}
