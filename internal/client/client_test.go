package client

import (
	"slices"
	"testing"
	"time"

	"github.com/OCAP2/killcam/internal/config"
	"github.com/OCAP2/killcam/internal/forwarder"
	"github.com/OCAP2/killcam/internal/sender"
	"github.com/OCAP2/killcam/internal/serializer"
	"github.com/OCAP2/killcam/internal/streamer"
	"github.com/OCAP2/killcam/internal/transport"
	"github.com/OCAP2/killcam/pkg/core"
	"github.com/OCAP2/killcam/pkg/streaming"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	killer core.EntityID = 1
	victim core.EntityID = 7
	other  core.EntityID = 8
)

func testConfig() Config {
	return Config{
		Sender: sender.Config{
			ChunkSize:          256,
			ChunksPerUpdate:    8,
			SendBufferSize:     1 << 17,
			CompressBufferSize: 1 << 16,
			PreKillTime:        4 * time.Second,
			PostKillTime:       time.Second,
			KickInDelay:        250 * time.Millisecond,
			ChunkDuration:      500 * time.Millisecond,
			ResendTolerance:    100 * time.Millisecond,
			ResendMaxAge:       10 * time.Second,
			RecentRanges:       8,
		},
		Streamer: streamer.Config{
			ChunkSize:      256,
			BufferSize:     1 << 16,
			MaxStreams:     2,
			ValidationTime: 2 * time.Second,
		},
		RecordingBufferSize: 1 << 20,
	}
}

// lossyConn holds back every third chunk until release.
type lossyConn struct {
	transport.Conn
	n    int
	held []*streaming.Chunk
}

func (l *lossyConn) SendChunk(c *streaming.Chunk) error {
	l.n++
	if l.n%3 == 0 {
		cp := *c
		cp.Data = slices.Clone(c.Data)
		l.held = append(l.held, &cp)
		return nil
	}
	return l.Conn.SendChunk(c)
}

func (l *lossyConn) release(t *testing.T) {
	slices.Reverse(l.held)
	for _, c := range l.held {
		require.NoError(t, l.Conn.SendChunk(c))
	}
	l.held = nil
}

type world struct {
	hub     *transport.Hub
	fw      *forwarder.Forwarder
	killer  *Session
	victims map[core.EntityID]*Session
	played  map[core.EntityID][]*core.KillCam
	inbound []transport.Inbound
	frame   int
}

func newWorld(t *testing.T, wrap func(transport.Conn) transport.Conn) *world {
	t.Helper()
	w := &world{
		hub:     transport.NewHub(transport.HubConfig{}, nil),
		victims: make(map[core.EntityID]*Session),
		played:  make(map[core.EntityID][]*core.KillCam),
	}
	var err error
	w.fw, err = forwarder.New(forwarder.Config{HistorySize: 1 << 18, ForwardTimeout: 2 * time.Second}, w.hub, nil)
	require.NoError(t, err)

	var conn transport.Conn = w.hub.Connect(killer, 0)
	if wrap != nil {
		conn = wrap(conn)
	}
	w.killer, err = New(testConfig(), killer, conn, nil, nil)
	require.NoError(t, err)

	for _, id := range []core.EntityID{victim, other} {
		s, err := New(testConfig(), id, w.hub.Connect(id, 0), func(kc *core.KillCam) {
			w.played[id] = append(w.played[id], kc)
		}, nil)
		require.NoError(t, err)
		w.victims[id] = s
	}
	return w
}

func (w *world) now() float32 { return float32(w.frame) / 30 }

// step records one frame on the killer and runs every session and the relay.
func (w *world) step(t *testing.T) {
	t.Helper()
	ft := w.now()
	fi := float32(w.frame)
	for _, r := range []core.Record{
		&core.Frame{FrameTime: ft},
		&core.FirstPersonChar{FrameTime: ft, Pos: core.Vec3{fi * 0.05, 1, 2}, Rot: core.Quat{0, 0, 0, 1}, Health: 100},
		&core.EntityLocation{FrameTime: ft, Entity: victim, Pos: core.Vec3{10, fi * 0.02, 0}, Rot: core.Quat{0, 0, 0, 1}},
		&core.EntityLocation{FrameTime: ft, Entity: other, Pos: core.Vec3{-10, fi * 0.03, 0}, Rot: core.Quat{0, 0, 0, 1}},
	} {
		require.NoError(t, w.killer.Record(core.MustEncode(r)))
	}

	w.killer.Update(ft)
	w.inbound = w.hub.Inbound().Drain(w.inbound[:0])
	for _, in := range w.inbound {
		w.fw.HandleChunk(in.From, in.Chunk)
	}
	w.fw.Update(ft)
	for _, s := range w.victims {
		s.Update(ft)
	}
	w.frame++
}

func (w *world) runUntil(t *testing.T, to float32) {
	t.Helper()
	for w.now() < to {
		w.step(t)
	}
}

func count(packets []core.Packet, typ core.PacketType) int {
	n := 0
	for _, p := range packets {
		if p.Type() == typ {
			n++
		}
	}
	return n
}

func (w *world) kill(t *testing.T, v core.EntityID) {
	t.Helper()
	require.NoError(t, w.killer.AddKill(sender.Kill{Victim: v, Time: w.now()}))
	w.victims[v].ExpectKillCam(killer, v, false)
}

func TestKillCamEndToEnd(t *testing.T) {
	w := newWorld(t, nil)
	w.runUntil(t, 6)
	w.kill(t, victim)
	w.runUntil(t, 10)

	require.Len(t, w.played[victim], 1)
	assert.Empty(t, w.played[other])
	kc := w.played[victim][0]
	assert.Equal(t, killer, kc.Sender)
	assert.Equal(t, victim, kc.Victim)
	assert.False(t, kc.Truncated)
	assert.Equal(t, 150, count(kc.Packets, core.TypeFrame))
	assert.Equal(t, 150, count(kc.Packets, core.TypeFirstPersonChar))
	assert.Equal(t, 150, count(kc.Packets, core.TypeVictimPosition))
	assert.InDelta(t, 5, kc.Duration(), 0.05)

	// Playback order: first person records, then the victim track, then the rest.
	assert.Equal(t, core.TypeFirstPersonChar, kc.Packets[0].Type())
	assert.Equal(t, core.TypeVictimPosition, kc.Packets[150].Type())
	track, err := core.Decode(kc.Packets[150])
	require.NoError(t, err)
	assert.InDelta(t, 10, track.(*core.VictimPosition).Pos[0], 0.03)
	assert.InDelta(t, 60*0.02, track.(*core.VictimPosition).Pos[1], 0.03)
}

func TestKillCamSurvivesReorderedChunks(t *testing.T) {
	clean := newWorld(t, nil)
	clean.runUntil(t, 6)
	clean.kill(t, victim)
	clean.runUntil(t, 10)
	require.Len(t, clean.played[victim], 1)

	var lossy *lossyConn
	w := newWorld(t, func(c transport.Conn) transport.Conn {
		lossy = &lossyConn{Conn: c}
		return lossy
	})
	w.runUntil(t, 6)
	w.kill(t, victim)
	w.runUntil(t, 8)
	require.True(t, w.killer.Idle())
	require.NotEmpty(t, lossy.held)
	assert.Empty(t, w.played[victim], "completed with chunks missing")

	lossy.release(t)
	w.runUntil(t, 8.2)
	require.Len(t, w.played[victim], 1)

	want, got := clean.played[victim][0], w.played[victim][0]
	assert.Equal(t, want.FirstPerson, got.FirstPerson)
	assert.Equal(t, want.ThirdPerson, got.ThirdPerson)
	assert.Equal(t, serializer.Merge(want.Packets), serializer.Merge(got.Packets))
}

func TestSecondKillReusesFirstPersonData(t *testing.T) {
	w := newWorld(t, nil)
	w.runUntil(t, 6)
	w.kill(t, victim)
	w.kill(t, other)
	w.runUntil(t, 10)

	require.Len(t, w.played[victim], 1)
	require.Len(t, w.played[other], 1)
	first, second := w.played[victim][0], w.played[other][0]
	assert.Equal(t, first.FirstPerson, second.FirstPerson)
	assert.NotEqual(t, first.ThirdPerson, second.ThirdPerson)
	assert.Equal(t, 150, count(second.Packets, core.TypeFirstPersonChar))
	assert.Equal(t, 150, count(second.Packets, core.TypeVictimPosition))

	track, err := core.Decode(second.Packets[150])
	require.NoError(t, err)
	assert.InDelta(t, -10, track.(*core.VictimPosition).Pos[0], 0.03)
}

func TestDoubleKillKeepsEachVictimsKillHit(t *testing.T) {
	w := newWorld(t, nil)
	w.runUntil(t, 6)
	ft := w.now()
	require.NoError(t, w.killer.Record(core.MustEncode(&core.KillHitPosition{
		FrameTime: ft, Victim: victim, Killer: killer, Hit: core.Vec3{0.1, 0.2, 1.5},
	})))
	require.NoError(t, w.killer.Record(core.MustEncode(&core.KillHitPosition{
		FrameTime: ft, Victim: other, Killer: killer, Hit: core.Vec3{-0.3, 0.1, 1.2},
	})))
	w.kill(t, victim)
	w.kill(t, other)
	w.runUntil(t, 10)

	require.Len(t, w.played[victim], 1)
	require.Len(t, w.played[other], 1)
	first, second := w.played[victim][0], w.played[other][0]
	assert.Equal(t, first.FirstPerson, second.FirstPerson, "first person data is forwarded")

	for v, kc := range map[core.EntityID]*core.KillCam{victim: first, other: second} {
		assert.Equal(t, 1, count(kc.Packets, core.TypeKillHitPosition), "victim %d", v)
		require.NotNil(t, kc.KillHit, "victim %d", v)
		assert.Equal(t, v, kc.KillHit.Victim)
		assert.Equal(t, killer, kc.KillHit.Killer)
	}
	assert.InDelta(t, 0.1, first.KillHit.Hit[0], 0.002)
	assert.InDelta(t, -0.3, second.KillHit.Hit[0], 0.002)
}

type memArchive struct {
	saved []*core.KillCam
}

func (m *memArchive) SaveKillCam(kc *core.KillCam) error {
	m.saved = append(m.saved, kc)
	return nil
}

func TestArchiveReceivesKillCam(t *testing.T) {
	w := newWorld(t, nil)
	archive := &memArchive{}
	w.victims[victim].SetArchive(archive)
	w.runUntil(t, 6)
	w.kill(t, victim)
	w.runUntil(t, 10)

	require.Len(t, archive.saved, 1)
	assert.Same(t, w.played[victim][0], archive.saved[0])
	assert.NotEmpty(t, archive.saved[0].FirstPerson)
}

func TestBroadcastDeliveredLocally(t *testing.T) {
	w := newWorld(t, nil)
	var own []*core.KillCam
	conn := w.hub.Connect(20, 0)
	local, err := New(testConfig(), 20, conn, func(kc *core.KillCam) { own = append(own, kc) }, nil)
	require.NoError(t, err)
	w.killer = local
	w.runUntil(t, 6)

	require.NoError(t, local.AddKill(sender.Kill{Victim: victim, Time: 6, Broadcast: true}))
	local.ExpectKillCam(20, victim, true)
	w.victims[other].ExpectKillCam(20, victim, true)
	w.runUntil(t, 10)

	require.Len(t, own, 1)
	assert.True(t, own[0].Broadcast)
	require.Len(t, w.played[other], 1)
	assert.Equal(t, own[0].FirstPerson, w.played[other][0].FirstPerson)
	assert.Empty(t, w.played[victim])
}

func TestChunkSizeMismatch(t *testing.T) {
	cfg := testConfig()
	cfg.Streamer.ChunkSize = 128
	_, err := New(cfg, killer, transport.NewHub(transport.HubConfig{}, nil).Connect(killer, 0), nil, nil)
	assert.Error(t, err)
}

func TestSpectatorConfirmsBroadcasts(t *testing.T) {
	w := newWorld(t, nil)
	const spectator core.EntityID = 30
	cfg := testConfig()
	cfg.ConfirmBroadcasts = true
	var seen []*core.KillCam
	s, err := New(cfg, spectator, w.hub.Connect(spectator, 0), func(kc *core.KillCam) { seen = append(seen, kc) }, nil)
	require.NoError(t, err)
	w.victims[spectator] = s

	w.runUntil(t, 6)
	require.NoError(t, w.killer.AddKill(sender.Kill{Victim: victim, Time: w.now(), Broadcast: true}))
	w.runUntil(t, 10)

	require.Len(t, seen, 1)
	assert.True(t, seen[0].Broadcast)
	assert.Equal(t, killer, seen[0].Sender)
	assert.Equal(t, victim, seen[0].Victim)
	// Players that never expected the kill cam drop it.
	assert.Empty(t, w.played[other])
}

func TestConfigFromDefaults(t *testing.T) {
	t.Cleanup(viper.Reset)
	config.SetDefaults()

	cfg := ConfigFrom(config.GetKillCamConfig())
	assert.Equal(t, 1024, cfg.Sender.ChunkSize)
	assert.Equal(t, cfg.Sender.ChunkSize, cfg.Streamer.ChunkSize)
	assert.Equal(t, 262144, cfg.Streamer.BufferSize)
	assert.Equal(t, 4*time.Second, cfg.Sender.PreKillTime)

	s, err := New(cfg, killer, transport.NewHub(transport.HubConfig{}, nil).Connect(killer, 0), nil, nil)
	require.NoError(t, err)
	assert.True(t, s.Idle())
}
