package main

import (
	"testing"
	"time"

	"github.com/OCAP2/killcam/internal/client"
	"github.com/OCAP2/killcam/internal/config"
	"github.com/OCAP2/killcam/internal/forwarder"
	"github.com/OCAP2/killcam/internal/sender"
	"github.com/OCAP2/killcam/internal/storage/memory"
	"github.com/OCAP2/killcam/internal/streamer"
	"github.com/OCAP2/killcam/internal/transport"
	"github.com/OCAP2/killcam/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	killer core.EntityID = 1
	victim core.EntityID = 7
)

func sessionConfig() client.Config {
	return client.Config{
		Sender: sender.Config{
			ChunkSize:          256,
			ChunksPerUpdate:    8,
			SendBufferSize:     1 << 17,
			CompressBufferSize: 1 << 16,
			PreKillTime:        2 * time.Second,
			PostKillTime:       500 * time.Millisecond,
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

type harness struct {
	relay   *relay
	archive *memory.Backend
	killer  *client.Session
	victim  *client.Session
	played  []*core.KillCam
	frame   int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{archive: memory.New(config.MemoryConfig{OutputDir: t.TempDir()}, nil)}
	require.NoError(t, h.archive.Init())

	hub := transport.NewHub(transport.HubConfig{}, nil)
	fw, err := forwarder.New(forwarder.Config{HistorySize: 1 << 18, ForwardTimeout: 2 * time.Second}, hub, nil)
	require.NoError(t, err)

	spectatorCfg := sessionConfig()
	spectatorCfg.ConfirmBroadcasts = true
	spectator, err := client.New(spectatorCfg, archiveEntity, hub.Connect(archiveEntity, 0), nil, nil)
	require.NoError(t, err)
	spectator.SetArchive(h.archive)

	h.killer, err = client.New(sessionConfig(), killer, hub.Connect(killer, 0), nil, nil)
	require.NoError(t, err)
	h.victim, err = client.New(sessionConfig(), victim, hub.Connect(victim, 0), func(kc *core.KillCam) {
		h.played = append(h.played, kc)
	}, nil)
	require.NoError(t, err)

	h.relay = newRelay(hub, fw, spectator, nil)
	return h
}

func (h *harness) now() float32 { return float32(h.frame) / tickRate }

func (h *harness) runUntil(t *testing.T, to float32) {
	t.Helper()
	for h.now() < to {
		ft := h.now()
		fi := float32(h.frame)
		for _, r := range []core.Record{
			&core.Frame{FrameTime: ft},
			&core.FirstPersonChar{FrameTime: ft, Pos: core.Vec3{fi * 0.05, 1, 2}, Rot: core.Quat{0, 0, 0, 1}, Health: 100},
			&core.EntityLocation{FrameTime: ft, Entity: victim, Pos: core.Vec3{10, fi * 0.02, 0}, Rot: core.Quat{0, 0, 0, 1}},
		} {
			require.NoError(t, h.killer.Record(core.MustEncode(r)))
		}
		h.killer.Update(ft)
		h.relay.tick(ft)
		h.victim.Update(ft)
		h.frame++
	}
}

func TestRelayArchivesBroadcasts(t *testing.T) {
	h := newHarness(t)
	h.runUntil(t, 3)

	require.NoError(t, h.killer.AddKill(sender.Kill{Victim: victim, Time: h.now(), Broadcast: true}))
	h.runUntil(t, 6)

	kcs := h.archive.KillCams()
	require.Len(t, kcs, 1)
	assert.True(t, kcs[0].Broadcast)
	assert.Equal(t, killer, kcs[0].Sender)
	assert.Equal(t, victim, kcs[0].Victim)
	assert.NotEmpty(t, kcs[0].FirstPerson)
	assert.NotEmpty(t, kcs[0].ThirdPerson)
}

func TestRelayForwardsUnicastWithoutArchiving(t *testing.T) {
	h := newHarness(t)
	h.runUntil(t, 3)

	require.NoError(t, h.killer.AddKill(sender.Kill{Victim: victim, Time: h.now()}))
	h.victim.ExpectKillCam(killer, victim, false)
	h.runUntil(t, 6)

	require.Len(t, h.played, 1)
	assert.False(t, h.played[0].Broadcast)
	assert.Empty(t, h.archive.KillCams())
}

func TestRelayForgetsDepartedClients(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.killer.Close())

	h.relay.tick(0)

	assert.Zero(t, h.relay.hub.Departed().Len())
	assert.Equal(t, 2, h.relay.hub.Clients())
}
