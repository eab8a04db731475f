package memory

import (
	"compress/gzip"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/OCAP2/killcam/internal/config"
	"github.com/OCAP2/killcam/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKillCam(sender, victim core.EntityID) *core.KillCam {
	return &core.KillCam{
		Sender:      sender,
		Victim:      victim,
		ReceivedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		FirstPerson: []byte{0x81, 0x02, 0x00},
		ThirdPerson: []byte{0x83},
		Packets: []core.Packet{
			core.MustEncode(&core.Frame{FrameTime: 1}),
			core.MustEncode(&core.Frame{FrameTime: 3}),
		},
	}
}

func readExport(t *testing.T, path string, compressed bool) KillCamExport {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var export KillCamExport
	if compressed {
		gz, err := gzip.NewReader(f)
		require.NoError(t, err)
		defer gz.Close()
		require.NoError(t, json.NewDecoder(gz).Decode(&export))
	} else {
		require.NoError(t, json.NewDecoder(f).Decode(&export))
	}
	return export
}

func TestSaveKillCam(t *testing.T) {
	b := New(config.MemoryConfig{OutputDir: t.TempDir()}, nil)
	require.NoError(t, b.Init())

	require.NoError(t, b.SaveKillCam(testKillCam(1, 2)))
	require.NoError(t, b.SaveKillCam(testKillCam(3, 4)))

	kcs := b.KillCams()
	require.Len(t, kcs, 2)
	assert.Equal(t, core.EntityID(1), kcs[0].Sender)
	assert.Equal(t, core.EntityID(4), kcs[1].Victim)
}

func TestClose_ExportsJSON(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	b := New(config.MemoryConfig{OutputDir: dir, CompressOutput: false}, nil)
	require.NoError(t, b.Init())
	require.NoError(t, b.SaveKillCam(testKillCam(1, 2)))

	require.NoError(t, b.Close())

	path := b.ExportedFilePath()
	assert.Equal(t, dir, filepath.Dir(path))
	assert.True(t, strings.HasSuffix(path, ".json"))
	assert.Equal(t, 1, b.ExportedKillCams())

	export := readExport(t, path, false)
	assert.Equal(t, exportVersion, export.Version)
	require.Len(t, export.KillCams, 1)
	kc := export.KillCams[0]
	assert.Equal(t, core.EntityID(1), kc.Sender)
	assert.Equal(t, core.EntityID(2), kc.Victim)
	assert.Equal(t, []byte{0x81, 0x02, 0x00}, kc.FirstPerson)
	assert.Equal(t, 2, kc.Packets)
	assert.Equal(t, float32(2), kc.Duration)
}

func TestClose_ExportsGzip(t *testing.T) {
	b := New(config.MemoryConfig{OutputDir: t.TempDir(), CompressOutput: true}, nil)
	require.NoError(t, b.Init())
	require.NoError(t, b.SaveKillCam(testKillCam(5, 6)))
	require.NoError(t, b.Close())

	path := b.ExportedFilePath()
	assert.True(t, strings.HasSuffix(path, ".json.gz"))
	export := readExport(t, path, true)
	require.Len(t, export.KillCams, 1)
	assert.Equal(t, []byte{0x83}, export.KillCams[0].ThirdPerson)
}

func TestClose_NothingStored(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "never")
	b := New(config.MemoryConfig{OutputDir: dir}, nil)
	require.NoError(t, b.Init())
	require.NoError(t, b.Close())

	assert.Empty(t, b.ExportedFilePath())
	assert.Zero(t, b.ExportedKillCams())
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}
