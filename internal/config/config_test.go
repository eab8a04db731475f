package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(body), 0644))
	return dir
}

func TestLoad_WithValidConfigFile(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := writeConfig(t, `{
		"logLevel": "debug",
		"db": { "host": "10.0.0.1", "port": "5433" }
	}`)

	err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "debug", viper.GetString("logLevel"))
	assert.Equal(t, "10.0.0.1", viper.GetString("db.host"))
	assert.Equal(t, "5433", viper.GetString("db.port"))
}

func TestLoad_DefaultValues(t *testing.T) {
	t.Cleanup(viper.Reset)

	require.NoError(t, Load(writeConfig(t, `{}`)))

	assert.Equal(t, "info", viper.GetString("logLevel"))
	assert.Equal(t, "./killcamlogs", viper.GetString("logsDir"))
	assert.Equal(t, "localhost", viper.GetString("db.host"))
	assert.Equal(t, "5432", viper.GetString("db.port"))
	assert.Equal(t, "postgres", viper.GetString("db.username"))
	assert.Equal(t, "postgres", viper.GetString("db.password"))
	assert.Equal(t, "killcam", viper.GetString("db.database"))
	assert.Equal(t, "memory", viper.GetString("storage.type"))
	assert.Equal(t, "./killcams", viper.GetString("storage.memory.outputDir"))
	assert.Equal(t, true, viper.GetBool("storage.memory.compressOutput"))
	assert.Equal(t, false, viper.GetBool("otel.enabled"))
	assert.Equal(t, "killcam-relay", viper.GetString("otel.serviceName"))
}

func TestLoad_MissingFile(t *testing.T) {
	t.Cleanup(viper.Reset)

	err := Load("/nonexistent/path")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestGetKillCamConfig_Defaults(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(writeConfig(t, `{}`)))

	kc := GetKillCamConfig()
	assert.Equal(t, 1024, kc.ChunkSize)
	assert.Equal(t, 4, kc.ChunksPerUpdate)
	assert.Equal(t, 262144, kc.SendBufferSize)
	assert.Equal(t, 1048576, kc.RecordingBufferSize)
	assert.Equal(t, 65536, kc.CompressBufferSize)
	assert.Equal(t, 4*time.Second, kc.PreKillTime)
	assert.Equal(t, time.Second, kc.PostKillTime)
	assert.Equal(t, 250*time.Millisecond, kc.KickInDelay)
	assert.Equal(t, 500*time.Millisecond, kc.ChunkDuration)
	assert.Equal(t, 100*time.Millisecond, kc.ResendTolerance)
	assert.Equal(t, 10*time.Second, kc.ResendMaxAge)
	assert.Equal(t, 8, kc.RecentRanges)
	assert.Equal(t, 262144, kc.ReceiveBufferSize)
	assert.Equal(t, 2, kc.MaxStreams)
	assert.Equal(t, 2*time.Second, kc.ValidationTime)
	assert.Equal(t, 524288, kc.HistorySize)
	assert.Equal(t, 2*time.Second, kc.ForwardTimeout)
}

func TestGetKillCamConfig_Override(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(writeConfig(t, `{
		"killcam": { "chunkSize": 512, "preKillTime": "6s", "maxStreams": 4 }
	}`)))

	kc := GetKillCamConfig()
	assert.Equal(t, 512, kc.ChunkSize)
	assert.Equal(t, 6*time.Second, kc.PreKillTime)
	assert.Equal(t, 4, kc.MaxStreams)
	assert.Equal(t, time.Second, kc.PostKillTime)
}

func TestGetTransportConfig(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(writeConfig(t, `{ "transport": { "protocol": "kcp", "listen": ":9000" } }`)))

	tc := GetTransportConfig()
	assert.Equal(t, "kcp", tc.Protocol)
	assert.Equal(t, ":9000", tc.Listen)
	assert.Equal(t, "ws://localhost:8765/killcam", tc.URL)
	assert.Equal(t, 400, tc.MaxChunksPerSecond)
}

func TestGetStorageConfig_Defaults(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(writeConfig(t, `{}`)))

	cfg := GetStorageConfig()
	assert.Equal(t, "memory", cfg.Type)
	assert.Equal(t, "./killcams", cfg.Memory.OutputDir)
	assert.Equal(t, true, cfg.Memory.CompressOutput)
	assert.Equal(t, "./killcams.db", cfg.SQLite.Path)
	assert.Equal(t, time.Minute, cfg.SQLite.DumpInterval)
}

func TestGetStorageConfig_Override(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(writeConfig(t, `{
		"storage": {
			"type": "sqlite",
			"memory": { "outputDir": "/tmp/out", "compressOutput": false },
			"sqlite": { "path": "/tmp/k.db", "dumpInterval": "30s" }
		}
	}`)))

	sc := GetStorageConfig()
	assert.Equal(t, "sqlite", sc.Type)
	assert.Equal(t, "/tmp/out", sc.Memory.OutputDir)
	assert.Equal(t, false, sc.Memory.CompressOutput)
	assert.Equal(t, "/tmp/k.db", sc.SQLite.Path)
	assert.Equal(t, 30*time.Second, sc.SQLite.DumpInterval)
}

func TestGetDBConfig(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(writeConfig(t, `{ "db": { "database": "kc" } }`)))

	db := GetDBConfig()
	assert.Equal(t, "localhost", db.Host)
	assert.Equal(t, "kc", db.Database)
}

func TestGetOTelConfig_Defaults(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(writeConfig(t, `{}`)))

	cfg := GetOTelConfig()
	assert.Equal(t, false, cfg.Enabled)
	assert.Equal(t, "killcam-relay", cfg.ServiceName)
	assert.Equal(t, 5*time.Second, cfg.BatchTimeout)
	assert.Equal(t, "", cfg.Endpoint)
	assert.Equal(t, true, cfg.Insecure)
}

func TestGetOTelConfig_Override(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(writeConfig(t, `{
		"otel": {
			"enabled": true,
			"serviceName": "my-service",
			"batchTimeout": "30s",
			"endpoint": "localhost:4317",
			"insecure": false
		}
	}`)))

	oc := GetOTelConfig()
	assert.Equal(t, true, oc.Enabled)
	assert.Equal(t, "my-service", oc.ServiceName)
	assert.Equal(t, 30*time.Second, oc.BatchTimeout)
	assert.Equal(t, "localhost:4317", oc.Endpoint)
	assert.Equal(t, false, oc.Insecure)
}

func TestGetters(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("testKey", "testValue")
	viper.Set("testInt", 42)
	viper.Set("testBool", true)
	assert.Equal(t, "testValue", GetString("testKey"))
	assert.Equal(t, 42, GetInt("testInt"))
	assert.Equal(t, true, GetBool("testBool"))
}

func TestGetWebAndMonitorConfig(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(writeConfig(t, `{
		"web": { "url": "https://ocap.example.com", "apiKey": "secret" },
		"monitor": { "statusFile": "/tmp/status.json" }
	}`)))

	web := GetWebConfig()
	assert.Equal(t, "https://ocap.example.com", web.URL)
	assert.Equal(t, "secret", web.APIKey)
	assert.Equal(t, "killcam", web.Tag)

	mon := GetMonitorConfig()
	assert.Equal(t, time.Minute, mon.Interval)
	assert.Equal(t, "/tmp/status.json", mon.StatusFile)
}
