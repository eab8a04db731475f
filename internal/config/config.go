package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// FileName is the configuration file looked up in the config directory.
const FileName = "killcam.cfg.json"

// KillCamConfig holds the capture, streaming and relay tunables.
type KillCamConfig struct {
	ChunkSize           int           `json:"chunkSize" mapstructure:"chunkSize"`
	ChunksPerUpdate     int           `json:"chunksPerUpdate" mapstructure:"chunksPerUpdate"`
	SendBufferSize      int           `json:"sendBufferSize" mapstructure:"sendBufferSize"`
	RecordingBufferSize int           `json:"recordingBufferSize" mapstructure:"recordingBufferSize"`
	CompressBufferSize  int           `json:"compressBufferSize" mapstructure:"compressBufferSize"`
	PreKillTime         time.Duration `json:"preKillTime" mapstructure:"preKillTime"`
	PostKillTime        time.Duration `json:"postKillTime" mapstructure:"postKillTime"`
	KickInDelay         time.Duration `json:"kickInDelay" mapstructure:"kickInDelay"`
	ChunkDuration       time.Duration `json:"chunkDuration" mapstructure:"chunkDuration"`
	ResendTolerance     time.Duration `json:"resendTolerance" mapstructure:"resendTolerance"`
	ResendMaxAge        time.Duration `json:"resendMaxAge" mapstructure:"resendMaxAge"`
	RecentRanges        int           `json:"recentRanges" mapstructure:"recentRanges"`
	ReceiveBufferSize   int           `json:"receiveBufferSize" mapstructure:"receiveBufferSize"`
	MaxStreams          int           `json:"maxStreams" mapstructure:"maxStreams"`
	ValidationTime      time.Duration `json:"validationTime" mapstructure:"validationTime"`
	HistorySize         int           `json:"historySize" mapstructure:"historySize"`
	ForwardTimeout      time.Duration `json:"forwardTimeout" mapstructure:"forwardTimeout"`
}

// TransportConfig selects how clients reach the relay.
type TransportConfig struct {
	Protocol           string `json:"protocol" mapstructure:"protocol"`
	Listen             string `json:"listen" mapstructure:"listen"`
	URL                string `json:"url" mapstructure:"url"`
	MaxChunksPerSecond int    `json:"maxChunksPerSecond" mapstructure:"maxChunksPerSecond"`
}

// MemoryConfig holds in-memory/JSON storage backend settings
type MemoryConfig struct {
	OutputDir      string `json:"outputDir" mapstructure:"outputDir"`
	CompressOutput bool   `json:"compressOutput" mapstructure:"compressOutput"`
}

// SQLiteConfig holds the sqlite archive settings.
// The database lives in memory and is dumped to Path every DumpInterval
// and on close.
type SQLiteConfig struct {
	Path         string        `json:"path" mapstructure:"path"`
	DumpInterval time.Duration `json:"dumpInterval" mapstructure:"dumpInterval"`
}

// StorageConfig selects the kill cam archive backend.
type StorageConfig struct {
	Type   string       `json:"type" mapstructure:"type"`
	Memory MemoryConfig `json:"memory" mapstructure:"memory"`
	SQLite SQLiteConfig `json:"sqlite" mapstructure:"sqlite"`
}

// DBConfig holds the postgres connection settings.
type DBConfig struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`
}

// OTelConfig holds OpenTelemetry log export settings.
type OTelConfig struct {
	Enabled      bool          `json:"enabled" mapstructure:"enabled"`
	ServiceName  string        `json:"serviceName" mapstructure:"serviceName"`
	BatchTimeout time.Duration `json:"batchTimeout" mapstructure:"batchTimeout"`
	Endpoint     string        `json:"endpoint" mapstructure:"endpoint"`
	Insecure     bool          `json:"insecure" mapstructure:"insecure"`
}

// WebConfig points at the web frontend that receives exported kill cams.
// An empty URL disables uploads.
type WebConfig struct {
	URL    string `json:"url" mapstructure:"url"`
	APIKey string `json:"apiKey" mapstructure:"apiKey"`
	Tag    string `json:"tag" mapstructure:"tag"`
}

// MonitorConfig controls the periodic relay status report.
type MonitorConfig struct {
	Interval   time.Duration `json:"interval" mapstructure:"interval"`
	StatusFile string        `json:"statusFile" mapstructure:"statusFile"`
}

// SetDefaults registers every default value. Load calls it; it is exported
// for programs that run without a config file.
func SetDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./killcamlogs")

	viper.SetDefault("killcam.chunkSize", 1024)
	viper.SetDefault("killcam.chunksPerUpdate", 4)
	viper.SetDefault("killcam.sendBufferSize", 262144)
	viper.SetDefault("killcam.recordingBufferSize", 1048576)
	viper.SetDefault("killcam.compressBufferSize", 65536)
	viper.SetDefault("killcam.preKillTime", "4s")
	viper.SetDefault("killcam.postKillTime", "1s")
	viper.SetDefault("killcam.kickInDelay", "250ms")
	viper.SetDefault("killcam.chunkDuration", "500ms")
	viper.SetDefault("killcam.resendTolerance", "100ms")
	viper.SetDefault("killcam.resendMaxAge", "10s")
	viper.SetDefault("killcam.recentRanges", 8)
	viper.SetDefault("killcam.receiveBufferSize", 262144)
	viper.SetDefault("killcam.maxStreams", 2)
	viper.SetDefault("killcam.validationTime", "2s")
	viper.SetDefault("killcam.historySize", 524288)
	viper.SetDefault("killcam.forwardTimeout", "2s")

	viper.SetDefault("transport.protocol", "websocket")
	viper.SetDefault("transport.listen", ":8765")
	viper.SetDefault("transport.url", "ws://localhost:8765/killcam")
	viper.SetDefault("transport.maxChunksPerSecond", 400)

	viper.SetDefault("storage.type", "memory")
	viper.SetDefault("storage.memory.outputDir", "./killcams")
	viper.SetDefault("storage.memory.compressOutput", true)
	viper.SetDefault("storage.sqlite.path", "./killcams.db")
	viper.SetDefault("storage.sqlite.dumpInterval", time.Minute)

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.username", "postgres")
	viper.SetDefault("db.password", "postgres")
	viper.SetDefault("db.database", "killcam")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "killcam-relay")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)

	viper.SetDefault("web.url", "")
	viper.SetDefault("web.apiKey", "")
	viper.SetDefault("web.tag", "killcam")

	viper.SetDefault("monitor.interval", "1m")
	viper.SetDefault("monitor.statusFile", "")
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file.
func Load(configDir string) error {
	SetDefaults()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %v", err)
	}

	return nil
}

// GetKillCamConfig returns the kill cam tunables.
func GetKillCamConfig() KillCamConfig {
	return KillCamConfig{
		ChunkSize:           viper.GetInt("killcam.chunkSize"),
		ChunksPerUpdate:     viper.GetInt("killcam.chunksPerUpdate"),
		SendBufferSize:      viper.GetInt("killcam.sendBufferSize"),
		RecordingBufferSize: viper.GetInt("killcam.recordingBufferSize"),
		CompressBufferSize:  viper.GetInt("killcam.compressBufferSize"),
		PreKillTime:         viper.GetDuration("killcam.preKillTime"),
		PostKillTime:        viper.GetDuration("killcam.postKillTime"),
		KickInDelay:         viper.GetDuration("killcam.kickInDelay"),
		ChunkDuration:       viper.GetDuration("killcam.chunkDuration"),
		ResendTolerance:     viper.GetDuration("killcam.resendTolerance"),
		ResendMaxAge:        viper.GetDuration("killcam.resendMaxAge"),
		RecentRanges:        viper.GetInt("killcam.recentRanges"),
		ReceiveBufferSize:   viper.GetInt("killcam.receiveBufferSize"),
		MaxStreams:          viper.GetInt("killcam.maxStreams"),
		ValidationTime:      viper.GetDuration("killcam.validationTime"),
		HistorySize:         viper.GetInt("killcam.historySize"),
		ForwardTimeout:      viper.GetDuration("killcam.forwardTimeout"),
	}
}

// GetTransportConfig returns the transport settings.
func GetTransportConfig() TransportConfig {
	return TransportConfig{
		Protocol:           viper.GetString("transport.protocol"),
		Listen:             viper.GetString("transport.listen"),
		URL:                viper.GetString("transport.url"),
		MaxChunksPerSecond: viper.GetInt("transport.maxChunksPerSecond"),
	}
}

// GetStorageConfig returns the archive backend settings.
func GetStorageConfig() StorageConfig {
	return StorageConfig{
		Type: viper.GetString("storage.type"),
		Memory: MemoryConfig{
			OutputDir:      viper.GetString("storage.memory.outputDir"),
			CompressOutput: viper.GetBool("storage.memory.compressOutput"),
		},
		SQLite: SQLiteConfig{
			Path:         viper.GetString("storage.sqlite.path"),
			DumpInterval: viper.GetDuration("storage.sqlite.dumpInterval"),
		},
	}
}

// GetDBConfig returns the postgres connection settings.
func GetDBConfig() DBConfig {
	return DBConfig{
		Host:     viper.GetString("db.host"),
		Port:     viper.GetString("db.port"),
		Username: viper.GetString("db.username"),
		Password: viper.GetString("db.password"),
		Database: viper.GetString("db.database"),
	}
}

// GetOTelConfig returns the OpenTelemetry settings.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}

// GetWebConfig returns the web frontend settings.
func GetWebConfig() WebConfig {
	return WebConfig{
		URL:    viper.GetString("web.url"),
		APIKey: viper.GetString("web.apiKey"),
		Tag:    viper.GetString("web.tag"),
	}
}

// GetMonitorConfig returns the status report settings.
func GetMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:   viper.GetDuration("monitor.interval"),
		StatusFile: viper.GetString("monitor.statusFile"),
	}
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}
