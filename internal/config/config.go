package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ConfigFileName is the JSON file Load looks for in the config directory.
const ConfigFileName = "livesync.cfg.json"

// UserConfig identifies the local participant.
type UserConfig struct {
	ID             string `json:"id" mapstructure:"id"`
	DisplayName    string `json:"displayName" mapstructure:"displayName"`
	HighlightColor string `json:"highlightColor" mapstructure:"highlightColor"`
}

// HubConfig holds push channel settings shared by both hubs.
type HubConfig struct {
	MapURL          string
	SessionURL      string
	Token           string
	ReconnectDelays []time.Duration
	InvokeTimeout   time.Duration
}

// SyncConfig holds presence and feature echo-suppression timings.
type SyncConfig struct {
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	CreatedTTL        time.Duration
	CutDeadTime       time.Duration
	DebounceGap       time.Duration
}

// PlaybackConfig holds story playback settings.
type PlaybackConfig struct {
	FrameInterval     time.Duration
	CameraFollowPan   time.Duration
	DefaultCameraZoom float64
}

// SQLiteConfig holds SQLite storage backend settings.
type SQLiteConfig struct {
	Path         string        `json:"path" mapstructure:"path"`
	DumpPath     string        `json:"dumpPath" mapstructure:"dumpPath"`
	DumpInterval time.Duration `json:"dumpInterval" mapstructure:"dumpInterval"`
}

// DBConfig holds Postgres connection settings.
type DBConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Database string
}

// APIConfig points at the REST collaborator.
type APIConfig struct {
	ServerURL string
	APIKey    string
}

// StorageConfig selects and configures the CRUD collaborator backend.
type StorageConfig struct {
	Type   string
	SQLite SQLiteConfig
	DB     DBConfig
	API    APIConfig
}

// OTelConfig holds OpenTelemetry settings.
type OTelConfig struct {
	Enabled      bool
	ServiceName  string
	BatchTimeout time.Duration
	Endpoint     string
	Insecure     bool
}

// InfluxConfig holds telemetry sink settings.
type InfluxConfig struct {
	Enabled  bool
	Protocol string
	Host     string
	Port     string
	Token    string
	Org      string
	Bucket   string
	Interval time.Duration
}

// RelayConfig holds settings for the reference hub relay.
type RelayConfig struct {
	Addr      string
	RedisAddr string
	Channel   string
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file.
func Load(configDir string) error {
	setDefaults()

	viper.SetConfigName(ConfigFileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %v", err)
	}

	return nil
}

func setDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./livesync-logs")

	viper.SetDefault("user.id", "")
	viper.SetDefault("user.displayName", "")
	viper.SetDefault("user.highlightColor", "#3388ff")

	viper.SetDefault("hub.mapUrl", "ws://localhost:5000/hubs/map")
	viper.SetDefault("hub.sessionUrl", "ws://localhost:5000/hubs/session")
	viper.SetDefault("hub.token", "")
	viper.SetDefault("hub.reconnectDelays", []string{"0s", "2s", "10s", "30s"})
	viper.SetDefault("hub.invokeTimeout", "10s")

	viper.SetDefault("presence.heartbeatInterval", "30s")
	viper.SetDefault("presence.idleTimeout", "90s")

	viper.SetDefault("features.createdTTL", "5s")
	viper.SetDefault("features.cutDeadTime", "2s")
	viper.SetDefault("features.debounceGap", "1s")

	viper.SetDefault("playback.frameInterval", "16ms")
	viper.SetDefault("playback.cameraFollowPanMs", 100)
	viper.SetDefault("playback.defaultCameraZoom", 12.0)

	viper.SetDefault("storage.type", "memory")
	viper.SetDefault("storage.sqlite.path", "")
	viper.SetDefault("storage.sqlite.dumpPath", "")
	viper.SetDefault("storage.sqlite.dumpInterval", "1m")

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.username", "postgres")
	viper.SetDefault("db.password", "postgres")
	viper.SetDefault("db.database", "storymaps")

	viper.SetDefault("api.serverUrl", "http://localhost:5000/api")
	viper.SetDefault("api.apiKey", "")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "livesync")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.token", "")
	viper.SetDefault("influx.org", "storymaps")
	viper.SetDefault("influx.bucket", "livesync")
	viper.SetDefault("influx.interval", "15s")

	viper.SetDefault("relay.addr", ":5000")
	viper.SetDefault("relay.redisAddr", "")
	viper.SetDefault("relay.channel", "livesync:rooms")
}

// GetUserConfig returns the local participant identity.
func GetUserConfig() UserConfig {
	return UserConfig{
		ID:             viper.GetString("user.id"),
		DisplayName:    viper.GetString("user.displayName"),
		HighlightColor: viper.GetString("user.highlightColor"),
	}
}

// GetHubConfig returns hub connection settings. Unparseable reconnect delays
// are skipped; an empty schedule falls back to a single immediate retry.
func GetHubConfig() HubConfig {
	var delays []time.Duration
	for _, s := range viper.GetStringSlice("hub.reconnectDelays") {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			continue
		}
		delays = append(delays, d)
	}
	if len(delays) == 0 {
		delays = []time.Duration{0}
	}
	return HubConfig{
		MapURL:          viper.GetString("hub.mapUrl"),
		SessionURL:      viper.GetString("hub.sessionUrl"),
		Token:           viper.GetString("hub.token"),
		ReconnectDelays: delays,
		InvokeTimeout:   viper.GetDuration("hub.invokeTimeout"),
	}
}

// GetSyncConfig returns presence and suppression timings.
func GetSyncConfig() SyncConfig {
	return SyncConfig{
		HeartbeatInterval: viper.GetDuration("presence.heartbeatInterval"),
		IdleTimeout:       viper.GetDuration("presence.idleTimeout"),
		CreatedTTL:        viper.GetDuration("features.createdTTL"),
		CutDeadTime:       viper.GetDuration("features.cutDeadTime"),
		DebounceGap:       viper.GetDuration("features.debounceGap"),
	}
}

// GetPlaybackConfig returns story playback settings.
func GetPlaybackConfig() PlaybackConfig {
	return PlaybackConfig{
		FrameInterval:     viper.GetDuration("playback.frameInterval"),
		CameraFollowPan:   time.Duration(viper.GetInt("playback.cameraFollowPanMs")) * time.Millisecond,
		DefaultCameraZoom: viper.GetFloat64("playback.defaultCameraZoom"),
	}
}

// GetStorageConfig returns the CRUD backend configuration.
func GetStorageConfig() StorageConfig {
	return StorageConfig{
		Type: viper.GetString("storage.type"),
		SQLite: SQLiteConfig{
			Path:         viper.GetString("storage.sqlite.path"),
			DumpPath:     viper.GetString("storage.sqlite.dumpPath"),
			DumpInterval: viper.GetDuration("storage.sqlite.dumpInterval"),
		},
		DB: DBConfig{
			Host:     viper.GetString("db.host"),
			Port:     viper.GetString("db.port"),
			Username: viper.GetString("db.username"),
			Password: viper.GetString("db.password"),
			Database: viper.GetString("db.database"),
		},
		API: APIConfig{
			ServerURL: viper.GetString("api.serverUrl"),
			APIKey:    viper.GetString("api.apiKey"),
		},
	}
}

// GetOTelConfig returns OpenTelemetry settings.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}

// GetInfluxConfig returns telemetry sink settings.
func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled:  viper.GetBool("influx.enabled"),
		Protocol: viper.GetString("influx.protocol"),
		Host:     viper.GetString("influx.host"),
		Port:     viper.GetString("influx.port"),
		Token:    viper.GetString("influx.token"),
		Org:      viper.GetString("influx.org"),
		Bucket:   viper.GetString("influx.bucket"),
		Interval: viper.GetDuration("influx.interval"),
	}
}

// GetRelayConfig returns reference relay settings.
func GetRelayConfig() RelayConfig {
	return RelayConfig{
		Addr:      viper.GetString("relay.addr"),
		RedisAddr: viper.GetString("relay.redisAddr"),
		Channel:   viper.GetString("relay.channel"),
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
