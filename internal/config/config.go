package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Session delivery modes.
const (
	ModeThreaded   = "threaded"
	ModeUnthreaded = "unthreaded"
)

// DefaultMaxPacketSize bounds a single frame payload read from the tunnel.
const DefaultMaxPacketSize = 10 << 20

type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Bridge    BridgeConfig    `mapstructure:"bridge"`
	Protocol  ProtocolConfig  `mapstructure:"protocol"`
	Decoder   DecoderConfig   `mapstructure:"decoder"`
	Session   SessionConfig   `mapstructure:"session"`
	Server    ServerConfig    `mapstructure:"server"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`     // json or text
	Output     string `mapstructure:"output"`     // stdout, stderr, or file path
	MaxSize    int    `mapstructure:"max_size"`   // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    int    `mapstructure:"port"`
}

// BridgeConfig locates the forwarded video socket. The forwarding itself is
// set up by the device bridge tool before this process starts.
type BridgeConfig struct {
	Address         string        `mapstructure:"address"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	ConnectAttempts int           `mapstructure:"connect_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay   time.Duration `mapstructure:"max_retry_delay"`
}

type ProtocolConfig struct {
	ExpectDummyByte bool `mapstructure:"expect_dummy_byte"`
	MaxPacketSize   int  `mapstructure:"max_packet_size"`
}

type DecoderConfig struct {
	FFmpegPath   string        `mapstructure:"ffmpeg_path"` // empty means PATH lookup
	Threads      int           `mapstructure:"threads"`     // 0 lets ffmpeg decide
	StartTimeout time.Duration `mapstructure:"start_timeout"`
}

type SessionConfig struct {
	Mode        string        `mapstructure:"mode"`
	PullTimeout time.Duration `mapstructure:"pull_timeout"`
}

type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	ListenAddr      string        `mapstructure:"listen_addr"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Snapshot endpoint limits, requests per second.
	SnapshotRate    float64 `mapstructure:"snapshot_rate"`
	SnapshotBurst   int     `mapstructure:"snapshot_burst"`
	SnapshotQuality int     `mapstructure:"snapshot_quality"`
}

type RegistryConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	RedisAddr         string        `mapstructure:"redis_addr"`
	RedisPassword     string        `mapstructure:"redis_password"`
	RedisDB           int           `mapstructure:"redis_db"`
	TTL               time.Duration `mapstructure:"ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

type DashboardConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// Load reads the YAML file at configPath. Every key can be overridden from the
// environment, e.g. DEVMIRROR_BRIDGE_ADDRESS. An empty path loads defaults
// and environment only.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetEnvPrefix("DEVMIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age", 30)

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.port", 9090)

	// Bridge defaults (default scrcpy forward port)
	v.SetDefault("bridge.address", "127.0.0.1:27183")
	v.SetDefault("bridge.dial_timeout", "2s")
	v.SetDefault("bridge.connect_attempts", 100)
	v.SetDefault("bridge.retry_delay", "100ms")
	v.SetDefault("bridge.max_retry_delay", "1s")

	// Protocol defaults
	v.SetDefault("protocol.expect_dummy_byte", true)
	v.SetDefault("protocol.max_packet_size", DefaultMaxPacketSize)

	// Decoder defaults
	v.SetDefault("decoder.ffmpeg_path", "")
	v.SetDefault("decoder.threads", 0)
	v.SetDefault("decoder.start_timeout", "5s")

	// Session defaults
	v.SetDefault("session.mode", ModeThreaded)
	v.SetDefault("session.pull_timeout", "1s")

	// Status server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen_addr", "127.0.0.1")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "5s")
	v.SetDefault("server.snapshot_rate", 5.0)
	v.SetDefault("server.snapshot_burst", 10)
	v.SetDefault("server.snapshot_quality", 80)

	// Registry defaults
	v.SetDefault("registry.enabled", false)
	v.SetDefault("registry.redis_addr", "localhost:6379")
	v.SetDefault("registry.redis_db", 0)
	v.SetDefault("registry.ttl", "30s")
	v.SetDefault("registry.heartbeat_interval", "10s")

	// Dashboard defaults
	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.refresh_interval", "500ms")
}
