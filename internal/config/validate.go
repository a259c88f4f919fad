package config

import (
	"fmt"
	"net"
)

func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}

	if err := c.Bridge.Validate(); err != nil {
		return fmt.Errorf("bridge config: %w", err)
	}

	if err := c.Protocol.Validate(); err != nil {
		return fmt.Errorf("protocol config: %w", err)
	}

	if err := c.Decoder.Validate(); err != nil {
		return fmt.Errorf("decoder config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Registry.Validate(); err != nil {
		return fmt.Errorf("registry config: %w", err)
	}

	if err := c.Dashboard.Validate(); err != nil {
		return fmt.Errorf("dashboard config: %w", err)
	}

	if c.Metrics.Enabled && c.Server.Enabled && c.Metrics.Port == c.Server.Port {
		return fmt.Errorf("metrics port %d collides with status server port", c.Metrics.Port)
	}

	return nil
}

func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"panic": true,
		"fatal": true,
		"error": true,
		"warn":  true,
		"info":  true,
		"debug": true,
		"trace": true,
	}

	if !validLevels[l.Level] {
		return fmt.Errorf("invalid log level: %s", l.Level)
	}

	if l.Format != "json" && l.Format != "text" {
		return fmt.Errorf("log format must be 'json' or 'text'")
	}

	if l.Output != "stdout" && l.Output != "stderr" {
		if l.MaxSize <= 0 {
			return fmt.Errorf("max_size must be positive for file output")
		}
		if l.MaxBackups < 0 {
			return fmt.Errorf("max_backups cannot be negative")
		}
		if l.MaxAge < 0 {
			return fmt.Errorf("max_age cannot be negative")
		}
	}

	return nil
}

func (m *MetricsConfig) Validate() error {
	if m.Enabled {
		if m.Port < 1 || m.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", m.Port)
		}

		if m.Path == "" {
			return fmt.Errorf("metrics path cannot be empty")
		}
	}

	return nil
}

func (b *BridgeConfig) Validate() error {
	if b.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if _, _, err := net.SplitHostPort(b.Address); err != nil {
		return fmt.Errorf("invalid address %q: %w", b.Address, err)
	}

	if b.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout must be positive")
	}

	if b.ConnectAttempts <= 0 {
		return fmt.Errorf("connect_attempts must be positive")
	}

	if b.RetryDelay < 0 {
		return fmt.Errorf("retry_delay cannot be negative")
	}

	if b.MaxRetryDelay < b.RetryDelay {
		return fmt.Errorf("max_retry_delay (%s) cannot be less than retry_delay (%s)", b.MaxRetryDelay, b.RetryDelay)
	}

	return nil
}

func (p *ProtocolConfig) Validate() error {
	if p.MaxPacketSize <= 0 {
		return fmt.Errorf("max_packet_size must be positive")
	}

	return nil
}

func (d *DecoderConfig) Validate() error {
	if d.Threads < 0 {
		return fmt.Errorf("threads cannot be negative")
	}

	if d.StartTimeout <= 0 {
		return fmt.Errorf("start_timeout must be positive")
	}

	return nil
}

func (s *SessionConfig) Validate() error {
	switch s.Mode {
	case ModeThreaded, ModeUnthreaded:
	default:
		return fmt.Errorf("mode must be '%s' or '%s', got %q", ModeThreaded, ModeUnthreaded, s.Mode)
	}

	return nil
}

func (s *ServerConfig) Validate() error {
	if !s.Enabled {
		return nil
	}

	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("invalid port: %d", s.Port)
	}

	if s.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}

	if s.SnapshotRate <= 0 {
		return fmt.Errorf("snapshot_rate must be positive")
	}

	if s.SnapshotBurst <= 0 {
		return fmt.Errorf("snapshot_burst must be positive")
	}

	if s.SnapshotQuality < 1 || s.SnapshotQuality > 100 {
		return fmt.Errorf("snapshot_quality must be between 1 and 100")
	}

	return nil
}

func (r *RegistryConfig) Validate() error {
	if !r.Enabled {
		return nil
	}

	if r.RedisAddr == "" {
		return fmt.Errorf("redis_addr cannot be empty")
	}

	if r.RedisDB < 0 {
		return fmt.Errorf("invalid Redis database number: %d", r.RedisDB)
	}

	if r.TTL <= 0 {
		return fmt.Errorf("ttl must be positive")
	}

	if r.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}

	if r.HeartbeatInterval >= r.TTL {
		return fmt.Errorf("heartbeat_interval (%s) must be shorter than ttl (%s)", r.HeartbeatInterval, r.TTL)
	}

	return nil
}

func (d *DashboardConfig) Validate() error {
	if d.Enabled && d.RefreshInterval <= 0 {
		return fmt.Errorf("refresh_interval must be positive")
	}

	return nil
}
