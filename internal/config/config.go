package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Queue    QueueConfig    `yaml:"queue"`
	Channels ChannelsConfig `yaml:"channels"`
	Tracking TrackingConfig `yaml:"tracking"`
	Consent  ConsentConfig  `yaml:"consent"`
	Senders  SendersConfig  `yaml:"senders"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig contains HTTP API settings
type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Max HTTP header size (default: 1MB)
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // HTTP read timeout (default: 30s)
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // HTTP write timeout (default: 30s)
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // HTTP idle timeout (default: 60s)
}

// DatabaseConfig contains SQLite settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// QueueConfig contains job broker and runner settings
type QueueConfig struct {
	Path            string        `yaml:"path"`    // BoltDB file path
	Workers         int           `yaml:"workers"` // Concurrent dispatch jobs
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxAttempts     int           `yaml:"max_attempts"`
	RetryBase       time.Duration `yaml:"retry_base"` // First retry delay, doubled per attempt
	CompletedMaxAge time.Duration `yaml:"completed_max_age"`
	FailedMaxAge    time.Duration `yaml:"failed_max_age"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// ChannelsConfig contains per-channel dispatch settings
type ChannelsConfig struct {
	Email EmailChannelConfig `yaml:"email"`
	SMS   SMSChannelConfig   `yaml:"sms"`
}

// EmailChannelConfig contains email batch and sender settings
type EmailChannelConfig struct {
	BatchSize  int           `yaml:"batch_size"`
	BatchDelay time.Duration `yaml:"batch_delay"`
	From       string        `yaml:"from"`
}

// SMSChannelConfig contains SMS batch and sender settings. SMS batches
// are small and spaced out: gateways throttle far below SMTP rates.
type SMSChannelConfig struct {
	BatchSize  int           `yaml:"batch_size"`
	BatchDelay time.Duration `yaml:"batch_delay"`
	SenderID   string        `yaml:"sender_id"`
}

// TrackingConfig contains link attribution settings
type TrackingConfig struct {
	BaseURL               string        `yaml:"base_url"`   // Public origin for short and unsubscribe URLs
	LinkExpiry            time.Duration `yaml:"link_expiry"`
	UnsubscribeLinkExpiry time.Duration `yaml:"unsubscribe_link_expiry"`
	SessionWindow         time.Duration `yaml:"session_window"`
	EventBuffer           int           `yaml:"event_buffer"` // Behavioral event channel capacity
	SweepInterval         time.Duration `yaml:"sweep_interval"`
}

// ConsentConfig contains consent gate settings
type ConsentConfig struct {
	ResubscribeRequiresActiveToken bool `yaml:"resubscribe_requires_active_token"`
}

// SendersConfig contains provider adapter settings
type SendersConfig struct {
	SMTP SMTPSenderConfig `yaml:"smtp"`
	SMS  SMSSenderConfig  `yaml:"sms"`
	Mock bool             `yaml:"mock"` // Replace all providers with the in-memory mock
}

// SMTPSenderConfig contains the upstream SMTP relay settings
type SMTPSenderConfig struct {
	Addr     string        `yaml:"addr"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SMSSenderConfig contains the SMS gateway settings
type SMSSenderConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // Default: /metrics
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.MaxHeaderBytes == 0 {
		c.Server.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}

	if c.Database.Path == "" {
		c.Database.Path = "/var/lib/dispatchly/dispatchly.db"
	}

	if c.Queue.Path == "" {
		c.Queue.Path = "/var/lib/dispatchly/queue.db"
	}
	if c.Queue.Workers == 0 {
		c.Queue.Workers = 2
	}
	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = time.Second
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Queue.RetryBase == 0 {
		c.Queue.RetryBase = 30 * time.Second
	}
	if c.Queue.CompletedMaxAge == 0 {
		c.Queue.CompletedMaxAge = 24 * time.Hour
	}
	if c.Queue.FailedMaxAge == 0 {
		c.Queue.FailedMaxAge = 7 * 24 * time.Hour
	}
	if c.Queue.SweepInterval == 0 {
		c.Queue.SweepInterval = time.Hour
	}

	if c.Channels.Email.BatchSize == 0 {
		c.Channels.Email.BatchSize = 100
	}
	if c.Channels.Email.BatchDelay == 0 {
		c.Channels.Email.BatchDelay = time.Second
	}
	if c.Channels.SMS.BatchSize == 0 {
		c.Channels.SMS.BatchSize = 10
	}
	if c.Channels.SMS.BatchDelay == 0 {
		c.Channels.SMS.BatchDelay = 2 * time.Second
	}

	if c.Tracking.LinkExpiry == 0 {
		c.Tracking.LinkExpiry = 90 * 24 * time.Hour
	}
	if c.Tracking.UnsubscribeLinkExpiry == 0 {
		c.Tracking.UnsubscribeLinkExpiry = 365 * 24 * time.Hour
	}
	if c.Tracking.SessionWindow == 0 {
		c.Tracking.SessionWindow = 30 * 24 * time.Hour
	}
	if c.Tracking.EventBuffer == 0 {
		c.Tracking.EventBuffer = 256
	}
	if c.Tracking.SweepInterval == 0 {
		c.Tracking.SweepInterval = time.Hour
	}

	if c.Senders.SMTP.Timeout == 0 {
		c.Senders.SMTP.Timeout = 30 * time.Second
	}
	if c.Senders.SMS.Timeout == 0 {
		c.Senders.SMS.Timeout = 15 * time.Second
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Tracking.BaseURL == "" {
		return fmt.Errorf("tracking.base_url is required")
	}

	if !c.Senders.Mock {
		if c.Senders.SMTP.Addr == "" && c.Senders.SMS.URL == "" {
			return fmt.Errorf("at least one of senders.smtp.addr or senders.sms.url is required")
		}
	}

	if c.Queue.Workers < 0 {
		return fmt.Errorf("queue.workers must not be negative")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}
