// Package config holds all configuration types and loading logic for alarmd.
// Fields are only added, never renamed or removed, so existing config files
// keep loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for an alarmd process.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Alarm     AlarmConfig     `yaml:"alarm"`
	History   HistoryConfig   `yaml:"history"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
	Console   ConsoleConfig   `yaml:"console"`
	Webhook   WebhookConfig   `yaml:"webhook"`
}

// NodeConfig holds network settings and the data directory.
type NodeConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// AlarmConfig bounds what a submission may ask for.
type AlarmConfig struct {
	// MaxDelay caps how far in the future an alarm can be set ("24h", "90m").
	MaxDelay string `yaml:"max_delay"`
	// MaxMessageBytes truncates longer alarm messages.
	MaxMessageBytes int `yaml:"max_message_bytes"`
	// SubscriberBuffer is the per-subscriber backlog of fired alarms before
	// a slow subscriber starts losing notifications.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// HistoryConfig controls the bbolt journal of fired, canceled and replaced
// alarms. The journal is an audit trail; pending alarms are not restored
// from it on restart.
type HistoryConfig struct {
	Enabled bool `yaml:"enabled"`
	// File is relative to node.data_dir unless absolute.
	File string `yaml:"file"`
	// MaxRecords bounds the journal; the oldest records are pruned first.
	MaxRecords int `yaml:"max_records"`
}

// AuthConfig controls API key authentication on the HTTP API.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// RateLimitConfig sets the per-client token bucket on the HTTP API.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// ConsoleConfig controls the interactive "Alarm>" prompt on stdin.
type ConsoleConfig struct {
	Enabled bool   `yaml:"enabled"`
	Prompt  string `yaml:"prompt"`
}

// WebhookConfig controls POSTing fired alarms to external URLs. Endpoints
// are registered at startup; more can be added through the HTTP API.
type WebhookConfig struct {
	Timeout     string            `yaml:"timeout"`      // per attempt, e.g. "10s"
	MaxAttempts int               `yaml:"max_attempts"` // including the first
	Backoff     string            `yaml:"backoff"`      // first retry delay, doubled each retry
	Endpoints   []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookEndpoint is one statically configured webhook.
type WebhookEndpoint struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
	// AlarmID limits the webhook to one message number.
	AlarmID *int `yaml:"alarm_id"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Host:    "127.0.0.1",
			Port:    8080,
			DataDir: "./data",
		},
		Alarm: AlarmConfig{
			MaxDelay:         "24h",
			MaxMessageBytes:  64,
			SubscriberBuffer: 64,
		},
		History: HistoryConfig{
			Enabled:    true,
			File:       "history.db",
			MaxRecords: 10_000,
		},
		Auth: AuthConfig{
			Enabled: false,
			APIKey:  "",
		},
		RateLimit: RateLimitConfig{
			RPS:   100,
			Burst: 200,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Console: ConsoleConfig{
			Enabled: true,
			Prompt:  "Alarm> ",
		},
		Webhook: WebhookConfig{
			Timeout:     "10s",
			MaxAttempts: 3,
			Backoff:     "500ms",
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error.
//
// After loading the file, environment variables are applied as overrides:
//
//	ALARMD_API_KEY    sets auth.api_key and enables auth
//	ALARMD_DATA_DIR   sets node.data_dir
//	ALARMD_PORT       sets node.port
//	ALARMD_LOG_LEVEL  sets log.level
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ALARMD_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("ALARMD_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("ALARMD_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Node.Port = p
		}
	}
	if v := os.Getenv("ALARMD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
}

// MaxDelayDuration parses alarm.max_delay.
func (c *Config) MaxDelayDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.Alarm.MaxDelay)
	if err != nil {
		return 0, fmt.Errorf("alarm.max_delay: %w", err)
	}
	return d, nil
}

// WebhookTimings parses webhook.timeout and webhook.backoff.
func (c *Config) WebhookTimings() (timeout, backoff time.Duration, err error) {
	timeout, err = time.ParseDuration(c.Webhook.Timeout)
	if err != nil {
		return 0, 0, fmt.Errorf("webhook.timeout: %w", err)
	}
	backoff, err = time.ParseDuration(c.Webhook.Backoff)
	if err != nil {
		return 0, 0, fmt.Errorf("webhook.backoff: %w", err)
	}
	return timeout, backoff, nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Node.Host, c.Node.Port)
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.History.Enabled && c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty when history is enabled")
	}
	d, err := c.MaxDelayDuration()
	if err != nil {
		return err
	}
	if d <= 0 {
		return errors.New("alarm.max_delay must be positive")
	}
	if c.Alarm.MaxMessageBytes < 1 {
		return errors.New("alarm.max_message_bytes must be at least 1")
	}
	if c.Alarm.SubscriberBuffer < 1 {
		return errors.New("alarm.subscriber_buffer must be at least 1")
	}
	if c.History.Enabled {
		if c.History.File == "" {
			return errors.New("history.file must not be empty")
		}
		if c.History.MaxRecords < 1 {
			return errors.New("history.max_records must be at least 1")
		}
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst < 1 {
		return errors.New("rate_limit.rps must be positive and rate_limit.burst at least 1")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	timeout, backoff, err := c.WebhookTimings()
	if err != nil {
		return err
	}
	if timeout <= 0 || backoff <= 0 {
		return errors.New("webhook.timeout and webhook.backoff must be positive")
	}
	if c.Webhook.MaxAttempts < 1 {
		return errors.New("webhook.max_attempts must be at least 1")
	}
	for i, ep := range c.Webhook.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("webhook.endpoints[%d].url must not be empty", i)
		}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.New(`log.level must be one of "debug", "info", "warn", "error"`)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return errors.New(`log.format must be one of "json", "text"`)
	}
	return nil
}
