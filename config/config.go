// Package config loads the cyranged daemon configuration.
//
// The file is YAML, read from /etc/cyrange/cyranged.yaml unless a path is
// given. Missing fields take the defaults below.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Off disables a scheduled pass when used as its schedule.
const Off = "off"

// Host is a Docker daemon managed by cyranged.
type Host struct {
	ID string `yaml:"id"`
	// DockerHost is a Docker endpoint such as tcp://10.0.0.5:2376. Empty
	// means the local daemon from the environment.
	DockerHost string `yaml:"docker_host,omitempty"`
}

// Scope is a group of containers on one host probed by discovery.
type Scope struct {
	ID     string            `yaml:"id"`
	Host   string            `yaml:"host"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

type Tracing struct {
	Enabled bool `yaml:"enabled"`
}

type NTP struct {
	Enabled bool   `yaml:"enabled"`
	Pool    string `yaml:"pool,omitempty"`
}

// Sync tunes the reconciliation loop. Schedules are standard cron
// expressions or "@every <duration>"; "off" disables a pass.
type Sync struct {
	Schedule               string        `yaml:"schedule"`
	StatsSchedule          string        `yaml:"stats_schedule"`
	CleanupSchedule        string        `yaml:"cleanup_schedule"`
	ResetSchedule          string        `yaml:"reset_schedule"`
	DiscoverySchedule      string        `yaml:"discovery_schedule"`
	CallTimeout            time.Duration `yaml:"call_timeout"`
	HostMinInterval        time.Duration `yaml:"host_min_interval"`
	RecordInterval         time.Duration `yaml:"record_interval"`
	Retention              time.Duration `yaml:"retention"`
	StaleSyncAfter         time.Duration `yaml:"stale_sync_after"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	HostConcurrency        int           `yaml:"host_concurrency"`
	MaxSyncAttempts        int           `yaml:"max_sync_attempts"`
}

type Config struct {
	LogLevel    string  `yaml:"log_level"`
	LogFormat   string  `yaml:"log_format"`
	DataDir     string  `yaml:"data_dir"`
	// Socket defaults to the control API socket path when empty.
	Socket      string  `yaml:"socket,omitempty"`
	MetricsAddr string  `yaml:"metrics_addr,omitempty"`
	NATSURL     string  `yaml:"nats_url,omitempty"`
	Tracing     Tracing `yaml:"tracing"`
	NTP         NTP     `yaml:"ntp"`
	Sync        Sync    `yaml:"sync"`
	Hosts       []Host  `yaml:"hosts"`
	Scopes      []Scope `yaml:"scopes,omitempty"`
}

// DefaultPath is the daemon configuration file location.
func DefaultPath() string {
	return filepath.Join("/etc", "cyrange", "cyranged.yaml")
}

// Default returns the configuration used when no file exists: one local
// Docker host and every pass on its default schedule.
func Default() Config {
	var c Config
	c.Normalize()
	return c
}

// Load reads and validates the file at path. A missing file yields the
// defaults rather than an error.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes, normalizes and validates YAML configuration.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Normalize trims fields and fills in defaults.
func (c *Config) Normalize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = filepath.Join("/var", "lib", "cyrange")
	}
	c.Socket = strings.TrimSpace(c.Socket)
	if c.NTP.Enabled && strings.TrimSpace(c.NTP.Pool) == "" {
		c.NTP.Pool = "pool.ntp.org"
	}

	s := &c.Sync
	s.Schedule = schedule(s.Schedule, "@every 5m")
	s.StatsSchedule = schedule(s.StatsSchedule, "@every 30m")
	s.CleanupSchedule = schedule(s.CleanupSchedule, "0 2 * * *")
	s.ResetSchedule = schedule(s.ResetSchedule, "0 * * * *")
	s.DiscoverySchedule = schedule(s.DiscoverySchedule, "@every 1m")
	if s.CallTimeout == 0 {
		s.CallTimeout = 30 * time.Second
	}
	if s.HostMinInterval == 0 {
		s.HostMinInterval = 30 * time.Second
	}
	if s.RecordInterval == 0 {
		s.RecordInterval = 500 * time.Millisecond
	}
	if s.Retention == 0 {
		s.Retention = 7 * 24 * time.Hour
	}
	if s.StaleSyncAfter == 0 {
		s.StaleSyncAfter = 5 * time.Minute
	}
	if s.MaxConsecutiveFailures == 0 {
		s.MaxConsecutiveFailures = 5
	}
	if s.HostConcurrency == 0 {
		s.HostConcurrency = 4
	}
	if s.MaxSyncAttempts == 0 {
		s.MaxSyncAttempts = 3
	}

	if len(c.Hosts) == 0 {
		c.Hosts = []Host{{ID: "local"}}
	}
	for i := range c.Hosts {
		c.Hosts[i].ID = strings.TrimSpace(c.Hosts[i].ID)
		c.Hosts[i].DockerHost = strings.TrimSpace(c.Hosts[i].DockerHost)
	}
	for i := range c.Scopes {
		c.Scopes[i].ID = strings.TrimSpace(c.Scopes[i].ID)
		c.Scopes[i].Host = strings.TrimSpace(c.Scopes[i].Host)
	}
}

func schedule(v, def string) string {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return def
	case strings.EqualFold(v, Off):
		return ""
	default:
		return v
	}
}

// Validate checks the normalized configuration. Cron expressions are
// checked by the supervisor when it is built.
func (c Config) Validate() error {
	var errs []error
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level must be one of debug, info, warn, error, got %q", c.LogLevel))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}

	s := c.Sync
	for name, d := range map[string]time.Duration{
		"call_timeout":      s.CallTimeout,
		"host_min_interval": s.HostMinInterval,
		"record_interval":   s.RecordInterval,
		"retention":         s.Retention,
		"stale_sync_after":  s.StaleSyncAfter,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("sync.%s must not be negative, got %s", name, d))
		}
	}
	if s.MaxConsecutiveFailures < 0 || s.HostConcurrency < 0 || s.MaxSyncAttempts < 0 {
		errs = append(errs, errors.New("sync counts must not be negative"))
	}

	hosts := make(map[string]bool, len(c.Hosts))
	for _, h := range c.Hosts {
		if h.ID == "" {
			errs = append(errs, errors.New("hosts: id is required"))
			continue
		}
		if hosts[h.ID] {
			errs = append(errs, fmt.Errorf("hosts: duplicate id %q", h.ID))
		}
		hosts[h.ID] = true
	}
	for _, sc := range c.Scopes {
		if sc.ID == "" {
			errs = append(errs, errors.New("scopes: id is required"))
			continue
		}
		if !hosts[sc.Host] {
			errs = append(errs, fmt.Errorf("scope %q: unknown host %q", sc.ID, sc.Host))
		}
	}
	return errors.Join(errs...)
}
