package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/foxzi/campaignd/internal/gateway"
	"github.com/foxzi/campaignd/internal/ipfilter"
	"github.com/foxzi/campaignd/internal/job"
)

// Config is the main configuration structure
type Config struct {
	API       APIConfig       `yaml:"api"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`   // Prometheus metrics configuration
	Gateway   GatewayConfig   `yaml:"gateway"`   // Messaging gateway connection
	Dispatch  DispatchConfig  `yaml:"dispatch"`  // Per-target send loop
	Scheduler SchedulerConfig `yaml:"scheduler"` // Job activation
	EventLog  EventLogConfig  `yaml:"eventlog"`  // Operator-facing log stream
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Max HTTP header size (default: 1MB)
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`   // Max job payload size, media included (default: 50MB)
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // HTTP read timeout (default: 30s)
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // HTTP write timeout (default: 30s)
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // HTTP idle timeout (default: 60s)
	AllowedIPs     []string      `yaml:"allowed_ips"`      // IP addresses/CIDRs allowed to access API (empty = allow all)
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path      string           `yaml:"path"`
	Retention *RetentionConfig `yaml:"retention"` // Finished job retention settings
}

// RetentionConfig contains finished job retention settings
type RetentionConfig struct {
	FinishedMaxAge  time.Duration `yaml:"finished_max_age"` // Delete finished jobs older than this (0 = keep forever)
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // How often to run cleanup
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`    // IP addresses/CIDRs allowed to access metrics
}

// GatewayConfig locates the gateway either through a JSON file managed by
// the operator UI, reloaded on change, or inline values
type GatewayConfig struct {
	ConfigFile   string        `yaml:"config_file"`
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	InstanceName string        `yaml:"instance_name"`
	CheckTimeout time.Duration `yaml:"check_timeout"` // Default: 10s
	SendTimeout  time.Duration `yaml:"send_timeout"`  // Default: 30s
}

// DispatchConfig contains send loop settings
type DispatchConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`   // Attempts per recipient (default: 3)
	BackoffBase   time.Duration `yaml:"backoff_base"`   // Wait is backoff_base * attempt (default: 2s)
	ProgressEvery int           `yaml:"progress_every"` // Persist progress every N recipients (default: 10)
	SendRate      float64       `yaml:"send_rate"`      // Sends per second across all jobs (0 = unlimited)
	SendBurst     int           `yaml:"send_burst"`     // Default: 1
	DefaultDelays job.Delays    `yaml:"default_delays"` // Used when a job has no delays
}

// SchedulerConfig contains job activation settings
type SchedulerConfig struct {
	SweepInterval     time.Duration `yaml:"sweep_interval"`     // Default: 60s
	GraceDelay        time.Duration `yaml:"grace_delay"`        // Delay before starting an immediate job (default: 1s)
	ResumeInterrupted *bool         `yaml:"resume_interrupted"` // Resume jobs left running on startup (default: true)
}

// EventLogConfig contains log stream settings
type EventLogConfig struct {
	MaxEntries int `yaml:"max_entries"` // Default: 1000
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
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.MaxBodyBytes == 0 {
		c.API.MaxBodyBytes = 50 << 20 // 50 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/campaignd/campaignd.db"
	}
	if c.Storage.Retention == nil {
		c.Storage.Retention = &RetentionConfig{}
	}
	if c.Storage.Retention.CleanupInterval == 0 {
		c.Storage.Retention.CleanupInterval = time.Hour
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}

	if c.Gateway.CheckTimeout == 0 {
		c.Gateway.CheckTimeout = gateway.DefaultCheckTimeout
	}
	if c.Gateway.SendTimeout == 0 {
		c.Gateway.SendTimeout = gateway.DefaultSendTimeout
	}

	if c.Dispatch.MaxAttempts == 0 {
		c.Dispatch.MaxAttempts = 3
	}
	if c.Dispatch.BackoffBase == 0 {
		c.Dispatch.BackoffBase = 2 * time.Second
	}
	if c.Dispatch.ProgressEvery == 0 {
		c.Dispatch.ProgressEvery = 10
	}
	if c.Dispatch.SendBurst == 0 {
		c.Dispatch.SendBurst = 1
	}
	if c.Dispatch.DefaultDelays == (job.Delays{}) {
		c.Dispatch.DefaultDelays = job.Delays{Min: 5, Max: 10}
	}

	if c.Scheduler.SweepInterval == 0 {
		c.Scheduler.SweepInterval = time.Minute
	}
	if c.Scheduler.GraceDelay == 0 {
		c.Scheduler.GraceDelay = time.Second
	}
	if c.Scheduler.ResumeInterrupted == nil {
		resume := true
		c.Scheduler.ResumeInterrupted = &resume
	}

	if c.EventLog.MaxEntries == 0 {
		c.EventLog.MaxEntries = 1000
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if err := c.validateGateway(); err != nil {
		return err
	}

	if err := c.validateDispatch(); err != nil {
		return err
	}

	if c.Scheduler.SweepInterval < time.Second {
		return fmt.Errorf("scheduler.sweep_interval must be at least 1s")
	}
	if c.Scheduler.GraceDelay < 0 {
		return fmt.Errorf("scheduler.grace_delay must not be negative")
	}

	if c.EventLog.MaxEntries < 0 {
		return fmt.Errorf("eventlog.max_entries must not be negative")
	}

	if err := validateIPs("api.allowed_ips", c.API.AllowedIPs); err != nil {
		return err
	}
	if err := validateIPs("metrics.allowed_ips", c.Metrics.AllowedIPs); err != nil {
		return err
	}

	return nil
}

// validateGateway validates gateway configuration
func (c *Config) validateGateway() error {
	g := c.Gateway
	inline := g.BaseURL != "" || g.APIKey != "" || g.InstanceName != ""

	if g.ConfigFile != "" && inline {
		return fmt.Errorf("gateway.config_file cannot be combined with inline gateway settings")
	}

	if inline {
		if g.BaseURL == "" || g.APIKey == "" || g.InstanceName == "" {
			return fmt.Errorf("gateway.base_url, gateway.api_key and gateway.instance_name must be set together")
		}
		u, err := url.Parse(g.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid gateway.base_url: %s", g.BaseURL)
		}
	}

	if g.CheckTimeout < 0 || g.SendTimeout < 0 {
		return fmt.Errorf("gateway timeouts must not be negative")
	}

	return nil
}

// validateDispatch validates dispatch configuration
func (c *Config) validateDispatch() error {
	d := c.Dispatch

	if d.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be at least 1")
	}
	if d.BackoffBase < 0 {
		return fmt.Errorf("dispatch.backoff_base must not be negative")
	}
	if d.ProgressEvery < 1 {
		return fmt.Errorf("dispatch.progress_every must be at least 1")
	}
	if d.SendRate < 0 {
		return fmt.Errorf("dispatch.send_rate must not be negative")
	}
	if d.DefaultDelays.Min < 0 || d.DefaultDelays.Max < d.DefaultDelays.Min {
		return fmt.Errorf("dispatch.default_delays must satisfy 0 <= min <= max")
	}

	return nil
}

func validateIPs(field string, entries []string) error {
	for _, entry := range entries {
		if _, err := ipfilter.ParsePrefix(entry); err != nil {
			return fmt.Errorf("invalid %s entry: %w", field, err)
		}
	}
	return nil
}

// HasGateway reports whether any gateway source is configured
func (c *Config) HasGateway() bool {
	return c.Gateway.ConfigFile != "" || c.Gateway.BaseURL != ""
}

// InlineGateway returns the inline gateway settings
func (c *Config) InlineGateway() gateway.Config {
	return gateway.Config{
		BaseURL:      c.Gateway.BaseURL,
		APIKey:       c.Gateway.APIKey,
		InstanceName: c.Gateway.InstanceName,
	}
}

// ResumeInterrupted reports whether jobs left running are resumed on startup
func (c *Config) ResumeInterrupted() bool {
	return c.Scheduler.ResumeInterrupted == nil || *c.Scheduler.ResumeInterrupted
}
