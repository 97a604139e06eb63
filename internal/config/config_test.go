package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/campaignd/internal/job"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return cfgPath
}

func TestLoad(t *testing.T) {
	content := `
api:
  listen_addr: ":9080"
  api_key: "test-api-key"
  allowed_ips: ["10.0.0.0/8"]

storage:
  path: "/tmp/test.db"
  retention:
    finished_max_age: 720h

logging:
  level: "debug"
  format: "text"

gateway:
  base_url: "https://evolution.example.com/"
  api_key: "gw-key"
  instance_name: "main"
  send_timeout: 15s

dispatch:
  max_attempts: 5
  backoff_base: 1s
  progress_every: 25
  send_rate: 0.5
  default_delays:
    min: 2
    max: 4

scheduler:
  sweep_interval: 30s
  resume_interrupted: false

eventlog:
  max_entries: 500
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.ListenAddr != ":9080" {
		t.Errorf("API.ListenAddr = %v, want :9080", cfg.API.ListenAddr)
	}
	if cfg.API.APIKey != "test-api-key" {
		t.Errorf("API.APIKey = %v, want test-api-key", cfg.API.APIKey)
	}
	if cfg.Storage.Retention.FinishedMaxAge != 720*time.Hour {
		t.Errorf("Retention.FinishedMaxAge = %v, want 720h", cfg.Storage.Retention.FinishedMaxAge)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %v, want debug", cfg.Logging.Level)
	}

	gw := cfg.InlineGateway()
	if gw.BaseURL != "https://evolution.example.com/" || gw.APIKey != "gw-key" || gw.InstanceName != "main" {
		t.Errorf("InlineGateway() = %+v", gw)
	}
	if !cfg.HasGateway() {
		t.Error("HasGateway() = false, want true")
	}
	if cfg.Gateway.SendTimeout != 15*time.Second {
		t.Errorf("Gateway.SendTimeout = %v, want 15s", cfg.Gateway.SendTimeout)
	}
	if cfg.Gateway.CheckTimeout != 10*time.Second {
		t.Errorf("Gateway.CheckTimeout = %v, want 10s", cfg.Gateway.CheckTimeout)
	}

	if cfg.Dispatch.MaxAttempts != 5 || cfg.Dispatch.BackoffBase != time.Second || cfg.Dispatch.ProgressEvery != 25 {
		t.Errorf("Dispatch = %+v", cfg.Dispatch)
	}
	if cfg.Dispatch.SendRate != 0.5 {
		t.Errorf("Dispatch.SendRate = %v, want 0.5", cfg.Dispatch.SendRate)
	}
	if cfg.Dispatch.DefaultDelays != (job.Delays{Min: 2, Max: 4}) {
		t.Errorf("Dispatch.DefaultDelays = %+v", cfg.Dispatch.DefaultDelays)
	}

	if cfg.Scheduler.SweepInterval != 30*time.Second {
		t.Errorf("Scheduler.SweepInterval = %v, want 30s", cfg.Scheduler.SweepInterval)
	}
	if cfg.ResumeInterrupted() {
		t.Error("ResumeInterrupted() = true, want false")
	}
	if cfg.EventLog.MaxEntries != 500 {
		t.Errorf("EventLog.MaxEntries = %v, want 500", cfg.EventLog.MaxEntries)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "api:\n  api_key: secret\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.ListenAddr != ":8080" {
		t.Errorf("API.ListenAddr = %v, want :8080", cfg.API.ListenAddr)
	}
	if cfg.API.MaxBodyBytes != 50<<20 {
		t.Errorf("API.MaxBodyBytes = %v, want 50MB", cfg.API.MaxBodyBytes)
	}
	if cfg.Storage.Path != "/var/lib/campaignd/campaignd.db" {
		t.Errorf("Storage.Path = %v", cfg.Storage.Path)
	}
	if cfg.Storage.Retention.CleanupInterval != time.Hour {
		t.Errorf("Retention.CleanupInterval = %v, want 1h", cfg.Storage.Retention.CleanupInterval)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Metrics.ListenAddr != ":9090" || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
	if cfg.Dispatch.MaxAttempts != 3 || cfg.Dispatch.BackoffBase != 2*time.Second || cfg.Dispatch.ProgressEvery != 10 {
		t.Errorf("Dispatch = %+v", cfg.Dispatch)
	}
	if cfg.Scheduler.SweepInterval != time.Minute || cfg.Scheduler.GraceDelay != time.Second {
		t.Errorf("Scheduler = %+v", cfg.Scheduler)
	}
	if !cfg.ResumeInterrupted() {
		t.Error("ResumeInterrupted() should default to true")
	}
	if cfg.EventLog.MaxEntries != 1000 {
		t.Errorf("EventLog.MaxEntries = %v, want 1000", cfg.EventLog.MaxEntries)
	}
	if cfg.HasGateway() {
		t.Error("HasGateway() = true, want false")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"invalid log level", func(c *Config) { c.Logging.Level = "invalid" }, true},
		{"invalid log format", func(c *Config) { c.Logging.Format = "invalid" }, true},
		{"gateway file", func(c *Config) { c.Gateway.ConfigFile = "/etc/campaignd/gateway.json" }, false},
		{"gateway inline", func(c *Config) {
			c.Gateway.BaseURL = "http://gw:8080"
			c.Gateway.APIKey = "k"
			c.Gateway.InstanceName = "i"
		}, false},
		{"gateway inline incomplete", func(c *Config) { c.Gateway.BaseURL = "http://gw:8080" }, true},
		{"gateway file and inline", func(c *Config) {
			c.Gateway.ConfigFile = "/etc/campaignd/gateway.json"
			c.Gateway.BaseURL = "http://gw:8080"
			c.Gateway.APIKey = "k"
			c.Gateway.InstanceName = "i"
		}, true},
		{"gateway bad url", func(c *Config) {
			c.Gateway.BaseURL = "gw:8080"
			c.Gateway.APIKey = "k"
			c.Gateway.InstanceName = "i"
		}, true},
		{"zero max attempts", func(c *Config) { c.Dispatch.MaxAttempts = 0 }, true},
		{"negative send rate", func(c *Config) { c.Dispatch.SendRate = -1 }, true},
		{"inverted delays", func(c *Config) { c.Dispatch.DefaultDelays = job.Delays{Min: 5, Max: 1} }, true},
		{"sweep too short", func(c *Config) { c.Scheduler.SweepInterval = 100 * time.Millisecond }, true},
		{"bad api allowed ip", func(c *Config) { c.API.AllowedIPs = []string{"nope"} }, true},
		{"bad metrics allowed ip", func(c *Config) { c.Metrics.AllowedIPs = []string{"10.0.0.0/33"} }, true},
		{"negative eventlog size", func(c *Config) { c.EventLog.MaxEntries = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.setDefaults()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() expected error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, `invalid: yaml: content: [`))
	if err == nil {
		t.Error("Load() expected error for invalid YAML")
	}
}

func TestLoadInvalidConfig(t *testing.T) {
	_, err := Load(writeConfig(t, "logging:\n  level: loud\n"))
	if err == nil {
		t.Error("Load() expected validation error")
	}
}
