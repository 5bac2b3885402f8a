package config

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/agentbus/errors"
)

// Config is the complete agentbus configuration.
type Config struct {
	Bus       BusConfig       `toml:"bus" yaml:"bus" json:"bus"`
	Agent     AgentConfig     `toml:"agent" yaml:"agent" json:"agent"`
	Registry  RegistryConfig  `toml:"registry" yaml:"registry" json:"registry"`
	Heartbeat HeartbeatConfig `toml:"heartbeat" yaml:"heartbeat" json:"heartbeat"`
	Pipeline  PipelineConfig  `toml:"pipeline" yaml:"pipeline" json:"pipeline"`
	Telemetry TelemetryConfig `toml:"telemetry" yaml:"telemetry" json:"telemetry"`
	Audit     AuditConfig     `toml:"audit" yaml:"audit" json:"audit"`
	Log       LogConfig       `toml:"log" yaml:"log" json:"log"`
	Shutdown  ShutdownConfig  `toml:"shutdown" yaml:"shutdown" json:"shutdown"`
}

type BusConfig struct {
	// MailboxCapacity bounds each mailbox; 0 means unbounded.
	MailboxCapacity int `toml:"mailbox_capacity" yaml:"mailbox_capacity" json:"mailbox_capacity"`
}

type AgentConfig struct {
	FailureThreshold int      `toml:"failure_threshold" yaml:"failure_threshold" json:"failure_threshold"`
	ReplyTimeout     Duration `toml:"reply_timeout" yaml:"reply_timeout" json:"reply_timeout"`

	// Mode forces the degraded-mode rung of the demo analyzer: "" selects
	// it from probes, otherwise normal, fallback or minimal.
	Mode string `toml:"mode" yaml:"mode" json:"mode"`
}

type RegistryConfig struct {
	DegradedThreshold float64 `toml:"degraded_threshold" yaml:"degraded_threshold" json:"degraded_threshold"`
	WatchBuffer       int     `toml:"watch_buffer" yaml:"watch_buffer" json:"watch_buffer"`
}

type HeartbeatConfig struct {
	Enabled         bool     `toml:"enabled" yaml:"enabled" json:"enabled"`
	Interval        Duration `toml:"interval" yaml:"interval" json:"interval"`
	IdleAfter       Duration `toml:"idle_after" yaml:"idle_after" json:"idle_after"`
	DisconnectAfter Duration `toml:"disconnect_after" yaml:"disconnect_after" json:"disconnect_after"`
	CheckInterval   Duration `toml:"check_interval" yaml:"check_interval" json:"check_interval"`
}

type PipelineConfig struct {
	OrchestratorID string           `toml:"orchestrator_id" yaml:"orchestrator_id" json:"orchestrator_id"`
	StepTimeout    Duration         `toml:"step_timeout" yaml:"step_timeout" json:"step_timeout"`
	RecentTTL      Duration         `toml:"recent_ttl" yaml:"recent_ttl" json:"recent_ttl"`
	Workflows      []WorkflowConfig `toml:"workflows" yaml:"workflows" json:"workflows"`
}

// WorkflowConfig declares a workflow in configuration.
type WorkflowConfig struct {
	Name  string       `toml:"name" yaml:"name" json:"name"`
	Steps []StepConfig `toml:"steps" yaml:"steps" json:"steps"`
}

type StepConfig struct {
	Name        string         `toml:"name" yaml:"name" json:"name"`
	Agent       string         `toml:"agent" yaml:"agent" json:"agent"`
	RequestType string         `toml:"request_type" yaml:"request_type" json:"request_type"`
	Timeout     Duration       `toml:"timeout" yaml:"timeout" json:"timeout,omitempty"`
	Params      map[string]any `toml:"params" yaml:"params" json:"params,omitempty"`
}

type TelemetryConfig struct {
	ServiceName string            `toml:"service_name" yaml:"service_name" json:"service_name"`
	Exporter    string            `toml:"exporter" yaml:"exporter" json:"exporter"`
	Endpoint    string            `toml:"endpoint" yaml:"endpoint" json:"endpoint,omitempty"`
	Protocol    string            `toml:"protocol" yaml:"protocol" json:"protocol"`
	Insecure    bool              `toml:"insecure" yaml:"insecure" json:"insecure"`
	Debug       bool              `toml:"debug" yaml:"debug" json:"debug"`
	SampleRate  float64           `toml:"sample_rate" yaml:"sample_rate" json:"sample_rate"`
	Headers     map[string]string `toml:"headers" yaml:"headers" json:"headers,omitempty"`
}

type AuditConfig struct {
	Enabled bool `toml:"enabled" yaml:"enabled" json:"enabled"`

	// Sinks lists "log" and/or "nats".
	Sinks  []string        `toml:"sinks" yaml:"sinks" json:"sinks"`
	Format string          `toml:"format" yaml:"format" json:"format"`
	Buffer int             `toml:"buffer" yaml:"buffer" json:"buffer"`
	NATS   NATSAuditConfig `toml:"nats" yaml:"nats" json:"nats"`
}

type NATSAuditConfig struct {
	URL           string `toml:"url" yaml:"url" json:"url"`
	Name          string `toml:"name" yaml:"name" json:"name,omitempty"`
	Token         string `toml:"token" yaml:"token" json:"-"`
	User          string `toml:"user" yaml:"user" json:"user,omitempty"`
	Password      string `toml:"password" yaml:"password" json:"-"`
	SubjectPrefix string `toml:"subject_prefix" yaml:"subject_prefix" json:"subject_prefix"`
}

type LogConfig struct {
	Level string `toml:"level" yaml:"level" json:"level"`
}

type ShutdownConfig struct {
	Timeout Duration `toml:"timeout" yaml:"timeout" json:"timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Bus: BusConfig{MailboxCapacity: 1024},
		Agent: AgentConfig{
			FailureThreshold: 3,
			ReplyTimeout:     Duration(5 * time.Second),
		},
		Registry: RegistryConfig{
			DegradedThreshold: 0.5,
			WatchBuffer:       64,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:         true,
			Interval:        Duration(5 * time.Second),
			IdleAfter:       Duration(15 * time.Second),
			DisconnectAfter: Duration(30 * time.Second),
			CheckInterval:   Duration(time.Second),
		},
		Pipeline: PipelineConfig{
			OrchestratorID: "orchestrator",
			StepTimeout:    Duration(30 * time.Second),
			RecentTTL:      Duration(5 * time.Minute),
		},
		Telemetry: TelemetryConfig{
			ServiceName: "agentbus",
			Exporter:    "none",
			Protocol:    "grpc",
			SampleRate:  1.0,
		},
		Audit: AuditConfig{
			Sinks:  []string{"log"},
			Format: "json",
			Buffer: 256,
			NATS: NATSAuditConfig{
				URL:           "nats://127.0.0.1:4222",
				SubjectPrefix: "agentbus.audit",
			},
		},
		Log:      LogConfig{Level: "info"},
		Shutdown: ShutdownConfig{Timeout: Duration(30 * time.Second)},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...interface{}) {
		errs = append(errs, errors.Newf(errors.ErrCodeInvalidInput, format, args...))
	}

	if c.Bus.MailboxCapacity < 0 {
		fail("bus.mailbox_capacity must not be negative")
	}
	if c.Agent.FailureThreshold < 0 {
		fail("agent.failure_threshold must not be negative")
	}
	switch c.Agent.Mode {
	case "", "normal", "fallback", "minimal":
	default:
		fail("agent.mode %q is not one of normal, fallback, minimal", c.Agent.Mode)
	}
	if c.Registry.DegradedThreshold < 0 || c.Registry.DegradedThreshold > 1 {
		fail("registry.degraded_threshold must be within [0, 1]")
	}
	if hb := c.Heartbeat; hb.Enabled {
		if hb.Interval <= 0 {
			fail("heartbeat.interval must be positive")
		}
		if hb.IdleAfter <= 0 || hb.DisconnectAfter <= hb.IdleAfter {
			fail("heartbeat thresholds need 0 < idle_after < disconnect_after")
		}
	}
	if c.Pipeline.StepTimeout < 0 || c.Pipeline.RecentTTL < 0 {
		fail("pipeline durations must not be negative")
	}
	seen := make(map[string]bool)
	for i, wf := range c.Pipeline.Workflows {
		if wf.Name == "" {
			fail("pipeline.workflows[%d] needs a name", i)
			continue
		}
		if seen[wf.Name] {
			fail("pipeline workflow %s is declared twice", wf.Name)
		}
		seen[wf.Name] = true
		if len(wf.Steps) == 0 {
			fail("pipeline workflow %s has no steps", wf.Name)
		}
	}
	switch c.Telemetry.Exporter {
	case "", "none", "stdout", "otlp":
	default:
		fail("telemetry.exporter %q is not one of none, stdout, otlp", c.Telemetry.Exporter)
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		fail("telemetry.sample_rate must be within [0, 1]")
	}
	switch c.Audit.Format {
	case "", "json", "cbor":
	default:
		fail("audit.format %q is not one of json, cbor", c.Audit.Format)
	}
	for _, s := range c.Audit.Sinks {
		if s != "log" && s != "nats" {
			fail("audit sink %q is not one of log, nats", s)
		}
	}
	if c.Shutdown.Timeout < 0 {
		fail("shutdown.timeout must not be negative")
	}
	return errors.Join(errs...)
}

// Load reads path over Default. The format follows the extension: .toml,
// .yaml or .yml.
func Load(path string) (Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config "+path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return ParseTOML(content)
	case ".yaml", ".yml":
		return ParseYAML(content)
	}
	return Config{}, errors.InvalidInput("unsupported config extension " + filepath.Ext(path))
}

// ParseTOML parses TOML content over Default.
func ParseTOML(content []byte) (Config, error) {
	cfg := Default()
	if _, err := toml.Decode(string(content), &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse toml config")
	}
	return cfg, cfg.Validate()
}

// ParseYAML parses YAML content over Default.
func ParseYAML(content []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, errors.Wrap(err, "parse yaml config")
	}
	return cfg, cfg.Validate()
}

// JSON renders the configuration for display. Secrets are omitted.
func (c Config) JSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}
