// Package config provides configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the orchestrator configuration. Every scheduling knob —
// parallel width, per-worker timeout, loop-back bound, gate tolerance — lives
// here rather than in core logic.
type Config struct {
	Agents   AgentsConfig   `toml:"agents"`
	Storage  StorageConfig  `toml:"storage"`
	Workflow WorkflowConfig `toml:"workflow"`
	Dispatch DispatchConfig `toml:"dispatch"`
	Stream   StreamConfig   `toml:"stream"`
	Logging  LoggingConfig  `toml:"logging"`
}

// AgentsConfig locates the worker definition documents.
type AgentsConfig struct {
	Dir   string `toml:"dir"`   // Directory of definition documents
	Watch bool   `toml:"watch"` // Re-scan on changes between iterations
}

// StorageConfig contains persistent state settings.
type StorageConfig struct {
	Path string `toml:"path"` // Base directory for registry snapshot, run state, audit trail
}

// WorkflowConfig bounds the phase state machine.
type WorkflowConfig struct {
	MaxIterations int      `toml:"max_iterations"` // Loop-back bound; must be finite
	GateQuorum    float64  `toml:"gate_quorum"`    // Fraction of required agents that must succeed (0..1]
	GracePeriod   duration `toml:"grace_period"`   // Wait before aborting an unsatisfiable phase
}

// DispatchConfig bounds worker invocation.
type DispatchConfig struct {
	MaxParallel   int      `toml:"max_parallel"`   // Concurrency limit for parallel phases
	WorkerTimeout duration `toml:"worker_timeout"` // Per-invocation timeout
	Command       string   `toml:"command"`        // Worker command; receives agent/phase/action via env
}

// StreamConfig configures the optional live audit fan-out.
type StreamConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`     // NATS server URL
	Subject string `toml:"subject"` // Subject audit records are published on
}

// LoggingConfig controls the operational logger (not the audit trail).
type LoggingConfig struct {
	Debug bool `toml:"debug"`
}

// duration wraps time.Duration for TOML string values like "300s".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

// GracePeriodDuration returns the grace period as a time.Duration.
func (w WorkflowConfig) GracePeriodDuration() time.Duration { return time.Duration(w.GracePeriod) }

// WorkerTimeoutDuration returns the per-worker timeout as a time.Duration.
func (d DispatchConfig) WorkerTimeoutDuration() time.Duration { return time.Duration(d.WorkerTimeout) }

// New creates a new config with defaults.
func New() *Config {
	return &Config{
		Agents: AgentsConfig{
			Dir:   "agents",
			Watch: true,
		},
		Storage: StorageConfig{
			Path: ".conductor",
		},
		Workflow: WorkflowConfig{
			MaxIterations: 5,
			GateQuorum:    1.0,
			GracePeriod:   duration(30 * time.Second),
		},
		Dispatch: DispatchConfig{
			MaxParallel:   4,
			WorkerTimeout: duration(300 * time.Second),
		},
		Stream: StreamConfig{
			Subject: "conductor.audit",
		},
	}
}

// Default returns a default configuration.
func Default() *Config {
	return New()
}

// LoadFile loads configuration from a TOML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads conductor.toml from the current directory, falling back
// to defaults when absent.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	cfg, err := LoadFile(filepath.Join(cwd, "conductor.toml"))
	if os.IsNotExist(err) {
		return New(), nil
	}
	return cfg, err
}

// Validate rejects configurations the orchestrator cannot honor.
func (c *Config) Validate() error {
	if c.Workflow.MaxIterations <= 0 {
		return fmt.Errorf("workflow.max_iterations must be positive and finite, got %d", c.Workflow.MaxIterations)
	}
	if c.Workflow.GateQuorum <= 0 || c.Workflow.GateQuorum > 1 {
		return fmt.Errorf("workflow.gate_quorum must be in (0, 1], got %v", c.Workflow.GateQuorum)
	}
	if c.Dispatch.MaxParallel <= 0 {
		return fmt.Errorf("dispatch.max_parallel must be positive, got %d", c.Dispatch.MaxParallel)
	}
	if c.Dispatch.WorkerTimeoutDuration() <= 0 {
		return fmt.Errorf("dispatch.worker_timeout must be positive")
	}
	return nil
}

// RegistryPath returns the registry snapshot location under the storage dir.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.Storage.Path, "registry.json")
}

// AuditPath returns the audit trail location under the storage dir.
func (c *Config) AuditPath() string {
	return filepath.Join(c.Storage.Path, "audit.jsonl")
}

// RunStatePath returns the workflow run state location under the storage dir.
func (c *Config) RunStatePath() string {
	return filepath.Join(c.Storage.Path, "run.json")
}
