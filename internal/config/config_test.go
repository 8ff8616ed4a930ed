package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := New()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Workflow.MaxIterations != 5 {
		t.Errorf("default max_iterations wrong: %d", cfg.Workflow.MaxIterations)
	}
	if cfg.Dispatch.WorkerTimeoutDuration() != 300*time.Second {
		t.Errorf("default worker_timeout wrong: %v", cfg.Dispatch.WorkerTimeoutDuration())
	}
	if cfg.Workflow.GateQuorum != 1.0 {
		t.Errorf("default gate_quorum wrong: %v", cfg.Workflow.GateQuorum)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conductor.toml")
	content := `
[agents]
dir = "fleet"
watch = false

[workflow]
max_iterations = 3
gate_quorum = 0.66
grace_period = "10s"

[dispatch]
max_parallel = 8
worker_timeout = "45s"
command = "./run-worker.sh"

[stream]
enabled = true
url = "nats://localhost:4222"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Agents.Dir != "fleet" || cfg.Agents.Watch {
		t.Errorf("agents section wrong: %+v", cfg.Agents)
	}
	if cfg.Workflow.MaxIterations != 3 || cfg.Workflow.GateQuorum != 0.66 {
		t.Errorf("workflow section wrong: %+v", cfg.Workflow)
	}
	if cfg.Workflow.GracePeriodDuration() != 10*time.Second {
		t.Errorf("grace_period wrong: %v", cfg.Workflow.GracePeriodDuration())
	}
	if cfg.Dispatch.MaxParallel != 8 || cfg.Dispatch.WorkerTimeoutDuration() != 45*time.Second {
		t.Errorf("dispatch section wrong: %+v", cfg.Dispatch)
	}
	if !cfg.Stream.Enabled || cfg.Stream.Subject != "conductor.audit" {
		t.Errorf("stream section wrong: %+v", cfg.Stream)
	}
}

func TestValidate_RejectsUnboundedIterations(t *testing.T) {
	cfg := New()
	cfg.Workflow.MaxIterations = 0
	if err := cfg.Validate(); err == nil {
		t.Error("unbounded iterations must be rejected")
	}
}

func TestValidate_RejectsBadQuorum(t *testing.T) {
	for _, q := range []float64{0, -0.5, 1.5} {
		cfg := New()
		cfg.Workflow.GateQuorum = q
		if err := cfg.Validate(); err == nil {
			t.Errorf("quorum %v must be rejected", q)
		}
	}
}

func TestStoragePaths(t *testing.T) {
	cfg := New()
	cfg.Storage.Path = "/var/lib/conductor"
	if cfg.RegistryPath() != "/var/lib/conductor/registry.json" {
		t.Errorf("registry path wrong: %s", cfg.RegistryPath())
	}
	if cfg.AuditPath() != "/var/lib/conductor/audit.jsonl" {
		t.Errorf("audit path wrong: %s", cfg.AuditPath())
	}
}
