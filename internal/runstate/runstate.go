// Package runstate persists workflow run state so status reporting can
// observe a live or finished run.
package runstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the top-level condition of a workflow run.
type State string

const (
	StateRunning  State = "running"
	StateComplete State = "complete"
	StateAborted  State = "aborted"
)

// WorkItem is an outstanding high-priority item surfaced by a worker's
// result. Pending work at the final phase triggers loop-back.
type WorkItem struct {
	Agent       string `json:"agent"`
	Description string `json:"description"`
	Priority    string `json:"priority,omitempty"`
}

// PhaseRecord summarizes one concluded phase attempt.
type PhaseRecord struct {
	Phase         string    `json:"phase"`
	Iteration     int       `json:"iteration"`
	Dispatched    []string  `json:"dispatched,omitempty"`
	Succeeded     int       `json:"succeeded"`
	Failed        int       `json:"failed"`
	GateSatisfied bool      `json:"gate_satisfied"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
}

// Run is the top-level workflow state, mutated only by the orchestrator's
// control loop.
type Run struct {
	ID             string        `json:"id"`
	State          State         `json:"state"`
	CurrentPhase   string        `json:"current_phase"`
	PhaseHistory   []PhaseRecord `json:"phase_history,omitempty"`
	IterationCount int           `json:"iteration_count"`
	PendingWork    []WorkItem    `json:"pending_work,omitempty"`
	Terminal       bool          `json:"terminal"`
	Error          string        `json:"error,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// NewRun creates a fresh running workflow with a unique ID.
func NewRun() *Run {
	now := time.Now().UTC()
	return &Run{
		ID:        uuid.NewString(),
		State:     StateRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Store persists run state as a JSON file, rewritten atomically on update.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a store writing to path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Save writes the run, stamping UpdatedAt.
func (s *Store) Save(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding run state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing run state: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Load reads the last saved run. A missing file returns (nil, nil): no run
// has happened yet.
func (s *Store) Load() (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading run state: %w", err)
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("corrupt run state %s: %w", s.path, err)
	}
	return &run, nil
}
