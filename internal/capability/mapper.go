// Package capability assigns discovered workers to workflow phases.
package capability

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/conductor-sh/conductor/internal/descriptor"
)

// Phase is a named stage of the workflow. Phases execute in declaration order.
type Phase int

const (
	PhaseDiscovery Phase = iota
	PhasePlanning
	PhaseResearch
	PhaseSynthesis
	PhaseImplementation
	PhaseValidation
	PhaseIntegration
	PhaseAudit
	PhaseContinuation
)

// Ordered returns every phase in execution order.
func Ordered() []Phase {
	return []Phase{
		PhaseDiscovery, PhasePlanning, PhaseResearch, PhaseSynthesis,
		PhaseImplementation, PhaseValidation, PhaseIntegration,
		PhaseAudit, PhaseContinuation,
	}
}

// First returns the initial phase of a run.
func First() Phase { return PhaseDiscovery }

// Last returns the final defined phase, where loop-back is evaluated.
func Last() Phase { return PhaseContinuation }

// Next returns the phase after p and whether one exists.
func (p Phase) Next() (Phase, bool) {
	if p >= PhaseContinuation {
		return p, false
	}
	return p + 1, true
}

var phaseNames = [...]string{
	"discovery", "planning", "research", "synthesis",
	"implementation", "validation", "integration", "audit", "continuation",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// MarshalJSON encodes the phase by name so persisted snapshots stay readable.
func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes a phase name.
func (p *Phase) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePhase(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePhase maps a name back to a Phase, for snapshot loading.
func ParsePhase(s string) (Phase, error) {
	for i, name := range phaseNames {
		if name == s {
			return Phase(i), nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", s)
}

// Mode is how eligible workers in a phase are dispatched.
type Mode int

const (
	ModeSequential Mode = iota
	ModeParallel
)

func (m Mode) String() string {
	if m == ModeParallel {
		return "parallel"
	}
	return "sequential"
}

// MarshalJSON encodes the mode by name.
func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON decodes a mode name.
func (m *Mode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "parallel" {
		*m = ModeParallel
	} else {
		*m = ModeSequential
	}
	return nil
}

// Assignment is the derived phase placement for one descriptor.
type Assignment struct {
	Phase Phase `json:"phase"`
	Mode  Mode  `json:"mode"`
}

// ConflictError reports a second worker resolving to the root role within one
// mapping batch. It is fatal to the offending worker's integration only.
type ConflictError struct {
	Name     string
	Existing string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("mapping conflict: %q resolves to root, but %q already holds the root role", e.Name, e.Existing)
}

// Mapper computes phase assignments. A Mapper tracks the unique run root
// across one registry's lifetime, so construct one per discovery batch or
// reuse a registry-scoped instance. Safe for concurrent use: a watch-mode
// re-discovery may map descriptors while a run's own discovery pass is
// in flight.
type Mapper struct {
	mu       sync.Mutex
	rootName string
}

// NewMapper returns a fresh mapper with no root recorded.
func NewMapper() *Mapper {
	return &Mapper{}
}

// Root returns the name of the recorded run root, if any.
func (m *Mapper) Root() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rootName, m.rootName != ""
}

// Map derives an Assignment from a descriptor. The rule list is ordered and
// first match wins; rule order is the tie-break for descriptors matching
// several rules.
func (m *Mapper) Map(d *descriptor.Descriptor) (Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case d.Role == descriptor.RoleCoordinator && d.HasCapability("ecosystem-management"):
		return Assignment{Phase: PhaseDiscovery, Mode: ModeSequential}, nil

	case d.Intersects("research", "analysis", "discovery"):
		return Assignment{Phase: PhaseResearch, Mode: ModeParallel}, nil

	case d.Intersects("synthesis", "integration-design"):
		return Assignment{Phase: PhaseSynthesis, Mode: ModeSequential}, nil

	case d.Intersects("implementation", "refactoring"):
		return Assignment{Phase: PhaseImplementation, Mode: ModeParallel}, nil

	case d.Intersects("validation", "testing", "security", "evidence"):
		return Assignment{Phase: PhaseValidation, Mode: ModeParallel}, nil

	case d.Role == descriptor.RoleRoot:
		if m.rootName != "" && m.rootName != d.Name {
			return Assignment{}, &ConflictError{Name: d.Name, Existing: m.rootName}
		}
		m.rootName = d.Name
		return Assignment{Phase: PhasePlanning, Mode: ModeSequential}, nil

	default:
		return Assignment{Phase: PhaseIntegration, Mode: ModeSequential}, nil
	}
}
