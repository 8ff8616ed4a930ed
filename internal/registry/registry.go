// Package registry is the durable table of known workers — the single source
// of truth the orchestrator schedules from.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/conductor-sh/conductor/internal/capability"
	"github.com/conductor-sh/conductor/internal/descriptor"
)

// Status is the integration state of a registry entry. Transitions move
// forward only, except for the Failed escape hatch reachable from any
// non-terminal state.
type Status int

const (
	StatusDiscovered Status = iota
	StatusParsed
	StatusMapped
	StatusRegistered
	StatusValidated
	StatusFailed
)

var statusNames = [...]string{
	"discovered", "parsed", "mapped", "registered", "validated", "failed",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// MarshalJSON encodes the status by name so persisted snapshots stay readable.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a status name.
func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus maps a name back to a Status, for snapshot loading.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool { return s == StatusFailed }

// Entry is one registered worker. Entries are created on first discovery and
// updated in place; a changed descriptor triggers a new validation cycle
// rather than a silent overwrite.
type Entry struct {
	Descriptor      *descriptor.Descriptor `json:"descriptor"`
	Assignment      capability.Assignment  `json:"assignment"`
	Status          Status                 `json:"status"`
	FailureReason   string                 `json:"failure_reason,omitempty"`
	RegisteredAt    time.Time              `json:"registered_at"`
	LastValidatedAt time.Time              `json:"last_validated_at,omitzero"`
}

// clone returns a copy safe to hand to readers.
func (e *Entry) clone() *Entry {
	cp := *e
	return &cp
}

// ErrUnknownAgent is returned for operations naming an unregistered worker.
type ErrUnknownAgent struct{ Name string }

func (e *ErrUnknownAgent) Error() string { return fmt.Sprintf("unknown agent %q", e.Name) }

// Registry holds all known workers. All mutating operations go through a
// single writer lock; reads return consistent copies.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	now     func() time.Time

	// persist, when set, is called with a snapshot after every mutation.
	// A persistence failure surfaces as a write conflict, which callers
	// treat as fatal to the run.
	persist func([]*Entry) error
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// SetPersistence installs the snapshot writer invoked after each mutation.
func (r *Registry) SetPersistence(fn func([]*Entry) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persist = fn
}

// Upsert records a worker. First sight creates the entry (advanced straight
// to Mapped, since the descriptor has already been parsed and mapped). An
// identical descriptor is a no-op; a differing one resets the entry to Mapped
// and clears its validation timestamp so it goes through a fresh cycle.
func (r *Registry) Upsert(d *descriptor.Descriptor, a capability.Assignment) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.entries[d.Name]
	if !ok {
		entry := &Entry{
			Descriptor:   d,
			Assignment:   a,
			Status:       StatusMapped,
			RegisteredAt: r.now(),
		}
		r.entries[d.Name] = entry
		if err := r.flush(); err != nil {
			return nil, err
		}
		return entry.clone(), nil
	}

	if existing.Descriptor.Equal(d) && existing.Assignment == a && existing.Status != StatusFailed {
		// Idempotent: unchanged descriptor leaves the entry untouched.
		return existing.clone(), nil
	}

	existing.Descriptor = d
	existing.Assignment = a
	existing.Status = StatusMapped
	existing.FailureReason = ""
	existing.LastValidatedAt = time.Time{}
	if err := r.flush(); err != nil {
		return nil, err
	}
	return existing.clone(), nil
}

// Validate transitions an entry from Mapped or Registered to Validated after
// structural checks pass. An empty capability set is acceptable; a
// coordinator or root declaring itself as its own collaborator is not.
func (r *Registry) Validate(name string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[name]
	if !ok {
		return nil, &ErrUnknownAgent{Name: name}
	}

	switch entry.Status {
	case StatusValidated:
		return entry.clone(), nil
	case StatusMapped, StatusRegistered:
		// fallthrough to checks
	default:
		return nil, fmt.Errorf("agent %q cannot be validated from status %s", name, entry.Status)
	}

	if entry.Descriptor.Role != descriptor.RoleSpecialist {
		for _, collab := range entry.Descriptor.Collaborators {
			if collab == name {
				entry.Status = StatusFailed
				entry.FailureReason = "declares itself as a collaborator"
				if err := r.flush(); err != nil {
					return nil, err
				}
				return nil, fmt.Errorf("agent %q declares itself as a collaborator", name)
			}
		}
	}

	entry.Status = StatusValidated
	entry.LastValidatedAt = r.now()
	if err := r.flush(); err != nil {
		return nil, err
	}
	return entry.clone(), nil
}

// MarkFailed moves an entry to the terminal Failed state. The entry is
// retained for audit but excluded from phase gates until re-upserted.
func (r *Registry) MarkFailed(name, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[name]
	if !ok {
		return &ErrUnknownAgent{Name: name}
	}
	entry.Status = StatusFailed
	entry.FailureReason = reason
	return r.flush()
}

// Get returns a copy of the named entry.
func (r *Registry) Get(name string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[name]
	if !ok {
		return nil, &ErrUnknownAgent{Name: name}
	}
	return entry.clone(), nil
}

// ListByPhase returns copies of all entries assigned to phase, sorted by name.
func (r *Registry) ListByPhase(phase capability.Phase) []*Entry {
	return r.list(func(e *Entry) bool { return e.Assignment.Phase == phase })
}

// ListByStatus returns copies of all entries with the given status, sorted by name.
func (r *Registry) ListByStatus(status Status) []*Entry {
	return r.list(func(e *Entry) bool { return e.Status == status })
}

// Snapshot returns copies of every entry, sorted by name.
func (r *Registry) Snapshot() []*Entry {
	return r.list(func(*Entry) bool { return true })
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) list(keep func(*Entry) bool) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Entry
	for _, e := range r.entries {
		if keep(e) {
			out = append(out, e.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Descriptor.Name < out[j].Descriptor.Name
	})
	return out
}

// flush persists the current table. Caller must hold the write lock.
func (r *Registry) flush() error {
	if r.persist == nil {
		return nil
	}
	snapshot := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		snapshot = append(snapshot, e.clone())
	}
	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].Descriptor.Name < snapshot[j].Descriptor.Name
	})
	if err := r.persist(snapshot); err != nil {
		return fmt.Errorf("registry write conflict: %w", err)
	}
	return nil
}
