// Package guard enforces legal invocation shapes over a per-run call stack.
//
// The single most important guarantee: once a run's root is active, no
// invocation sequence can reach the root again. Violations abort only the
// offending call branch — the triggering frame is never pushed and the run
// continues with its siblings.
package guard

import (
	"sync"
	"time"

	"github.com/conductor-sh/conductor/internal/descriptor"
)

// State is the guard's position in its transition diagram.
type State int

const (
	StateEmpty State = iota
	StateRootActive
	StateWorkerActive
)

func (s State) String() string {
	switch s {
	case StateRootActive:
		return "root-active"
	case StateWorkerActive:
		return "worker-active"
	default:
		return "empty"
	}
}

// Frame is one active invocation. Frames live only while their call is
// in flight.
type Frame struct {
	AgentName string
	Role      descriptor.Role
	Action    string
	EnteredAt time.Time
}

// DefaultRepetitionWindow is how many recent invocations are inspected for
// repeating-action busy loops.
const DefaultRepetitionWindow = 5

// Guard owns the call hierarchy for one workflow run. Concurrent sibling
// dispatches each get their own Branch; the root frame, the repetition
// history, and the single-root invariant are shared across branches.
type Guard struct {
	mu      sync.Mutex
	root    *Frame
	active  int     // worker frames across all branches
	window  int
	history []Frame // recent invocations, bounded by window, for repetition detection

	// OnViolation, when set, is called with the rejected frame before the
	// violation error is returned, so callers can write the audit record
	// ahead of propagation.
	OnViolation func(Frame, error)
}

// New creates a guard with the given repetition window; window <= 0 selects
// the default.
func New(window int) *Guard {
	if window <= 0 {
		window = DefaultRepetitionWindow
	}
	return &Guard{window: window}
}

// State returns the guard's current state and the worker depth across all
// branches (0 unless worker-active).
func (g *Guard) State() (State, int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case g.active > 0:
		return StateWorkerActive, g.active
	case g.root != nil:
		return StateRootActive, 0
	default:
		return StateEmpty, 0
	}
}

// BeginRun pushes the root frame. Only the root may start a call tree, and
// only on an empty stack; a second root is an invariant violation.
func (g *Guard) BeginRun(rootName, action string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	frame := Frame{AgentName: rootName, Role: descriptor.RoleRoot, Action: action, EnteredAt: time.Now()}
	if g.root != nil || g.active > 0 {
		err := &RecursionError{
			Agent:  rootName,
			Action: action,
			Reason: "root may not be invoked from an active call stack",
		}
		if g.OnViolation != nil {
			g.OnViolation(frame, err)
		}
		return err
	}
	g.root = &frame
	return nil
}

// EndRun pops the root frame once every branch has returned.
func (g *Guard) EndRun() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.root = nil
}

// ResetHistory clears the repetition window, typically between phase
// attempts so that a legitimate loop-back re-dispatch is not mistaken for a
// busy loop.
func (g *Guard) ResetHistory() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.history = nil
}

// Branch starts a new call branch rooted at the run root. Each concurrently
// dispatched worker gets its own branch; nested invocations within one
// worker's call chain stack onto the same branch.
func (g *Guard) Branch() *Branch {
	return &Branch{guard: g}
}

// Branch is one invocation chain hanging off the root frame. Branches are
// not safe for concurrent use by multiple goroutines; create one per
// dispatch instead.
type Branch struct {
	guard  *Guard
	frames []Frame
}

// Invoke validates and pushes a frame for the named agent. On violation the
// frame is not pushed, the guard's OnViolation fires, and the typed error is
// returned; the branch remains usable for its active frames.
func (b *Branch) Invoke(name string, role descriptor.Role, action string) error {
	g := b.guard
	g.mu.Lock()
	defer g.mu.Unlock()

	frame := Frame{AgentName: name, Role: role, Action: action, EnteredAt: time.Now()}

	if err := b.checkLocked(frame); err != nil {
		if g.OnViolation != nil {
			g.OnViolation(frame, err)
		}
		return err
	}

	b.frames = append(b.frames, frame)
	g.active++
	g.recordLocked(frame)
	return nil
}

// Return pops the branch's top frame. Popping an empty branch is a no-op.
func (b *Branch) Return() {
	g := b.guard
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(b.frames) > 0 {
		b.frames = b.frames[:len(b.frames)-1]
		g.active--
	}
}

// Depth returns the number of active frames on this branch.
func (b *Branch) Depth() int {
	b.guard.mu.Lock()
	defer b.guard.mu.Unlock()
	return len(b.frames)
}

// Stack returns the branch's active call chain, root first.
func (b *Branch) Stack() []string {
	b.guard.mu.Lock()
	defer b.guard.mu.Unlock()
	return b.stackNamesLocked()
}

// checkLocked applies the transition rules to a candidate frame.
func (b *Branch) checkLocked(frame Frame) error {
	g := b.guard

	// Any attempt to invoke the root from an active stack is recursion,
	// regardless of depth.
	if frame.Role == descriptor.RoleRoot {
		return &RecursionError{
			Agent:  frame.AgentName,
			Action: frame.Action,
			Reason: "root may not be invoked from an active call stack",
		}
	}

	// Cycle check: an agent already on this call chain may not be re-entered.
	if g.root != nil && g.root.AgentName == frame.AgentName {
		return &CycleError{Agent: frame.AgentName, Stack: b.stackNamesLocked()}
	}
	for _, active := range b.frames {
		if active.AgentName == frame.AgentName {
			return &CycleError{Agent: frame.AgentName, Stack: b.stackNamesLocked()}
		}
	}

	// Coordinators may only be invoked by the root.
	if frame.Role == descriptor.RoleCoordinator && len(b.frames) > 0 {
		caller := b.frames[len(b.frames)-1]
		return &HierarchyViolationError{
			Caller: caller.AgentName,
			Callee: frame.AgentName,
			Reason: "only the root may invoke a coordinator",
		}
	}

	// Busy-loop check: the same agent repeating the same action within the
	// recent-invocation window, with nothing distinct in between.
	if g.repeatsLocked(frame) {
		return &RecursionError{
			Agent:  frame.AgentName,
			Action: frame.Action,
			Reason: "repeating action",
		}
	}

	return nil
}

// repeatsLocked reports whether frame would repeat the agent's most recent
// action within the window without an intervening distinct action.
func (g *Guard) repeatsLocked(frame Frame) bool {
	for i := len(g.history) - 1; i >= 0; i-- {
		past := g.history[i]
		if past.AgentName != frame.AgentName {
			continue
		}
		return past.Action == frame.Action
	}
	return false
}

// recordLocked appends a frame to the bounded invocation history.
func (g *Guard) recordLocked(frame Frame) {
	g.history = append(g.history, frame)
	if len(g.history) > g.window {
		g.history = g.history[len(g.history)-g.window:]
	}
}

func (b *Branch) stackNamesLocked() []string {
	names := make([]string, 0, len(b.frames)+1)
	if b.guard.root != nil {
		names = append(names, b.guard.root.AgentName)
	}
	for _, f := range b.frames {
		names = append(names, f.AgentName)
	}
	return names
}
