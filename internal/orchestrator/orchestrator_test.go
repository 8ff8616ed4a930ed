package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/conductor-sh/conductor/internal/audit"
	"github.com/conductor-sh/conductor/internal/capability"
	"github.com/conductor-sh/conductor/internal/descriptor"
	"github.com/conductor-sh/conductor/internal/registry"
	"github.com/conductor-sh/conductor/internal/runstate"
)

func openTrail(t *testing.T) *audit.Log {
	t.Helper()
	trail, err := audit.Open(filepath.Join(t.TempDir(), "audit.jsonl"))
	if err != nil {
		t.Fatalf("opening audit log: %v", err)
	}
	t.Cleanup(func() { trail.Close() })
	return trail
}

// addAgent registers and validates a worker directly, bypassing discovery.
func addAgent(t *testing.T, reg *registry.Registry, m *capability.Mapper, name string, role descriptor.Role, caps ...string) {
	t.Helper()
	d := &descriptor.Descriptor{
		Name:         name,
		Description:  name + " does " + name + " things",
		Role:         role,
		Capabilities: caps,
	}
	a, err := m.Map(d)
	if err != nil {
		t.Fatalf("mapping %s: %v", name, err)
	}
	if _, err := reg.Upsert(d, a); err != nil {
		t.Fatalf("registering %s: %v", name, err)
	}
	if _, err := reg.Validate(name); err != nil {
		t.Fatalf("validating %s: %v", name, err)
	}
}

// scriptedInvoker routes invocations to per-agent functions, succeeding by
// default, and counts every call.
type scriptedInvoker struct {
	mu      sync.Mutex
	scripts map[string]func(ctx context.Context, inv Invocation) (*InvocationResult, error)
	calls   map[string]int
}

func newScriptedInvoker() *scriptedInvoker {
	return &scriptedInvoker{
		scripts: make(map[string]func(ctx context.Context, inv Invocation) (*InvocationResult, error)),
		calls:   make(map[string]int),
	}
}

func (s *scriptedInvoker) Invoke(ctx context.Context, inv Invocation) (*InvocationResult, error) {
	s.mu.Lock()
	s.calls[inv.Agent]++
	script := s.scripts[inv.Agent]
	s.mu.Unlock()
	if script != nil {
		return script(ctx, inv)
	}
	return &InvocationResult{Output: "ok"}, nil
}

func (s *scriptedInvoker) callCount(agent string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[agent]
}

func fastOptions() Options {
	return Options{
		MaxIterations: 3,
		GateQuorum:    1.0,
		GracePeriod:   5 * time.Millisecond,
		MaxParallel:   4,
		WorkerTimeout: time.Second,
	}
}

// collectTrail drains the whole audit trail.
func collectTrail(t *testing.T, trail *audit.Log, filter audit.Filter) []*audit.Record {
	t.Helper()
	cursor, err := trail.Query(filter)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	records, err := cursor.Collect()
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	return records
}

func TestRun_CompletesThroughAllPhases(t *testing.T) {
	reg := registry.New()
	m := capability.NewMapper()
	addAgent(t, reg, m, "maestro", descriptor.RoleRoot)
	addAgent(t, reg, m, "herder", descriptor.RoleCoordinator, "ecosystem-management")
	addAgent(t, reg, m, "scout", descriptor.RoleSpecialist, "research")
	addAgent(t, reg, m, "builder", descriptor.RoleSpecialist, "implementation")
	addAgent(t, reg, m, "checker", descriptor.RoleSpecialist, "validation")

	trail := openTrail(t)
	invoker := newScriptedInvoker()
	orch := New(reg, trail, invoker, nil, fastOptions())

	run, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if run.State != runstate.StateComplete || !run.Terminal {
		t.Fatalf("expected complete terminal run, got %s (terminal=%v): %s", run.State, run.Terminal, run.Error)
	}
	if got := len(run.PhaseHistory); got != len(capability.Ordered()) {
		t.Errorf("expected one record per phase, got %d", got)
	}
	for _, rec := range run.PhaseHistory {
		if !rec.GateSatisfied {
			t.Errorf("phase %s gate not satisfied", rec.Phase)
		}
	}

	// Each dispatched agent has a dispatch record followed by a success.
	dispatched := map[string]capability.Phase{
		"herder":  capability.PhaseDiscovery,
		"scout":   capability.PhaseResearch,
		"builder": capability.PhaseImplementation,
		"checker": capability.PhaseValidation,
		"maestro": capability.PhasePlanning,
	}
	for agent, phase := range dispatched {
		records := collectTrail(t, trail, audit.Filter{Run: run.ID, Agent: agent, Action: phase.String()})
		if len(records) != 2 {
			t.Fatalf("agent %s: expected dispatch+terminal, got %d records", agent, len(records))
		}
		if records[0].Result != audit.ResultDispatched || records[1].Result != audit.ResultSuccess {
			t.Errorf("agent %s: record order wrong: %s then %s", agent, records[0].Result, records[1].Result)
		}
		if records[0].Seq >= records[1].Seq {
			t.Errorf("agent %s: sequence not monotonic", agent)
		}
	}
}

func TestRun_GateFailureAborts(t *testing.T) {
	reg := registry.New()
	m := capability.NewMapper()
	addAgent(t, reg, m, "scout", descriptor.RoleSpecialist, "research")
	addAgent(t, reg, m, "checker", descriptor.RoleSpecialist, "validation")

	trail := openTrail(t)
	invoker := newScriptedInvoker()
	invoker.scripts["checker"] = func(ctx context.Context, inv Invocation) (*InvocationResult, error) {
		return nil, errors.New("evidence missing")
	}
	orch := New(reg, trail, invoker, nil, fastOptions())

	run, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("engine error: %v", err)
	}
	if run.State != runstate.StateAborted {
		t.Fatalf("expected aborted run, got %s", run.State)
	}
	if !strings.Contains(run.Error, "validation") {
		t.Errorf("abort reason should name the phase: %q", run.Error)
	}

	// The run never reached continuation.
	for _, rec := range run.PhaseHistory {
		if rec.Phase == capability.PhaseContinuation.String() {
			t.Error("aborted run must not reach the final phase")
		}
	}

	records := collectTrail(t, trail, audit.Filter{Run: run.ID, Action: "run-abort"})
	if len(records) != 1 || records[0].Result != audit.ResultFailure {
		t.Errorf("expected one abort record, got %+v", records)
	}
}

func TestRun_TimeoutRecorded(t *testing.T) {
	reg := registry.New()
	m := capability.NewMapper()
	addAgent(t, reg, m, "scout", descriptor.RoleSpecialist, "research")

	trail := openTrail(t)
	invoker := newScriptedInvoker()
	invoker.scripts["scout"] = func(ctx context.Context, inv Invocation) (*InvocationResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	opts := fastOptions()
	opts.WorkerTimeout = 20 * time.Millisecond
	orch := New(reg, trail, invoker, nil, opts)

	run, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("engine error: %v", err)
	}
	if run.State != runstate.StateAborted {
		t.Fatalf("unanimous quorum with a timed-out worker must abort, got %s", run.State)
	}

	records := collectTrail(t, trail, audit.Filter{Run: run.ID, Agent: "scout", Result: audit.ResultTimeout})
	if len(records) != 1 {
		t.Fatalf("expected one timeout record, got %d", len(records))
	}
}

func TestRun_LoopBackOnPendingWork(t *testing.T) {
	reg := registry.New()
	m := capability.NewMapper()
	addAgent(t, reg, m, "scout", descriptor.RoleSpecialist, "research")

	trail := openTrail(t)
	invoker := newScriptedInvoker()
	var once sync.Once
	invoker.scripts["scout"] = func(ctx context.Context, inv Invocation) (*InvocationResult, error) {
		res := &InvocationResult{Output: "ok"}
		once.Do(func() {
			res.PendingWork = []runstate.WorkItem{{Agent: "scout", Description: "unexplored corner", Priority: "high"}}
		})
		return res, nil
	}
	orch := New(reg, trail, invoker, nil, fastOptions())

	run, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if run.State != runstate.StateComplete {
		t.Fatalf("expected complete run, got %s: %s", run.State, run.Error)
	}
	if run.IterationCount != 1 {
		t.Errorf("expected exactly one loop-back, got iteration count %d", run.IterationCount)
	}
	if invoker.callCount("scout") != 2 {
		t.Errorf("scout should be dispatched once per iteration, got %d", invoker.callCount("scout"))
	}

	loops := collectTrail(t, trail, audit.Filter{Run: run.ID, Action: "loop-back"})
	if len(loops) != 1 {
		t.Fatalf("expected one loop-back record, got %d", len(loops))
	}

	// Both iterations carry their own dispatch records.
	for iter := 0; iter <= 1; iter++ {
		i := iter
		records := collectTrail(t, trail, audit.Filter{Run: run.ID, Agent: "scout", Iteration: &i, Result: audit.ResultSuccess})
		if len(records) != 1 {
			t.Errorf("iteration %d: expected one success record for scout, got %d", iter, len(records))
		}
	}
}

func TestRun_IterationBudgetBoundsLoopBack(t *testing.T) {
	reg := registry.New()
	m := capability.NewMapper()
	addAgent(t, reg, m, "scout", descriptor.RoleSpecialist, "research")

	trail := openTrail(t)
	invoker := newScriptedInvoker()
	invoker.scripts["scout"] = func(ctx context.Context, inv Invocation) (*InvocationResult, error) {
		// Always surface more work: without a bound this loops forever.
		return &InvocationResult{
			PendingWork: []runstate.WorkItem{{Agent: "scout", Description: "more"}},
		}, nil
	}
	opts := fastOptions()
	opts.MaxIterations = 2
	orch := New(reg, trail, invoker, nil, opts)

	run, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if run.State != runstate.StateComplete {
		t.Fatalf("budget exhaustion completes the run, got %s", run.State)
	}
	// Loop-back fires while iterationCount < maxIterations, so a budget of 2
	// allows exactly two loop-backs before the run completes.
	if run.IterationCount != 2 {
		t.Errorf("expected two loop-backs with a budget of 2, got iteration count %d", run.IterationCount)
	}
	if invoker.callCount("scout") != 3 {
		t.Errorf("scout should be dispatched once per iteration, got %d", invoker.callCount("scout"))
	}
	if len(run.PendingWork) == 0 {
		t.Error("outstanding work should remain visible on the final state")
	}

	loops := collectTrail(t, trail, audit.Filter{Run: run.ID, Action: "loop-back"})
	if len(loops) != 2 {
		t.Errorf("expected two loop-back records, got %d", len(loops))
	}
}

// A worker that tries to reach back to the root is rejected, audited, and
// isolated: its siblings in the same parallel phase still complete.
func TestRun_ViolationIsolatedToBranch(t *testing.T) {
	reg := registry.New()
	m := capability.NewMapper()
	addAgent(t, reg, m, "maestro", descriptor.RoleRoot)
	addAgent(t, reg, m, "scout", descriptor.RoleSpecialist, "research")
	addAgent(t, reg, m, "digger", descriptor.RoleSpecialist, "analysis")
	addAgent(t, reg, m, "rogue", descriptor.RoleSpecialist, "discovery")

	trail := openTrail(t)
	invoker := newScriptedInvoker()
	orch := New(reg, trail, invoker, nil, func() Options {
		o := fastOptions()
		o.GateQuorum = 0.6 // two of three researchers suffice
		return o
	}())
	invoker.scripts["rogue"] = func(ctx context.Context, inv Invocation) (*InvocationResult, error) {
		branch := orch.Guard().Branch()
		if err := branch.Invoke("maestro", descriptor.RoleRoot, "plan-again"); err != nil {
			return nil, err
		}
		defer branch.Return()
		return &InvocationResult{}, nil
	}

	run, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if run.State != runstate.StateComplete {
		t.Fatalf("siblings should carry the phase, got %s: %s", run.State, run.Error)
	}

	failures := collectTrail(t, trail, audit.Filter{Run: run.ID, Agent: "rogue", Result: audit.ResultFailure})
	if len(failures) != 1 {
		t.Fatalf("expected one failure record for the violating worker, got %d", len(failures))
	}
	if !strings.Contains(failures[0].Detail, "root") {
		t.Errorf("failure detail should explain the violation: %q", failures[0].Detail)
	}
	for _, agent := range []string{"scout", "digger"} {
		successes := collectTrail(t, trail, audit.Filter{Run: run.ID, Agent: agent, Result: audit.ResultSuccess})
		if len(successes) != 1 {
			t.Errorf("sibling %s should have completed, got %d successes", agent, len(successes))
		}
	}
}

// An agent with a terminal record for the current phase attempt is not
// re-dispatched.
func TestExecutePhase_SkipsAlreadyReported(t *testing.T) {
	reg := registry.New()
	m := capability.NewMapper()
	addAgent(t, reg, m, "scout", descriptor.RoleSpecialist, "research")

	trail := openTrail(t)
	invoker := newScriptedInvoker()
	orch := New(reg, trail, invoker, nil, fastOptions())

	run := runstate.NewRun()
	if _, err := trail.Append(audit.Record{
		Run: run.ID, Phase: capability.PhaseResearch.String(), Agent: "scout",
		Action: capability.PhaseResearch.String(), Result: audit.ResultSuccess,
	}); err != nil {
		t.Fatalf("seeding trail: %v", err)
	}
	if err := orch.guard.BeginRun("conductor", "orchestrate"); err != nil {
		t.Fatalf("guard: %v", err)
	}
	defer orch.guard.EndRun()

	rec, err := orch.executePhase(context.Background(), run, capability.PhaseResearch, "conductor")
	if err != nil {
		t.Fatalf("executePhase failed: %v", err)
	}
	if invoker.callCount("scout") != 0 {
		t.Error("already-reported agent must not be re-dispatched")
	}
	if rec.Succeeded != 1 || !rec.GateSatisfied {
		t.Errorf("prior success should count toward the gate: %+v", rec)
	}
}

func TestRun_CancelledContextAborts(t *testing.T) {
	reg := registry.New()
	m := capability.NewMapper()
	addAgent(t, reg, m, "scout", descriptor.RoleSpecialist, "research")

	trail := openTrail(t)
	ctx, cancel := context.WithCancel(context.Background())
	invoker := newScriptedInvoker()
	invoker.scripts["scout"] = func(ctx context.Context, inv Invocation) (*InvocationResult, error) {
		cancel()
		return &InvocationResult{}, nil
	}
	orch := New(reg, trail, invoker, nil, fastOptions())

	run, err := orch.Run(ctx)
	if err != nil {
		t.Fatalf("engine error: %v", err)
	}
	if run.State != runstate.StateAborted {
		t.Fatalf("cancellation should abort the run, got %s", run.State)
	}
	if !strings.Contains(run.Error, "cancel") {
		t.Errorf("abort reason should mention cancellation: %q", run.Error)
	}
}

func TestRun_PersistsStateAcrossPhases(t *testing.T) {
	reg := registry.New()
	m := capability.NewMapper()
	addAgent(t, reg, m, "scout", descriptor.RoleSpecialist, "research")

	trail := openTrail(t)
	store := runstate.NewStore(filepath.Join(t.TempDir(), "run.json"))
	orch := New(reg, trail, newScriptedInvoker(), nil, fastOptions())
	orch.SetRunStore(store)

	run, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	saved, err := store.Load()
	if err != nil {
		t.Fatalf("loading saved state: %v", err)
	}
	if saved == nil || saved.ID != run.ID {
		t.Fatal("final run state not persisted")
	}
	if saved.State != runstate.StateComplete || !saved.Terminal {
		t.Errorf("persisted state should be terminal complete: %+v", saved)
	}
}

func TestGateSatisfied(t *testing.T) {
	cases := []struct {
		quorum    float64
		required  int
		succeeded int
		want      bool
	}{
		{1.0, 3, 3, true},
		{1.0, 3, 2, false},
		{1.0, 0, 0, true},
		{0.5, 4, 2, true},
		{0.5, 4, 1, false},
		{0.5, 1, 0, false}, // populated phase always needs one success
		{0.34, 3, 1, false},
		{0.33, 3, 1, true},
	}
	for _, tc := range cases {
		opts := fastOptions()
		opts.GateQuorum = tc.quorum
		o := New(registry.New(), nil, nil, nil, opts)
		if got := o.gateSatisfied(tc.required, tc.succeeded); got != tc.want {
			t.Errorf("quorum=%v required=%d succeeded=%d: got %v, want %v",
				tc.quorum, tc.required, tc.succeeded, got, tc.want)
		}
	}
}
