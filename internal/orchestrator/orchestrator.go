// Package orchestrator drives a workflow run through its ordered phases:
// discovery first, continuation last, with dispatch, gating, and loop-back
// in between. The audit trail is written ahead of every state change, so a
// crashed run can always be explained from its records.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/audit"
	"github.com/conductor-sh/conductor/internal/capability"
	"github.com/conductor-sh/conductor/internal/descriptor"
	"github.com/conductor-sh/conductor/internal/guard"
	"github.com/conductor-sh/conductor/internal/registry"
	"github.com/conductor-sh/conductor/internal/runstate"
)

// Options tune a run. Zero values select the defaults.
type Options struct {
	// MaxIterations bounds continuation loop-backs; the run completes with
	// outstanding work rather than looping forever.
	MaxIterations int

	// GateQuorum is the fraction of a phase's required agents that must
	// succeed for its gate to open. 1.0 demands unanimity.
	GateQuorum float64

	// GracePeriod is how long an unsatisfiable run lingers before aborting,
	// giving in-flight observers a chance to drain.
	GracePeriod time.Duration

	// MaxParallel bounds concurrently in-flight workers in parallel phases.
	MaxParallel int

	// WorkerTimeout is the per-invocation deadline; an overrun is recorded
	// as a timeout result.
	WorkerTimeout time.Duration

	// RepetitionWindow is handed to the call guard's busy-loop detector.
	RepetitionWindow int

	// RootName names the run root when the registry holds no root-role
	// worker. The orchestrator itself acts as the root in that case.
	RootName string
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MaxIterations <= 0 {
		out.MaxIterations = 5
	}
	if out.GateQuorum <= 0 || out.GateQuorum > 1 {
		out.GateQuorum = 1.0
	}
	if out.GracePeriod <= 0 {
		out.GracePeriod = 30 * time.Second
	}
	if out.MaxParallel <= 0 {
		out.MaxParallel = 4
	}
	if out.WorkerTimeout <= 0 {
		out.WorkerTimeout = 5 * time.Minute
	}
	if out.RootName == "" {
		out.RootName = "conductor"
	}
	return out
}

// Orchestrator owns one run at a time. Construct with New, optionally attach
// a run store and an integrator, then call Run.
type Orchestrator struct {
	registry *registry.Registry
	trail    *audit.Log
	invoker  Invoker
	logger   *zap.Logger
	opts     Options
	guard    *guard.Guard
	store    *runstate.Store

	// integrate, when set, runs the discovery pipeline at the entry of the
	// discovery phase so freshly dropped descriptors join the run.
	integrate func(ctx context.Context) (*IntegrationReport, error)

	// OnPhaseStart and OnPhaseComplete observe the control loop, for status
	// display. Neither may block.
	OnPhaseStart    func(phase capability.Phase, iteration int)
	OnPhaseComplete func(rec runstate.PhaseRecord)
}

// New assembles an orchestrator. The logger may be nil.
func New(reg *registry.Registry, trail *audit.Log, invoker Invoker, logger *zap.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Orchestrator{
		registry: reg,
		trail:    trail,
		invoker:  invoker,
		logger:   logger,
		opts:     opts,
		guard:    guard.New(opts.RepetitionWindow),
	}
}

// SetRunStore attaches persistence for run state, enabling status reporting
// from outside the process.
func (o *Orchestrator) SetRunStore(store *runstate.Store) { o.store = store }

// SetIntegrator attaches the discovery pipeline invoked at each discovery
// phase entry.
func (o *Orchestrator) SetIntegrator(fn func(ctx context.Context) (*IntegrationReport, error)) {
	o.integrate = fn
}

// Guard exposes the run's call guard so workers routed through other layers
// share the same hierarchy rules.
func (o *Orchestrator) Guard() *guard.Guard { return o.guard }

// Run executes a full workflow. The returned run is terminal: Complete when
// every gate opened, Aborted when one could not. A non-nil error means the
// engine itself failed (an audit or persistence write), not the workflow.
func (o *Orchestrator) Run(ctx context.Context) (*runstate.Run, error) {
	run := runstate.NewRun()
	ctx, span := o.startRunSpan(ctx, run.ID)

	rootName := o.rootName()
	if err := o.guard.BeginRun(rootName, "orchestrate"); err != nil {
		endRunSpan(span, string(runstate.StateAborted), err)
		return nil, fmt.Errorf("starting run: %w", err)
	}
	defer o.guard.EndRun()

	o.logger.Info("run started",
		zap.String("run", run.ID),
		zap.String("root", rootName),
		zap.Int("max_iterations", o.opts.MaxIterations))

	phase := capability.First()
	for {
		if err := ctx.Err(); err != nil {
			o.abort(run, rootName, "run cancelled: "+err.Error())
			endRunSpan(span, string(run.State), err)
			return run, nil
		}

		run.CurrentPhase = phase.String()
		if err := o.saveState(run); err != nil {
			endRunSpan(span, string(runstate.StateAborted), err)
			return run, err
		}

		rec, err := o.executePhase(ctx, run, phase, rootName)
		run.PhaseHistory = append(run.PhaseHistory, rec)
		if err != nil {
			o.abort(run, rootName, err.Error())
			endRunSpan(span, string(run.State), err)
			return run, err
		}

		if !rec.GateSatisfied {
			// The gate cannot open: every required agent has reported or
			// failed terminally, and the quorum is out of reach.
			o.logger.Warn("gate unsatisfiable, aborting after grace period",
				zap.String("phase", phase.String()),
				zap.Duration("grace", o.opts.GracePeriod))
			o.waitGrace(ctx)
			o.abort(run, rootName, fmt.Sprintf("phase %s gate unsatisfied (%d/%d succeeded)", phase, rec.Succeeded, len(rec.Dispatched)))
			endRunSpan(span, string(run.State), nil)
			return run, nil
		}

		if phase == capability.Last() {
			if len(run.PendingWork) > 0 && run.IterationCount < o.opts.MaxIterations {
				o.loopBack(run, rootName, phase)
				phase = capability.First()
				continue
			}
			if len(run.PendingWork) > 0 {
				o.logger.Warn("iteration budget exhausted with pending work",
					zap.Int("iterations", run.IterationCount+1),
					zap.Int("pending", len(run.PendingWork)))
			}
			o.complete(run, rootName)
			endRunSpan(span, string(run.State), nil)
			return run, nil
		}

		phase, _ = phase.Next()
		o.guard.ResetHistory()
	}
}

// rootName resolves the run root: the registry's root-role worker when one
// is registered, the configured fallback otherwise.
func (o *Orchestrator) rootName() string {
	for _, entry := range o.registry.Snapshot() {
		if entry.Descriptor.Role == descriptor.RoleRoot {
			return entry.Descriptor.Name
		}
	}
	return o.opts.RootName
}

// loopBack rewinds the run to the first phase to absorb pending work.
func (o *Orchestrator) loopBack(run *runstate.Run, rootName string, phase capability.Phase) {
	detail := fmt.Sprintf("%d pending work item(s), starting iteration %d", len(run.PendingWork), run.IterationCount+1)
	o.appendOrLog(audit.Record{
		Run:       run.ID,
		Phase:     phase.String(),
		Iteration: run.IterationCount,
		Agent:     rootName,
		Action:    "loop-back",
		Result:    audit.ResultSuccess,
		Detail:    detail,
	})
	o.logger.Info("looping back", zap.String("run", run.ID), zap.String("detail", detail))

	run.IterationCount++
	run.PendingWork = nil
	o.guard.ResetHistory()
}

func (o *Orchestrator) complete(run *runstate.Run, rootName string) {
	run.State = runstate.StateComplete
	run.Terminal = true
	o.appendOrLog(audit.Record{
		Run:    run.ID,
		Agent:  rootName,
		Action: "run-complete",
		Result: audit.ResultSuccess,
		Detail: fmt.Sprintf("%d iteration(s)", run.IterationCount+1),
	})
	if err := o.saveState(run); err != nil {
		o.logger.Error("saving final run state", zap.Error(err))
	}
	o.logger.Info("run complete", zap.String("run", run.ID))
}

func (o *Orchestrator) abort(run *runstate.Run, rootName, reason string) {
	run.State = runstate.StateAborted
	run.Terminal = true
	run.Error = reason
	o.appendOrLog(audit.Record{
		Run:    run.ID,
		Phase:  run.CurrentPhase,
		Agent:  rootName,
		Action: "run-abort",
		Result: audit.ResultFailure,
		Detail: reason,
	})
	if err := o.saveState(run); err != nil {
		o.logger.Error("saving aborted run state", zap.Error(err))
	}
	o.logger.Error("run aborted", zap.String("run", run.ID), zap.String("reason", reason))
}

// waitGrace sleeps for the grace period, returning early on cancellation.
func (o *Orchestrator) waitGrace(ctx context.Context) {
	timer := time.NewTimer(o.opts.GracePeriod)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// appendOrLog writes an audit record for control-flow events that are
// already on an abort or completion path, where a write failure can only be
// logged.
func (o *Orchestrator) appendOrLog(rec audit.Record) {
	if _, err := o.trail.Append(rec); err != nil {
		o.logger.Error("audit write failure on control record", zap.Error(err))
	}
}

func (o *Orchestrator) saveState(run *runstate.Run) error {
	if o.store == nil {
		return nil
	}
	if err := o.store.Save(run); err != nil {
		return fmt.Errorf("persisting run state: %w", err)
	}
	return nil
}
