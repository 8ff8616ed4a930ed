package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/conductor-sh/conductor/internal/audit"
	"github.com/conductor-sh/conductor/internal/capability"
	"github.com/conductor-sh/conductor/internal/descriptor"
	"github.com/conductor-sh/conductor/internal/registry"
	"github.com/conductor-sh/conductor/internal/runstate"
)

// dispatchOutcome is the orchestrator-side summary of one worker dispatch.
type dispatchOutcome struct {
	agent    string
	result   string // one of the audit result values
	pending  []runstate.WorkItem
	fatalErr error // audit write failure; aborts the run
}

// executePhase runs one phase attempt end to end: integration at discovery,
// validation of pending entries, dispatch, and gate evaluation.
func (o *Orchestrator) executePhase(ctx context.Context, run *runstate.Run, phase capability.Phase, rootName string) (runstate.PhaseRecord, error) {
	ctx, span := o.startPhaseSpan(ctx, phase, run.IterationCount)
	defer span.End()

	rec := runstate.PhaseRecord{
		Phase:     phase.String(),
		Iteration: run.IterationCount,
		StartedAt: time.Now().UTC(),
	}
	if o.OnPhaseStart != nil {
		o.OnPhaseStart(phase, run.IterationCount)
	}

	if phase == capability.PhaseDiscovery && o.integrate != nil {
		report, err := o.integrate(ctx)
		if err != nil {
			return rec, fmt.Errorf("discovery integration: %w", err)
		}
		o.logger.Info("discovery integration",
			zap.Int("registered", len(report.Registered)),
			zap.Int("unchanged", len(report.Unchanged)),
			zap.Int("failed", len(report.Failures)))
	}

	required, err := o.requiredAgents(run, phase)
	if err != nil {
		return rec, err
	}
	if len(required) == 0 {
		// An unpopulated phase gates trivially.
		rec.GateSatisfied = true
		rec.EndedAt = time.Now().UTC()
		o.logger.Debug("phase has no required agents", zap.String("phase", phase.String()))
		if o.OnPhaseComplete != nil {
			o.OnPhaseComplete(rec)
		}
		return rec, nil
	}

	outcomes, err := o.dispatchAll(ctx, run, phase, required)
	if err != nil {
		return rec, err
	}

	for _, out := range outcomes {
		rec.Dispatched = append(rec.Dispatched, out.agent)
		switch out.result {
		case audit.ResultSuccess:
			rec.Succeeded++
		default:
			rec.Failed++
		}
		run.PendingWork = append(run.PendingWork, out.pending...)
	}

	rec.GateSatisfied = o.gateSatisfied(len(required), rec.Succeeded)
	rec.EndedAt = time.Now().UTC()
	o.logger.Info("phase concluded",
		zap.String("phase", phase.String()),
		zap.Int("iteration", run.IterationCount),
		zap.Int("succeeded", rec.Succeeded),
		zap.Int("failed", rec.Failed),
		zap.Bool("gate", rec.GateSatisfied))
	if o.OnPhaseComplete != nil {
		o.OnPhaseComplete(rec)
	}
	return rec, nil
}

// requiredAgents resolves the phase's dispatch set. Entries still short of
// Validated are validated now; entries that fail validation are excluded and
// audited, but do not stall the phase.
func (o *Orchestrator) requiredAgents(run *runstate.Run, phase capability.Phase) ([]*registry.Entry, error) {
	var required []*registry.Entry
	for _, entry := range o.registry.ListByPhase(phase) {
		name := entry.Descriptor.Name
		switch entry.Status {
		case registry.StatusFailed:
			continue
		case registry.StatusValidated:
			required = append(required, entry)
			continue
		}

		validated, err := o.registry.Validate(name)
		if err != nil {
			if _, writeErr := o.trail.Append(audit.Record{
				Run:       run.ID,
				Phase:     phase.String(),
				Iteration: run.IterationCount,
				Agent:     name,
				Action:    "validate",
				Result:    audit.ResultFailure,
				Detail:    err.Error(),
			}); writeErr != nil {
				return nil, writeErr
			}
			o.logger.Warn("agent excluded from phase", zap.String("agent", name), zap.Error(err))
			continue
		}
		required = append(required, validated)
	}
	return required, nil
}

// dispatchAll fans the phase's agents out according to its mode. Parallel
// phases run under a bounded semaphore; sequential phases dispatch in the
// registry's lexical order, one at a time.
func (o *Orchestrator) dispatchAll(ctx context.Context, run *runstate.Run, phase capability.Phase, required []*registry.Entry) ([]dispatchOutcome, error) {
	parallel := len(required) > 0 && required[0].Assignment.Mode == capability.ModeParallel

	outcomes := make([]dispatchOutcome, len(required))
	if !parallel {
		for i, entry := range required {
			outcomes[i] = o.dispatchOne(ctx, run, phase, entry)
			if outcomes[i].fatalErr != nil {
				return nil, outcomes[i].fatalErr
			}
		}
		return outcomes, nil
	}

	sem := semaphore.NewWeighted(int64(o.opts.MaxParallel))
	var wg sync.WaitGroup
	for i, entry := range required {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Cancelled while waiting for a slot; the agent was never
			// dispatched and gets no record.
			outcomes[i] = dispatchOutcome{agent: entry.Descriptor.Name, result: audit.ResultFailure}
			continue
		}
		wg.Add(1)
		go func(i int, entry *registry.Entry) {
			defer wg.Done()
			defer sem.Release(1)
			outcomes[i] = o.dispatchOne(ctx, run, phase, entry)
		}(i, entry)
	}
	wg.Wait()

	for _, out := range outcomes {
		if out.fatalErr != nil {
			return nil, out.fatalErr
		}
	}
	return outcomes, nil
}

// dispatchOne pushes a guard frame, writes the dispatch record, invokes the
// worker under its deadline, and writes exactly one terminal record. The
// dispatch record always precedes the terminal record for a given agent.
func (o *Orchestrator) dispatchOne(ctx context.Context, run *runstate.Run, phase capability.Phase, entry *registry.Entry) dispatchOutcome {
	name := entry.Descriptor.Name
	action := phase.String()

	// Idempotency: an agent that already holds a terminal result for this
	// phase attempt is not re-dispatched.
	if done, prior, err := o.priorTerminal(run, phase, name); err != nil {
		return dispatchOutcome{agent: name, fatalErr: err}
	} else if done {
		o.logger.Debug("skipping already-reported agent",
			zap.String("agent", name), zap.String("prior", prior))
		return dispatchOutcome{agent: name, result: prior}
	}

	// The root already holds the run's root frame; dispatching it (for the
	// planning phase) does not open a new one. Everyone else gets a fresh
	// branch checked against the hierarchy rules.
	if entry.Descriptor.Role != descriptor.RoleRoot {
		branch := o.guard.Branch()
		if err := branch.Invoke(name, entry.Descriptor.Role, action); err != nil {
			// The violating frame was never pushed; its siblings are unaffected.
			if _, writeErr := o.trail.Append(audit.Record{
				Run:       run.ID,
				Phase:     phase.String(),
				Iteration: run.IterationCount,
				Agent:     name,
				Action:    action,
				Result:    audit.ResultFailure,
				Detail:    err.Error(),
			}); writeErr != nil {
				return dispatchOutcome{agent: name, fatalErr: writeErr}
			}
			o.logger.Warn("dispatch rejected by call guard", zap.String("agent", name), zap.Error(err))
			return dispatchOutcome{agent: name, result: audit.ResultFailure}
		}
		defer branch.Return()
	}

	if _, err := o.trail.Append(audit.Record{
		Run:       run.ID,
		Phase:     phase.String(),
		Iteration: run.IterationCount,
		Agent:     name,
		Action:    action,
		Result:    audit.ResultDispatched,
	}); err != nil {
		return dispatchOutcome{agent: name, fatalErr: err}
	}

	wctx, cancel := context.WithTimeout(ctx, o.opts.WorkerTimeout)
	defer cancel()
	wctx, span := o.startDispatchSpan(wctx, name, phase)

	res, invokeErr := o.invoker.Invoke(wctx, Invocation{
		Run:       run.ID,
		Phase:     phase.String(),
		Iteration: run.IterationCount,
		Agent:     name,
		Role:      entry.Descriptor.Role,
		Action:    action,
	})

	terminal := audit.Record{
		Run:       run.ID,
		Phase:     phase.String(),
		Iteration: run.IterationCount,
		Agent:     name,
		Action:    action,
	}
	var pending []runstate.WorkItem
	switch {
	case invokeErr != nil && errors.Is(wctx.Err(), context.DeadlineExceeded):
		terminal.Result = audit.ResultTimeout
		terminal.Detail = fmt.Sprintf("worker exceeded %s deadline", o.opts.WorkerTimeout)
	case invokeErr != nil:
		terminal.Result = audit.ResultFailure
		terminal.Detail = invokeErr.Error()
	default:
		terminal.Result = audit.ResultSuccess
		if res != nil {
			terminal.EvidenceRefs = res.EvidenceRefs
			pending = res.PendingWork
		}
	}
	endDispatchSpan(span, terminal.Result, invokeErr)

	if _, err := o.trail.Append(terminal); err != nil {
		return dispatchOutcome{agent: name, fatalErr: err}
	}
	if terminal.Result != audit.ResultSuccess {
		o.logger.Warn("worker did not succeed",
			zap.String("agent", name),
			zap.String("result", terminal.Result),
			zap.String("detail", terminal.Detail))
	}
	return dispatchOutcome{agent: name, result: terminal.Result, pending: pending}
}

// priorTerminal looks up an existing terminal result for this phase attempt.
func (o *Orchestrator) priorTerminal(run *runstate.Run, phase capability.Phase, agent string) (bool, string, error) {
	rec, err := o.trail.TerminalRecord(run.ID, phase.String(), run.IterationCount, agent)
	if err != nil || rec == nil {
		return false, "", err
	}
	return true, rec.Result, nil
}
