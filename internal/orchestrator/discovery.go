package orchestrator

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/audit"
	"github.com/conductor-sh/conductor/internal/capability"
	"github.com/conductor-sh/conductor/internal/descriptor"
	"github.com/conductor-sh/conductor/internal/registry"
)

// IntegrationFailure describes one worker that did not make it through the
// discovery pipeline, and at which stage it fell out.
type IntegrationFailure struct {
	Name   string `json:"name,omitempty"`
	Path   string `json:"path,omitempty"`
	Stage  string `json:"stage"` // parse, map, or validate
	Reason string `json:"reason"`
}

// IntegrationReport summarizes one discovery pass over the agents directory.
type IntegrationReport struct {
	Registered []string             `json:"registered,omitempty"`
	Unchanged  []string             `json:"unchanged,omitempty"`
	Failures   []IntegrationFailure `json:"failures,omitempty"`
}

// Clean reports whether every discovered worker integrated successfully.
func (r *IntegrationReport) Clean() bool { return len(r.Failures) == 0 }

// Integrator runs the discovery pipeline: load descriptors, map them to
// phases, register them, and validate them. Failures are isolated per
// worker; only a persistence or audit write failure aborts the pass.
type Integrator struct {
	registry *registry.Registry
	mapper   *capability.Mapper
	trail    *audit.Log
	logger   *zap.Logger
	dir      string
}

// NewIntegrator builds the pipeline over the given agents directory. The
// mapper is retained across passes so the run root stays unique even when
// descriptors are re-discovered under watch. The trail and logger may be nil.
func NewIntegrator(reg *registry.Registry, dir string, trail *audit.Log, logger *zap.Logger) *Integrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Integrator{
		registry: reg,
		mapper:   capability.NewMapper(),
		trail:    trail,
		logger:   logger,
		dir:      dir,
	}
}

// Integrate runs one full pass. The context gates audit writes only; the
// pipeline itself is synchronous.
func (it *Integrator) Integrate(ctx context.Context) (*IntegrationReport, error) {
	batch, err := descriptor.LoadDir(it.dir)
	if err != nil {
		return nil, err
	}

	report := &IntegrationReport{}
	for _, fail := range batch.Failures {
		report.Failures = append(report.Failures, IntegrationFailure{
			Path: fail.Path, Stage: "parse", Reason: fail.Reason,
		})
		if err := it.audit(filepath.Base(fail.Path), "parse", audit.ResultFailure, fail.Reason); err != nil {
			return nil, err
		}
		it.logger.Warn("descriptor rejected", zap.String("path", fail.Path), zap.String("reason", fail.Reason))
	}

	for _, d := range batch.Descriptors {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := it.integrateOne(d, report); err != nil {
			return nil, err
		}
	}

	it.logger.Info("integration pass complete",
		zap.String("dir", it.dir),
		zap.Int("registered", len(report.Registered)),
		zap.Int("unchanged", len(report.Unchanged)),
		zap.Int("failed", len(report.Failures)))
	return report, nil
}

// integrateOne carries a single descriptor through map, register, and
// validate. A returned error is infrastructural and aborts the pass; worker
// failures land in the report instead.
func (it *Integrator) integrateOne(d *descriptor.Descriptor, report *IntegrationReport) error {
	// An unchanged, already-validated worker is left alone.
	if prior, err := it.registry.Get(d.Name); err == nil &&
		prior.Status == registry.StatusValidated && prior.Descriptor.Equal(d) {
		report.Unchanged = append(report.Unchanged, d.Name)
		return nil
	}

	assignment, err := it.mapper.Map(d)
	if err != nil {
		report.Failures = append(report.Failures, IntegrationFailure{
			Name: d.Name, Path: d.SourcePath, Stage: "map", Reason: err.Error(),
		})
		it.logger.Warn("mapping conflict", zap.String("agent", d.Name), zap.Error(err))
		return it.audit(d.Name, "map", audit.ResultFailure, err.Error())
	}

	if _, err := it.registry.Upsert(d, assignment); err != nil {
		// Registry write conflicts are fatal to the pass.
		return err
	}

	if _, err := it.registry.Validate(d.Name); err != nil {
		report.Failures = append(report.Failures, IntegrationFailure{
			Name: d.Name, Path: d.SourcePath, Stage: "validate", Reason: err.Error(),
		})
		it.logger.Warn("validation failed", zap.String("agent", d.Name), zap.Error(err))
		return it.audit(d.Name, "validate", audit.ResultFailure, err.Error())
	}

	report.Registered = append(report.Registered, d.Name)
	return it.audit(d.Name, "integrate", audit.ResultSuccess,
		"assigned to "+assignment.Phase.String())
}

func (it *Integrator) audit(agent, action, result, detail string) error {
	if it.trail == nil {
		return nil
	}
	_, err := it.trail.Append(audit.Record{
		Agent:  agent,
		Action: action,
		Result: result,
		Detail: detail,
	})
	return err
}
