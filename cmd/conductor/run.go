package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/audit"
	"github.com/conductor-sh/conductor/internal/descriptor"
	"github.com/conductor-sh/conductor/internal/dispatch"
	"github.com/conductor-sh/conductor/internal/display"
	"github.com/conductor-sh/conductor/internal/orchestrator"
	"github.com/conductor-sh/conductor/internal/registry"
	"github.com/conductor-sh/conductor/internal/runstate"
)

// RunCmd executes a full workflow run.
type RunCmd struct {
	AgentsDir string `help:"Override the agents directory"`
	Command   string `help:"Override the worker dispatch command"`
}

func (c *RunCmd) Run(g *Globals) error {
	cfg, logger, err := environment(g)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if c.AgentsDir != "" {
		cfg.Agents.Dir = c.AgentsDir
	}
	if c.Command != "" {
		cfg.Dispatch.Command = c.Command
	}
	if cfg.Dispatch.Command == "" {
		return fmt.Errorf("no worker command configured: set [dispatch] command or pass --command")
	}

	reg, err := registry.Open(cfg.RegistryPath())
	if err != nil {
		return err
	}

	trail, err := audit.Open(cfg.AuditPath())
	if err != nil {
		return err
	}
	defer trail.Close()

	if cfg.Stream.Enabled {
		pub, err := audit.NewNATSPublisher(cfg.Stream.URL, cfg.Stream.Subject)
		if err != nil {
			return err
		}
		defer pub.Close()
		trail.SetPublisher(pub)
		trail.OnPublishError = func(err error) {
			logger.Warn("audit stream publish failed", zap.Error(err))
		}
	}

	invoker, err := dispatch.NewCommandInvoker(cfg.Dispatch.Command, logger)
	if err != nil {
		return err
	}

	integrator := orchestrator.NewIntegrator(reg, cfg.Agents.Dir, trail, logger)
	orch := orchestrator.New(reg, trail, invoker, logger, orchestrator.Options{
		MaxIterations: cfg.Workflow.MaxIterations,
		GateQuorum:    cfg.Workflow.GateQuorum,
		GracePeriod:   cfg.Workflow.GracePeriodDuration(),
		MaxParallel:   cfg.Dispatch.MaxParallel,
		WorkerTimeout: cfg.Dispatch.WorkerTimeoutDuration(),
	})
	orch.SetIntegrator(integrator.Integrate)
	orch.SetRunStore(runstate.NewStore(cfg.RunStatePath()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// With watch enabled, definition changes trigger an extra integration
	// pass so a loop-back picks up newly dropped workers immediately.
	if cfg.Agents.Watch {
		watcher, err := descriptor.Watch(cfg.Agents.Dir)
		if err != nil {
			logger.Warn("agents directory watch unavailable", zap.Error(err))
		} else {
			defer watcher.Close()
			go func() {
				for path := range watcher.Changes() {
					logger.Info("definition changed, re-integrating", zap.String("path", path))
					if _, err := integrator.Integrate(ctx); err != nil {
						logger.Error("re-integration failed", zap.Error(err))
					}
				}
			}()
		}
	}

	run, err := orch.Run(ctx)
	if err != nil {
		return err
	}

	display.NewRenderer(os.Stdout, g.Debug).Run(run)
	if run.State == runstate.StateAborted {
		return fmt.Errorf("run %s aborted: %s", run.ID, run.Error)
	}
	return nil
}
