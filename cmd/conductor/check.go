package main

import (
	"context"
	"fmt"
	"os"

	"github.com/conductor-sh/conductor/internal/audit"
	"github.com/conductor-sh/conductor/internal/display"
	"github.com/conductor-sh/conductor/internal/orchestrator"
	"github.com/conductor-sh/conductor/internal/registry"
)

// CheckIntegrationCmd runs one discovery pass and reports the outcome.
// It exits non-zero when any agent fails to integrate, for CI use.
type CheckIntegrationCmd struct {
	AgentsDir string `help:"Override the agents directory"`
}

func (c *CheckIntegrationCmd) Run(g *Globals) error {
	cfg, logger, err := environment(g)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if c.AgentsDir != "" {
		cfg.Agents.Dir = c.AgentsDir
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

	integrator := orchestrator.NewIntegrator(reg, cfg.Agents.Dir, trail, logger)
	report, err := integrator.Integrate(context.Background())
	if err != nil {
		return err
	}

	renderer := display.NewRenderer(os.Stdout, g.Debug)
	renderer.Report(report)
	fmt.Println()
	renderer.Registry(reg.Snapshot())

	if !report.Clean() {
		return fmt.Errorf("%d agent(s) failed to integrate", len(report.Failures))
	}
	return nil
}
