// Package main defines the CLI structure using kong.
package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/config"
	"github.com/conductor-sh/conductor/internal/logging"
)

// Globals are flags shared by every command.
type Globals struct {
	Config string `help:"Config file path (default: ./conductor.toml)"`
	Debug  bool   `help:"Enable debug logging"`
}

// CLI defines the command-line interface.
type CLI struct {
	Globals

	Run              RunCmd              `cmd:"" help:"Execute a workflow run through all phases"`
	CheckIntegration CheckIntegrationCmd `cmd:"" name:"check-integration" help:"Run discovery and report which agents integrate cleanly"`
	Status           StatusCmd           `cmd:"" help:"Show the last run's state and the agent registry"`
	Audit            AuditCmd            `cmd:"" help:"Inspect the audit trail"`
	Validate         ValidateCmd         `cmd:"" help:"Validate agent definition documents"`
	Version          VersionCmd          `cmd:"" help:"Show version information"`
}

// environment loads config and builds the operational logger for a command.
func environment(g *Globals) (*config.Config, *zap.Logger, error) {
	var (
		cfg *config.Config
		err error
	)
	if g.Config != "" {
		cfg, err = config.LoadFile(g.Config)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(g.Debug || cfg.Logging.Debug)
	if err != nil {
		return nil, nil, fmt.Errorf("building logger: %w", err)
	}
	return cfg, logger, nil
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(g *Globals) error {
	fmt.Printf("conductor version %s (commit: %s, built: %s)\n", version, commit, buildTime)
	return nil
}
