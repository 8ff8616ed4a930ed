package main

import (
	"fmt"
	"os"

	"github.com/conductor-sh/conductor/internal/config"
	"github.com/conductor-sh/conductor/internal/display"
	"github.com/conductor-sh/conductor/internal/registry"
	"github.com/conductor-sh/conductor/internal/runstate"
)

// StatusCmd reports the last run and the registry. Status is informational
// and always exits zero, even when the last run aborted or the config is
// broken.
type StatusCmd struct{}

func (c *StatusCmd) Run(g *Globals) error {
	cfg, logger, err := environment(g)
	if err != nil {
		// Fall back to defaults so a bad config never fails status.
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		cfg = config.Default()
	} else {
		defer logger.Sync()
	}

	renderer := display.NewRenderer(os.Stdout, g.Debug)

	run, err := runstate.NewStore(cfg.RunStatePath()).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "conductor: reading run state: %v\n", err)
	} else {
		renderer.Run(run)
	}

	reg, err := registry.Open(cfg.RegistryPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "conductor: reading registry: %v\n", err)
		return nil
	}
	if reg.Len() > 0 {
		fmt.Println()
		renderer.Registry(reg.Snapshot())
	}
	return nil
}
