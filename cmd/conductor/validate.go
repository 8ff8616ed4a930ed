package main

import (
	"fmt"
	"os"

	"github.com/conductor-sh/conductor/internal/capability"
	"github.com/conductor-sh/conductor/internal/descriptor"
)

// ValidateCmd parses and maps definition documents without touching the
// registry, reporting where each agent would land.
type ValidateCmd struct {
	Path string `arg:"" optional:"" help:"Definition document or directory (default: configured agents dir)"`
}

func (c *ValidateCmd) Run(g *Globals) error {
	cfg, logger, err := environment(g)
	if err != nil {
		return err
	}
	defer logger.Sync()

	path := c.Path
	if path == "" {
		path = cfg.Agents.Dir
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return validateOne(path)
	}

	batch, err := descriptor.LoadDir(path)
	if err != nil {
		return err
	}

	failed := len(batch.Failures)
	mapper := capability.NewMapper()
	for _, d := range batch.Descriptors {
		assignment, err := mapper.Map(d)
		if err != nil {
			fmt.Printf("✗ %s: %v\n", d.Name, err)
			failed++
			continue
		}
		fmt.Printf("✓ %-20s %s (%s, %s)\n", d.Name, assignment.Phase, assignment.Mode, d.Role)
	}
	for _, fail := range batch.Failures {
		fmt.Printf("✗ %s: %s\n", fail.Path, fail.Reason)
	}

	if failed > 0 {
		return fmt.Errorf("%d document(s) failed validation", failed)
	}
	fmt.Printf("%d agent(s) valid\n", len(batch.Descriptors))
	return nil
}

func validateOne(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	d, err := descriptor.ParseFile(path, content)
	if err != nil {
		return err
	}

	assignment, err := capability.NewMapper().Map(d)
	if err != nil {
		return err
	}
	fmt.Printf("✓ %s valid: %s phase (%s, %s)\n", d.Name, assignment.Phase, assignment.Mode, d.Role)
	return nil
}
