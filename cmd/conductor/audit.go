package main

import (
	"fmt"
	"time"

	"github.com/conductor-sh/conductor/internal/audit"
	"github.com/conductor-sh/conductor/internal/display"
)

// AuditCmd inspects the audit trail, optionally following it live.
type AuditCmd struct {
	RunID   string        `name:"run" help:"Only records for this run ID"`
	Phase   string        `help:"Only records for this phase"`
	Agent   string        `help:"Only records for this agent"`
	Result  string        `help:"Only records with this result (dispatched, success, failure, timeout)"`
	Since   time.Duration `help:"Only records newer than this age (e.g. 2h)"`
	Follow  bool          `short:"f" help:"Follow the trail live in a pager"`
	NoPager bool          `help:"Print to stdout instead of paging"`
	Verbose bool          `short:"v" help:"Include details and evidence refs"`
}

func (c *AuditCmd) Run(g *Globals) error {
	cfg, logger, err := environment(g)
	if err != nil {
		return err
	}
	defer logger.Sync()

	trail, err := audit.Open(cfg.AuditPath())
	if err != nil {
		return err
	}
	defer trail.Close()

	filter := audit.Filter{
		Run:    c.RunID,
		Phase:  c.Phase,
		Agent:  c.Agent,
		Result: c.Result,
	}
	if c.Since > 0 {
		filter.Since = time.Now().Add(-c.Since)
	}

	render := func() (string, error) {
		cursor, err := trail.Query(filter)
		if err != nil {
			return "", err
		}
		records, err := cursor.Collect()
		if err != nil {
			return "", err
		}
		return display.TrailString(records, c.Verbose), nil
	}

	if c.Follow {
		return display.Follow("Audit: "+cfg.AuditPath(), trail.Path(), render)
	}

	content, err := render()
	if err != nil {
		return err
	}
	if c.NoPager {
		fmt.Print(content)
		return nil
	}
	return display.Page("Audit: "+cfg.AuditPath(), content)
}
