package display

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/conductor-sh/conductor/internal/audit"
	"github.com/conductor-sh/conductor/internal/orchestrator"
	"github.com/conductor-sh/conductor/internal/registry"
	"github.com/conductor-sh/conductor/internal/runstate"
)

// Renderer formats engine state for a terminal.
type Renderer struct {
	out     io.Writer
	verbose bool
}

// NewRenderer writes to out; verbose includes record details and evidence.
func NewRenderer(out io.Writer, verbose bool) *Renderer {
	return &Renderer{out: out, verbose: verbose}
}

// Trail renders an audit trail as a timeline, one record per line.
func (r *Renderer) Trail(records []*audit.Record) {
	fmt.Fprintf(r.out, "%s %s\n", titleStyle.Render("AUDIT TRAIL"), dimStyle.Render(fmt.Sprintf("(%d records)", len(records))))
	fmt.Fprintln(r.out, divider)
	for _, rec := range records {
		r.record(rec)
	}
}

// TrailString renders the trail into a string, for the pager.
func TrailString(records []*audit.Record, verbose bool) string {
	var buf strings.Builder
	NewRenderer(&buf, verbose).Trail(records)
	return buf.String()
}

func (r *Renderer) record(rec *audit.Record) {
	fmt.Fprintf(r.out, "%s %s %s %s %s %s\n",
		seqStyle.Render(fmt.Sprintf("%d", rec.Seq)),
		dimStyle.Render(rec.Timestamp.Format("15:04:05")),
		phaseStyle.Render(padRight(rec.Phase, 14)),
		agentStyle.Render(padRight(rec.Agent, 18)),
		resultStyle(rec.Result).Render(padRight(rec.Result, 10)),
		valueStyle.Render(rec.Action))
	if r.verbose {
		if rec.Detail != "" {
			fmt.Fprintf(r.out, "      %s\n", dimStyle.Render(rec.Detail))
		}
		for _, ref := range rec.EvidenceRefs {
			fmt.Fprintf(r.out, "      %s %s\n", labelStyle.Render("evidence:"), valueStyle.Render(ref))
		}
	}
}

// Run renders workflow run status.
func (r *Renderer) Run(run *runstate.Run) {
	if run == nil {
		fmt.Fprintln(r.out, dimStyle.Render("no run recorded"))
		return
	}

	fmt.Fprintf(r.out, "%s %s\n", titleStyle.Render("RUN"), valueStyle.Render(run.ID))
	fmt.Fprintln(r.out, divider)
	fmt.Fprintf(r.out, "%s %s\n", labelStyle.Render("State:    "), r.stateStyle(run.State).Render(string(run.State)))
	fmt.Fprintf(r.out, "%s %s\n", labelStyle.Render("Phase:    "), phaseStyle.Render(run.CurrentPhase))
	fmt.Fprintf(r.out, "%s %s\n", labelStyle.Render("Iteration:"), valueStyle.Render(fmt.Sprintf("%d", run.IterationCount)))
	fmt.Fprintf(r.out, "%s %s\n", labelStyle.Render("Updated:  "), valueStyle.Render(run.UpdatedAt.Format(time.RFC3339)))
	if run.Error != "" {
		fmt.Fprintf(r.out, "%s %s\n", errorStyle.Render("Error:    "), valueStyle.Render(run.Error))
	}

	if len(run.PhaseHistory) > 0 {
		fmt.Fprintln(r.out)
		fmt.Fprintln(r.out, titleStyle.Render("PHASES"))
		for _, rec := range run.PhaseHistory {
			gate := successStyle.Render("open")
			if !rec.GateSatisfied {
				gate = errorStyle.Render("closed")
			}
			fmt.Fprintf(r.out, "  %s %s %s %s\n",
				phaseStyle.Render(padRight(rec.Phase, 14)),
				dimStyle.Render(fmt.Sprintf("iter %d", rec.Iteration)),
				valueStyle.Render(fmt.Sprintf("%d ok / %d failed", rec.Succeeded, rec.Failed)),
				gate)
		}
	}

	if len(run.PendingWork) > 0 {
		fmt.Fprintln(r.out)
		fmt.Fprintln(r.out, warnStyle.Render("PENDING WORK"))
		for _, item := range run.PendingWork {
			fmt.Fprintf(r.out, "  %s %s\n", agentStyle.Render(item.Agent), valueStyle.Render(item.Description))
		}
	}
}

// Registry renders the registered workers with their assignments and status.
func (r *Renderer) Registry(entries []*registry.Entry) {
	fmt.Fprintf(r.out, "%s %s\n", titleStyle.Render("REGISTRY"), dimStyle.Render(fmt.Sprintf("(%d agents)", len(entries))))
	fmt.Fprintln(r.out, divider)
	for _, e := range entries {
		status := successStyle
		if e.Status == registry.StatusFailed {
			status = errorStyle
		}
		fmt.Fprintf(r.out, "%s %s %s %s\n",
			agentStyle.Render(padRight(e.Descriptor.Name, 20)),
			dimStyle.Render(padRight(e.Descriptor.Role.String(), 12)),
			phaseStyle.Render(padRight(e.Assignment.Phase.String(), 16)),
			status.Render(e.Status.String()))
		if e.FailureReason != "" {
			fmt.Fprintf(r.out, "  %s %s\n", errorStyle.Render("reason:"), valueStyle.Render(e.FailureReason))
		}
	}
}

// Report renders a discovery integration report.
func (r *Renderer) Report(rep *orchestrator.IntegrationReport) {
	fmt.Fprintln(r.out, titleStyle.Render("INTEGRATION"))
	fmt.Fprintln(r.out, divider)
	fmt.Fprintf(r.out, "%s %s\n", labelStyle.Render("Registered:"), successStyle.Render(fmt.Sprintf("%d", len(rep.Registered))))
	fmt.Fprintf(r.out, "%s %s\n", labelStyle.Render("Unchanged: "), valueStyle.Render(fmt.Sprintf("%d", len(rep.Unchanged))))
	fmt.Fprintf(r.out, "%s %s\n", labelStyle.Render("Failed:    "), errorStyle.Render(fmt.Sprintf("%d", len(rep.Failures))))
	for _, fail := range rep.Failures {
		name := fail.Name
		if name == "" {
			name = fail.Path
		}
		fmt.Fprintf(r.out, "  %s %s %s\n",
			errorStyle.Render(padRight(fail.Stage, 9)),
			agentStyle.Render(padRight(name, 20)),
			valueStyle.Render(fail.Reason))
	}
	if rep.Clean() {
		fmt.Fprintln(r.out, successStyle.Render("all agents integrated"))
	}
}

func (r *Renderer) stateStyle(state runstate.State) interface{ Render(...string) string } {
	switch state {
	case runstate.StateComplete:
		return successStyle
	case runstate.StateAborted:
		return errorStyle
	default:
		return warnStyle
	}
}

func padRight(s string, width int) string {
	for len(s) < width {
		s += " "
	}
	return s
}
