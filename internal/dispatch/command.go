// Package dispatch executes worker invocations as external commands. This is
// the boundary between the engine and worker business logic: the engine hands
// over an environment describing the invocation, the worker hands back output
// with an optional trailing report block.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/orchestrator"
	"github.com/conductor-sh/conductor/internal/runstate"
)

// Environment variables handed to the worker command.
const (
	EnvRun       = "CONDUCTOR_RUN"
	EnvPhase     = "CONDUCTOR_PHASE"
	EnvIteration = "CONDUCTOR_ITERATION"
	EnvAgent     = "CONDUCTOR_AGENT"
	EnvRole      = "CONDUCTOR_ROLE"
	EnvAction    = "CONDUCTOR_ACTION"
)

// workerReport is the optional JSON block a worker may leave at the end of
// its output to surface follow-up work and evidence.
type workerReport struct {
	PendingWork  []runstate.WorkItem `json:"pending_work,omitempty"`
	EvidenceRefs []string            `json:"evidence_refs,omitempty"`
}

// CommandInvoker runs one configured command per invocation. The command is
// split on whitespace; the invocation context arrives via environment
// variables rather than arguments, so the same command serves every agent.
type CommandInvoker struct {
	argv   []string
	logger *zap.Logger
}

// NewCommandInvoker builds an invoker for the given command line. The logger
// may be nil.
func NewCommandInvoker(command string, logger *zap.Logger) (*CommandInvoker, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, fmt.Errorf("dispatch command is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandInvoker{argv: argv, logger: logger}, nil
}

// Invoke runs the worker command under the invocation's deadline. A non-zero
// exit is a worker failure; the engine records it and moves on.
func (c *CommandInvoker) Invoke(ctx context.Context, inv orchestrator.Invocation) (*orchestrator.InvocationResult, error) {
	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Env = append(os.Environ(),
		EnvRun+"="+inv.Run,
		EnvPhase+"="+inv.Phase,
		EnvIteration+"="+strconv.Itoa(inv.Iteration),
		EnvAgent+"="+inv.Agent,
		EnvRole+"="+inv.Role.String(),
		EnvAction+"="+inv.Action,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug("invoking worker command",
		zap.String("agent", inv.Agent),
		zap.String("phase", inv.Phase),
		zap.Strings("argv", c.argv))

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("worker command failed: %w: %s", err, firstLine(stderr.String()))
	}

	output := stdout.String()
	result := &orchestrator.InvocationResult{Output: output}
	if report, ok := parseReport(output); ok {
		result.PendingWork = report.PendingWork
		result.EvidenceRefs = report.EvidenceRefs
	}
	return result, nil
}

// parseReport extracts the trailing JSON report block, if the output ends
// with one. Anything that does not decode cleanly is treated as prose.
func parseReport(output string) (*workerReport, bool) {
	trimmed := strings.TrimRight(output, " \t\r\n")
	idx := strings.LastIndex(trimmed, "\n{")
	switch {
	case idx >= 0:
		trimmed = trimmed[idx+1:]
	case strings.HasPrefix(trimmed, "{"):
		// The whole output is the report.
	default:
		return nil, false
	}

	var report workerReport
	if err := json.Unmarshal([]byte(trimmed), &report); err != nil {
		return nil, false
	}
	return &report, true
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
