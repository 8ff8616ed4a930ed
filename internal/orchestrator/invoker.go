package orchestrator

import (
	"context"

	"github.com/conductor-sh/conductor/internal/descriptor"
	"github.com/conductor-sh/conductor/internal/runstate"
)

// Invocation is one unit of work handed to a worker.
type Invocation struct {
	Run       string
	Phase     string
	Iteration int
	Agent     string
	Role      descriptor.Role
	Action    string
}

// InvocationResult is what a worker reports back. Pending work items surface
// to the run's backlog; evidence refs land on the worker's audit record.
type InvocationResult struct {
	Output       string
	EvidenceRefs []string
	PendingWork  []runstate.WorkItem
}

// Invoker executes a single invocation. Implementations must honor the
// context deadline; the orchestrator converts a deadline overrun into a
// timeout result.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (*InvocationResult, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, inv Invocation) (*InvocationResult, error)

func (f InvokerFunc) Invoke(ctx context.Context, inv Invocation) (*InvocationResult, error) {
	return f(ctx, inv)
}
