package guard

import "fmt"

// RecursionError reports an attempt to re-enter the root from a worker, or a
// busy-loop of repeated identical actions. Either way the call branch is
// aborted; the run continues.
type RecursionError struct {
	Agent  string
	Action string
	Reason string
}

func (e *RecursionError) Error() string {
	return fmt.Sprintf("recursion violation by %q: %s", e.Agent, e.Reason)
}

// CycleError reports a worker whose name already appears in the active call
// stack.
type CycleError struct {
	Agent string
	Stack []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("call cycle: %q already active in stack %v", e.Agent, e.Stack)
}

// HierarchyViolationError reports an invocation shape the hierarchy forbids,
// such as a specialist invoking a coordinator.
type HierarchyViolationError struct {
	Caller string
	Callee string
	Reason string
}

func (e *HierarchyViolationError) Error() string {
	return fmt.Sprintf("hierarchy violation: %q -> %q: %s", e.Caller, e.Callee, e.Reason)
}

// IsViolation reports whether err is one of the guard's violation types.
func IsViolation(err error) bool {
	switch err.(type) {
	case *RecursionError, *CycleError, *HierarchyViolationError:
		return true
	}
	return false
}
