package orchestrator

import "math"

// gateSatisfied applies the quorum rule: at least ceil(quorum * required)
// of the phase's required agents must have succeeded. An empty phase gates
// trivially; a populated one always needs at least one success.
func (o *Orchestrator) gateSatisfied(required, succeeded int) bool {
	if required == 0 {
		return true
	}
	need := int(math.Ceil(o.opts.GateQuorum * float64(required)))
	if need < 1 {
		need = 1
	}
	return succeeded >= need
}
