package pipeline

import (
	"errors"
	"fmt"
)

// State is the position of a run in the handler state machine.
type State int

const (
	StateInit State = iota
	StateValidated
	StateAuthorized
	StateActed
	StateRejected
	StateDenied
	StateResponded
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateValidated:
		return "validated"
	case StateAuthorized:
		return "authorized"
	case StateActed:
		return "acted"
	case StateRejected:
		return "rejected"
	case StateDenied:
		return "denied"
	case StateResponded:
		return "responded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Phase names, used in metrics, spans and errors.
const (
	PhaseValidate  = "validate"
	PhaseAuthorize = "authorize"
	PhaseAct       = "act"
	PhaseRespond   = "respond"
)

// ErrPhaseOrder is matched by every *PhaseError.
var ErrPhaseOrder = errors.New("pipeline: phase called out of order")

// PhaseError reports a phase invoked from a state that does not allow it,
// such as calling Validate twice on the same run.
type PhaseError struct {
	Handler string
	Phase   string
	State   State
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("pipeline: %s: %s not allowed in state %s", e.Handler, e.Phase, e.State)
}

// Is makes errors.Is(err, ErrPhaseOrder) true.
func (e *PhaseError) Is(target error) bool {
	return target == ErrPhaseOrder
}
