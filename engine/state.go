package engine

import (
	"fmt"

	"github.com/hupe1980/roundtable/core"
)

// State is the lifecycle state of a run.
type State int

const (
	StateNotStarted State = iota
	StateRunning
	StateCompleted
	StateAborted
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateAborted
}

// CanTransition reports whether s may move to next.
func (s State) CanTransition(next State) bool {
	switch s {
	case StateNotStarted:
		return next == StateRunning
	case StateRunning:
		return next == StateCompleted || next == StateAborted
	default:
		return false
	}
}

// Transition returns next, or an error wrapping core.ErrInvalidTransition.
func (s State) Transition(next State) (State, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("%w: %s -> %s", core.ErrInvalidTransition, s, next)
	}
	return next, nil
}

// Reason explains why a run stopped.
type Reason string

const (
	// Completed runs
	ReasonTurnLimit       Reason = "turn_limit"
	ReasonTopicsExhausted Reason = "topics_exhausted"
	ReasonClosure         Reason = "closure_signalled"

	// Aborted runs
	ReasonBudgetExceeded   Reason = "budget_exceeded"
	ReasonAgentError       Reason = "agent_error"
	ReasonCancelled        Reason = "cancelled"
	ReasonDeadlineExceeded Reason = "deadline_exceeded"
	ReasonInternal         Reason = "internal_error"
)

// String implements fmt.Stringer.
func (r Reason) String() string { return string(r) }
