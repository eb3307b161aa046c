package core

import "errors"

// Sentinel errors shared across packages. Callers classify with errors.Is.
var (
	// Request errors
	ErrInvalidRequest   = errors.New("invalid request")
	ErrContractNotFound = errors.New("contract not found")

	// Budget errors
	ErrBudgetExceeded = errors.New("budget exceeded")

	// Ledger errors
	ErrRunExists         = errors.New("run already exists")
	ErrRunNotFound       = errors.New("run not found")
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// State machine errors
	ErrInvalidTransition = errors.New("invalid state transition")
)
