// Package budget enforces per-run cost and token ceilings.
//
// Check is a pure function over a contract, the spend so far and a delta.
// Meter wraps it with the running counter of one run.
package budget

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/hupe1980/roundtable/core"
)

// charsPerToken is the heuristic ratio used by EstimateTokens.
const charsPerToken = 4

// Reason names the ceiling a rejected decision hit.
type Reason string

const (
	ReasonCostCeiling  Reason = "cost_ceiling"
	ReasonTokenCeiling Reason = "token_ceiling"
)

// Decision is the outcome of a budget check.
type Decision struct {
	Allowed   bool
	Reason    Reason
	Projected core.Usage
	Limit     core.Budget
}

// Err returns nil for an admitted decision and an *ExceededError otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &ExceededError{Reason: d.Reason, Projected: d.Projected, Limit: d.Limit}
}

// ExceededError reports a breached ceiling. It matches core.ErrBudgetExceeded.
type ExceededError struct {
	Reason    Reason
	Projected core.Usage
	Limit     core.Budget
}

func (e *ExceededError) Error() string {
	switch e.Reason {
	case ReasonTokenCeiling:
		return fmt.Sprintf("budget exceeded: %d tokens over ceiling of %d", e.Projected.Tokens, e.Limit.MaxTokens)
	default:
		return fmt.Sprintf("budget exceeded: cost %s over ceiling of %s", e.Projected.Cost, e.Limit.MaxCost)
	}
}

// Is makes ExceededError match core.ErrBudgetExceeded.
func (e *ExceededError) Is(target error) bool {
	return target == core.ErrBudgetExceeded
}

// Check reports whether used+delta stays within the contract's ceilings.
// Reaching a ceiling exactly is admitted. Cost is checked before tokens.
func Check(contract core.Contract, used, delta core.Usage) Decision {
	projected := used.Add(delta)
	d := Decision{Allowed: true, Projected: projected, Limit: contract.Budget()}
	switch {
	case projected.Cost > contract.MaxCost:
		d.Allowed, d.Reason = false, ReasonCostCeiling
	case projected.Tokens > contract.MaxTokens:
		d.Allowed, d.Reason = false, ReasonTokenCeiling
	}
	return d
}

// EstimateTokens approximates the token count of texts at four characters per
// token. Non-empty input is never estimated below one token.
func EstimateTokens(texts ...string) int {
	chars := 0
	for _, t := range texts {
		chars += utf8.RuneCountInString(t)
	}
	tokens := chars / charsPerToken
	if chars > 0 && tokens == 0 {
		tokens = 1
	}
	return tokens
}

// CostOf prices tokens at the contract's per-token rate.
func CostOf(contract core.Contract, tokens int) core.Cost {
	return core.Cost(tokens) * contract.CostPerToken
}

// Estimate returns the conservative pre-flight delta for a call with prompt:
// prompt tokens plus the contract's output allowance, priced per token.
func Estimate(contract core.Contract, prompt string) core.Usage {
	tokens := EstimateTokens(prompt) + contract.OutputAllowance()
	return core.Usage{Cost: CostOf(contract, tokens), Tokens: tokens}
}

// Meter tracks the spend of a single run against its contract.
// It is safe for concurrent use.
type Meter struct {
	contract core.Contract

	mu   sync.Mutex
	used core.Usage
}

// NewMeter creates a meter with zero spend.
func NewMeter(contract core.Contract) *Meter {
	return &Meter{contract: contract}
}

// Contract returns the contract the meter enforces.
func (m *Meter) Contract() core.Contract { return m.contract }

// PreFlight checks an estimated delta without recording it.
func (m *Meter) PreFlight(delta core.Usage) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Check(m.contract, m.used, delta)
}

// Record adds actual spend and reports whether the ceiling is now breached.
// Spend is recorded even when the decision rejects it.
func (m *Meter) Record(actual core.Usage) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := Check(m.contract, m.used, actual)
	m.used = d.Projected
	return d
}

// Used returns the spend recorded so far.
func (m *Meter) Used() core.Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}
