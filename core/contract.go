package core

// DefaultEstimatedOutputTokens is used for pre-flight estimates when a contract
// does not declare its own output allowance.
const DefaultEstimatedOutputTokens = 512

// Contract is the immutable resource envelope for a tool identifier. A run
// captures its contract at start and keeps it for its whole lifetime.
type Contract struct {
	ToolID                string `json:"toolId"`
	Version               int    `json:"version"`
	MaxCost               Cost   `json:"maxCost"`
	MaxTokens             int    `json:"maxTokens"`
	CostPerToken          Cost   `json:"costPerToken"`
	EstimatedOutputTokens int    `json:"estimatedOutputTokens,omitempty"`
}

// OutputAllowance returns the conservative output token estimate used before a
// model call returns.
func (c Contract) OutputAllowance() int {
	if c.EstimatedOutputTokens > 0 {
		return c.EstimatedOutputTokens
	}
	return DefaultEstimatedOutputTokens
}

// Budget returns the ceiling snapshot persisted on a run record.
func (c Contract) Budget() Budget {
	return Budget{MaxCost: c.MaxCost, MaxTokens: c.MaxTokens}
}

// Budget is the ceiling snapshot recorded in the ledger at run start.
type Budget struct {
	MaxCost   Cost `json:"maxCost" bson:"max_cost"`
	MaxTokens int  `json:"maxTokens" bson:"max_tokens"`
}
