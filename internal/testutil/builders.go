package testutil

import (
	"time"

	"github.com/hupe1980/roundtable/core"
)

// ContractBuilder helps construct contracts with fluent chaining for tests.
// Example:
//
//	c := NewContract("standup").MaxCost(0.01).CostPerToken(0.000001).Build()
type ContractBuilder struct {
	c core.Contract
}

// NewContract starts a version 1 contract with a $10 / 1M token envelope
// priced at one micro-dollar per token.
func NewContract(toolID string) *ContractBuilder {
	return &ContractBuilder{c: core.Contract{
		ToolID:       toolID,
		Version:      1,
		MaxCost:      core.Dollars(10),
		MaxTokens:    1_000_000,
		CostPerToken: core.Dollars(0.000001),
	}}
}

// Version sets the contract version (chainable).
func (b *ContractBuilder) Version(v int) *ContractBuilder {
	b.c.Version = v
	return b
}

// MaxCost sets the cost ceiling in dollars (chainable).
func (b *ContractBuilder) MaxCost(dollars float64) *ContractBuilder {
	b.c.MaxCost = core.Dollars(dollars)
	return b
}

// MaxTokens sets the token ceiling (chainable).
func (b *ContractBuilder) MaxTokens(n int) *ContractBuilder {
	b.c.MaxTokens = n
	return b
}

// CostPerToken sets the token rate in dollars (chainable).
func (b *ContractBuilder) CostPerToken(dollars float64) *ContractBuilder {
	b.c.CostPerToken = core.Dollars(dollars)
	return b
}

// OutputAllowance sets the pre-flight output estimate (chainable).
func (b *ContractBuilder) OutputAllowance(tokens int) *ContractBuilder {
	b.c.EstimatedOutputTokens = tokens
	return b
}

// Build returns the contract.
func (b *ContractBuilder) Build() core.Contract { return b.c }

// RecordBuilder helps construct run records for ledger tests.
type RecordBuilder struct {
	r core.RunRecord
}

// NewRecord starts a pending record for runID created at a fixed instant.
func NewRecord(runID string) *RecordBuilder {
	return &RecordBuilder{r: core.RunRecord{
		RunID:           runID,
		ToolID:          "standup",
		ContractVersion: 1,
		Budget:          core.Budget{MaxCost: core.Dollars(1), MaxTokens: 10_000},
		Status:          core.StatusPending,
		CreatedAt:       time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
	}}
}

// Tool sets the tool id and contract version (chainable).
func (b *RecordBuilder) Tool(toolID string, version int) *RecordBuilder {
	b.r.ToolID = toolID
	b.r.ContractVersion = version
	return b
}

// Status sets the status and reason (chainable). Terminal statuses get a
// completion time one minute after creation.
func (b *RecordBuilder) Status(s core.RunStatus, reason string) *RecordBuilder {
	b.r.Status = s
	b.r.Reason = reason
	if s.IsTerminal() {
		t := b.r.CreatedAt.Add(time.Minute)
		b.r.CompletedAt = &t
	} else {
		b.r.CompletedAt = nil
	}
	return b
}

// Usage sets the recorded spend (chainable).
func (b *RecordBuilder) Usage(dollars float64, tokens int) *RecordBuilder {
	b.r.Usage = core.Usage{Cost: core.Dollars(dollars), Tokens: tokens}
	return b
}

// Transcript attaches a result whose transcript alternates role and text,
// one turn per role (chainable). The summary is the normalized empty summary.
func (b *RecordBuilder) Transcript(roleText ...string) *RecordBuilder {
	tr := make(map[string]string, len(roleText)/2)
	for i := 0; i+1 < len(roleText); i += 2 {
		tr[roleText[i]] = roleText[i+1]
	}
	b.r.Result = &core.RunResult{Summary: core.Summary{}.Normalize(), Transcript: tr, Turns: len(tr)}
	return b
}

// Build returns a copy of the record.
func (b *RecordBuilder) Build() core.RunRecord { return b.r.Clone() }
