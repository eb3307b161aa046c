package model

import (
	"context"
	"errors"

	"github.com/hupe1980/roundtable/core"
)

// ErrRateLimited is returned (wrapped) by adapters when the provider rejected a
// call because of rate limits.
var ErrRateLimited = errors.New("model: rate limited")

// Request captures the normalized input of a single generation call.
type Request struct {
	Instructions string `json:"instructions"` // System-level instructions
	Prompt       string `json:"prompt"`       // User content for this call
	MaxTokens    int    `json:"max_tokens,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Total returns TotalTokens, or the sum of prompt and completion tokens when
// the provider did not report a total.
func (u TokenUsage) Total() int {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens
}

// Response is the final result of a generation call.
type Response struct {
	Text         string     `json:"text"`
	FinishReason string     `json:"finish_reason"` // "stop", "length", ...
	Usage        TokenUsage `json:"usage"`
	// Cost is the provider-priced spend of the call. Zero means the caller
	// prices Usage itself.
	Cost core.Cost `json:"cost"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"` // "openai", "anthropic", "mock", ...
}

// Model is the minimal interface required by agents to drive generation.
type Model interface {
	Generate(ctx context.Context, req Request) (Response, error)

	// Info returns information about the model implementation.
	Info() Info
}

// Pricing converts token usage into cost. Rates are per token.
type Pricing struct {
	InputPerToken  core.Cost `json:"input_per_token" yaml:"input_per_token"`
	OutputPerToken core.Cost `json:"output_per_token" yaml:"output_per_token"`
}

// IsZero reports whether no rates are configured.
func (p Pricing) IsZero() bool { return p.InputPerToken == 0 && p.OutputPerToken == 0 }

// Price returns the cost of u.
func (p Pricing) Price(u TokenUsage) core.Cost {
	return core.Cost(u.PromptTokens)*p.InputPerToken + core.Cost(u.CompletionTokens)*p.OutputPerToken
}
