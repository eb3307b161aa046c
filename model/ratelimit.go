package model

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter applies an AIMD-style adaptive token bucket in front of a Model.
// Each call waits for its estimated token cost; a rate-limited response halves
// the effective tokens-per-minute budget and every success recovers a step.
//
// One limiter is meant to be shared by all invocations of a process.
type RateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM   float64
	minTPM       float64
	maxTPM       float64
	recoveryRate float64
}

// NewRateLimiter creates a limiter with the given tokens-per-minute budget.
// A non-positive budget defaults to 60000.
func NewRateLimiter(tokensPerMinute float64) *RateLimiter {
	if tokensPerMinute <= 0 {
		tokensPerMinute = 60000
	}
	minTPM := tokensPerMinute * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recovery := tokensPerMinute * 0.05
	if recovery < 1 {
		recovery = 1
	}
	return &RateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(tokensPerMinute/60.0), int(tokensPerMinute)),
		currentTPM:   tokensPerMinute,
		minTPM:       minTPM,
		maxTPM:       tokensPerMinute,
		recoveryRate: recovery,
	}
}

// TPM returns the current effective tokens-per-minute budget.
func (l *RateLimiter) TPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

// Wrap returns next guarded by the limiter.
func (l *RateLimiter) Wrap(next Model) Model {
	return &limitedModel{next: next, limiter: l}
}

// NewRateLimited wraps m with a dedicated limiter of tokensPerMinute.
func NewRateLimited(m Model, tokensPerMinute float64) Model {
	return NewRateLimiter(tokensPerMinute).Wrap(m)
}

type limitedModel struct {
	next    Model
	limiter *RateLimiter
}

func (m *limitedModel) Generate(ctx context.Context, req Request) (Response, error) {
	if err := m.limiter.wait(ctx, req); err != nil {
		return Response{}, err
	}
	resp, err := m.next.Generate(ctx, req)
	m.limiter.observe(err)
	return resp, err
}

func (m *limitedModel) Info() Info { return m.next.Info() }

func (l *RateLimiter) wait(ctx context.Context, req Request) error {
	n := estimateRequestTokens(req)
	l.mu.Lock()
	burst := l.limiter.Burst()
	l.mu.Unlock()
	if n > burst {
		n = burst
	}
	return l.limiter.WaitN(ctx, n)
}

func (l *RateLimiter) observe(err error) {
	switch {
	case err == nil:
		l.adjust(l.recoveryRate)
	case errors.Is(err, ErrRateLimited):
		l.mu.Lock()
		delta := -l.currentTPM * 0.5
		l.mu.Unlock()
		l.adjust(delta)
	}
}

func (l *RateLimiter) adjust(delta float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.currentTPM + delta
	if next < l.minTPM {
		next = l.minTPM
	}
	if next > l.maxTPM {
		next = l.maxTPM
	}
	if next == l.currentTPM {
		return
	}
	l.currentTPM = next
	l.limiter.SetLimit(rate.Limit(next / 60.0))
	l.limiter.SetBurst(int(next))
}

// estimateRequestTokens approximates a call's token cost: one token per three
// characters of input plus the requested output allowance.
func estimateRequestTokens(req Request) int {
	tokens := (len(req.Instructions) + len(req.Prompt)) / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + req.MaxTokens
}
