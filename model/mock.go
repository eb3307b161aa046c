package model

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/hupe1980/roundtable/core"
)

// Reply is one scripted MockModel result.
type Reply struct {
	Text  string
	Usage TokenUsage
	Cost  core.Cost
	Err   error
	// Delay blocks the call before replying; the call's context still applies.
	Delay time.Duration
}

// MockModel is a lightweight in-memory Model useful for tests & examples.
// Scripted replies are consumed in order; once exhausted, prompt-keyed
// responses and finally an echo reply are used. Safe for concurrent use.
type MockModel struct {
	info Info

	mu        sync.Mutex
	script    []Reply
	responses map[string]string
	fallback  func(Request) Reply
	requests  []Request
}

// NewMockModel constructs a MockModel.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info:      Info{Name: name, Provider: provider},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// Script appends replies returned by subsequent calls, one per call.
func (m *MockModel) Script(replies ...Reply) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, replies...)
	return m
}

// SetFallback sets the reply generator used once the script is exhausted.
func (m *MockModel) SetFallback(fn func(Request) Reply) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = fn
	return m
}

// Calls returns the number of Generate calls received.
func (m *MockModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns a copy of all requests received.
func (m *MockModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// Generate implements Model.
func (m *MockModel) Generate(ctx context.Context, req Request) (Response, error) {
	reply := m.next(req)

	if reply.Delay > 0 {
		timer := time.NewTimer(reply.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	if reply.Err != nil {
		return Response{}, reply.Err
	}

	usage := reply.Usage
	if usage == (TokenUsage{}) {
		usage = TokenUsage{
			PromptTokens:     approxTokens(req.Instructions + req.Prompt),
			CompletionTokens: approxTokens(reply.Text),
		}
	}
	usage.TotalTokens = usage.Total()

	return Response{
		Text:         reply.Text,
		FinishReason: "stop",
		Usage:        usage,
		Cost:         reply.Cost,
	}, nil
}

// Info implements Model interface.
func (m *MockModel) Info() Info { return m.info }

func (m *MockModel) next(req Request) Reply {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)

	if len(m.script) > 0 {
		r := m.script[0]
		m.script = m.script[1:]
		return r
	}
	if text, ok := m.responses[req.Prompt]; ok {
		return Reply{Text: text}
	}
	if m.fallback != nil {
		return m.fallback(req)
	}
	return Reply{Text: fmt.Sprintf("Mock response to: %s", firstLine(req.Prompt))}
}

func approxTokens(s string) int {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	if n < 4 {
		return 1
	}
	return n / 4
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
