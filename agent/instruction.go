package agent

import (
	"fmt"

	"github.com/hupe1980/roundtable/internal/util"
)

// Provider supplies dynamic instruction text at runtime.
// Implementations can derive instructions from the turn input.
type Provider interface {
	Instruction(TurnInput) (string, error)
}

// Func is a functional adapter to allow ordinary functions to be used as Providers.
type Func func(TurnInput) (string, error)

// Instruction implements Provider.
func (f Func) Instruction(in TurnInput) (string, error) { return f(in) }

// Instruction represents either a static instruction template or a dynamic provider.
// This mirrors a union of string | provider in a Go-idiomatic way.
type Instruction struct {
	text     string
	provider Provider
}

// NewInstructionFromText creates an Instruction from a static template. The
// template may reference {{.situation}}, {{.topic}} and {{.role}}.
func NewInstructionFromText(text string) Instruction { return Instruction{text: text} }

// NewInstructionFromProvider creates an Instruction from a dynamic provider.
func NewInstructionFromProvider(p Provider) Instruction { return Instruction{provider: p} }

// NewInstructionFromFunc creates an Instruction from a function.
func NewInstructionFromFunc(f func(TurnInput) (string, error)) Instruction {
	return Instruction{provider: Func(f)}
}

// IsStatic returns true if the instruction is backed by a static template.
func (i Instruction) IsStatic() bool { return i.provider == nil }

// Resolve returns the instruction text, invoking the provider or rendering the
// template as needed.
func (i Instruction) Resolve(in TurnInput) (string, error) {
	if i.provider != nil {
		return i.provider.Instruction(in)
	}
	out, err := util.RenderTemplate(i.text, map[string]any{
		"situation": in.Situation,
		"topic":     in.Topic,
		"role":      in.Role,
	})
	if err != nil {
		return "", fmt.Errorf("instructions for %s: %w", in.Role, err)
	}
	return out, nil
}
