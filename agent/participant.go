package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/roundtable/model"
)

// Markers participants use to structure their notes. The engine's summary
// extraction understands the same markers.
const (
	MarkerNextTopic = "NEXT TOPIC:"
	MarkerAction    = "ACTION:"
	MarkerBlocker   = "BLOCKER:"
	MarkerGoal      = "GOAL:"
)

const responseGuide = "Reply with concise notes. Record follow-ups on their own lines as " +
	"\"ACTION: <title> @<assignee>\", \"BLOCKER: <text>\" or \"GOAL: <text>\". " +
	"Finish with \"NEXT TOPIC: <suggestion>\", leaving the suggestion empty when nothing is left to discuss."

// TurnInput is everything a participant sees for one turn.
type TurnInput struct {
	Role             string
	Turn             int // 1-based
	Situation        string
	Context          string
	Topic            string
	RetrievedContext string
	PreviousRole     string
	PreviousNotes    string
}

// TurnOutput is the result of one model-backed turn.
type TurnOutput struct {
	Text     string
	Usage    model.TokenUsage
	Response model.Response
	Duration time.Duration
}

// ParticipantOptions configures a Participant.
type ParticipantOptions struct {
	// Instruction overrides the role's instruction template.
	Instruction Instruction
	// MaxTokens caps the completion length requested from the model.
	MaxTokens int
}

// Participant executes turns for one role against a model.
type Participant struct {
	role        Role
	llm         model.Model
	instruction Instruction
	maxTokens   int
}

// NewParticipant creates a participant for role backed by llm.
func NewParticipant(role Role, llm model.Model, optFns ...func(o *ParticipantOptions)) *Participant {
	opts := ParticipantOptions{
		Instruction: NewInstructionFromText(role.Instructions),
		MaxTokens:   1024,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Participant{role: role, llm: llm, instruction: opts.Instruction, maxTokens: opts.MaxTokens}
}

// Role returns the participant's role.
func (p *Participant) Role() Role { return p.role }

// BuildRequest renders the model request for a turn without calling the model.
func (p *Participant) BuildRequest(in TurnInput) (model.Request, error) {
	in.Role = p.role.Name
	instructions, err := p.instruction.Resolve(in)
	if err != nil {
		return model.Request{}, err
	}
	return model.Request{
		Instructions: instructions,
		Prompt:       buildPrompt(in),
		MaxTokens:    p.maxTokens,
	}, nil
}

// TakeTurn performs one model call. The request must come from BuildRequest.
func (p *Participant) TakeTurn(ctx context.Context, req model.Request) (TurnOutput, error) {
	if p.llm == nil {
		return TurnOutput{}, errors.New("participant has no model")
	}
	start := time.Now()
	resp, err := p.llm.Generate(ctx, req)
	if err != nil {
		return TurnOutput{}, fmt.Errorf("%s turn: %w", p.role.Name, err)
	}
	return TurnOutput{
		Text:     strings.TrimSpace(resp.Text),
		Usage:    resp.Usage,
		Response: resp,
		Duration: time.Since(start),
	}, nil
}

func buildPrompt(in TurnInput) string {
	var b strings.Builder
	section := func(title, body string) {
		body = strings.TrimSpace(body)
		if body == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(title)
		b.WriteString(":\n")
		b.WriteString(body)
	}

	section("Situation", in.Situation)
	section("Context", in.Context)
	section("Reference material", in.RetrievedContext)
	section("Current topic", in.Topic)
	if in.PreviousRole != "" {
		section("Recent notes from "+in.PreviousRole, in.PreviousNotes)
	}
	section(fmt.Sprintf("Your turn (%s, turn %d)", in.Role, in.Turn), responseGuide)
	return b.String()
}
