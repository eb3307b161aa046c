package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/roundtable/agent"
	"github.com/hupe1980/roundtable/core"
	"github.com/hupe1980/roundtable/model"
)

func testContract() core.Contract {
	return core.Contract{
		ToolID:       "standup",
		Version:      3,
		MaxCost:      core.Dollars(10),
		MaxTokens:    1_000_000,
		CostPerToken: core.Dollars(0.000001),
	}
}

func newTestEngine(t *testing.T, llm model.Model, optFns ...func(o *Options)) *Engine {
	t.Helper()
	eng, err := New(agent.DefaultRoster(), llm, optFns...)
	require.NoError(t, err)
	return eng
}

func TestNewValidatesArguments(t *testing.T) {
	_, err := New(nil, model.NewMockModel("m", "mock"))
	assert.Error(t, err)

	_, err = New(agent.DefaultRoster(), nil)
	assert.Error(t, err)
}

func TestRunFourRolesTwelveTurnsThreeTopics(t *testing.T) {
	llm := model.NewMockModel("mock-1", "mock")
	eng := newTestEngine(t, llm)

	out := eng.Run(context.Background(), Input{
		Contract:  testContract(),
		Situation: "Sprint 14 standup",
		Topics:    []string{"yesterday", "today", "blockers"},
		MaxTurns:  12,
	})

	require.NoError(t, out.Err)
	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, ReasonTurnLimit, out.Reason)
	assert.Equal(t, 12, out.Turns)
	assert.Equal(t, 3, out.Rotations)
	assert.Len(t, out.Transcript, 4)
	assert.True(t, len(out.Summary.ActionItems) > 0 || out.Summary.NoActionItems)
	assert.Equal(t, "mock", out.Provider)
	assert.Equal(t, "mock-1", out.Model)
	assert.Greater(t, out.Usage.Tokens, 0)
	assert.Greater(t, int64(out.Usage.Cost), int64(0))

	// 12 turns plus the summary call
	reqs := llm.Requests()
	require.Len(t, reqs, 13)
	assert.Contains(t, reqs[0].Prompt, "Current topic:\nyesterday")
	assert.Contains(t, reqs[4].Prompt, "Current topic:\ntoday")
	assert.Contains(t, reqs[8].Prompt, "Current topic:\nblockers")
	assert.Equal(t, DefaultSummaryInstructions, reqs[12].Instructions)
}

func TestRunBudgetExceededAfterFirstTurn(t *testing.T) {
	llm := model.NewMockModel("mock", "mock").Script(
		model.Reply{Text: "expensive notes", Cost: core.Dollars(0.02)},
	)
	eng := newTestEngine(t, llm)

	contract := testContract()
	contract.MaxCost = core.Dollars(0.01)

	out := eng.Run(context.Background(), Input{
		Contract:  contract,
		Situation: "Sprint 14 standup",
		MaxTurns:  12,
	})

	assert.Equal(t, StateAborted, out.State)
	assert.Equal(t, ReasonBudgetExceeded, out.Reason)
	assert.ErrorIs(t, out.Err, core.ErrBudgetExceeded)
	assert.Equal(t, 1, out.Turns)
	assert.Equal(t, core.Dollars(0.02), out.Usage.Cost)
	assert.Equal(t, 1, llm.Calls(), "no further turns after the breach")
	assert.Equal(t, map[string]string{"facilitator": "expensive notes"}, out.Transcript)
}

func TestRunPreFlightRejectSkipsModel(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	eng := newTestEngine(t, llm)

	contract := testContract()
	contract.MaxCost = 100 // below the output allowance alone

	out := eng.Run(context.Background(), Input{Contract: contract, Situation: "s", MaxTurns: 4})

	assert.Equal(t, StateAborted, out.State)
	assert.Equal(t, ReasonBudgetExceeded, out.Reason)
	assert.Equal(t, 0, out.Turns)
	assert.Equal(t, 0, llm.Calls())
	assert.True(t, out.Usage.IsZero())
	assert.Empty(t, out.Transcript)
}

func TestRunTokenCeiling(t *testing.T) {
	llm := model.NewMockModel("mock", "mock").Script(
		model.Reply{Text: "long", Usage: model.TokenUsage{PromptTokens: 500, CompletionTokens: 2000}},
	)
	eng := newTestEngine(t, llm)

	contract := testContract()
	contract.MaxTokens = 2000

	out := eng.Run(context.Background(), Input{Contract: contract, Situation: "s", MaxTurns: 4})

	assert.Equal(t, ReasonBudgetExceeded, out.Reason)
	assert.Equal(t, 2500, out.Usage.Tokens)
	assert.Equal(t, 1, out.Turns)
}

func TestRunMaxTurnsZero(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	eng := newTestEngine(t, llm)

	out := eng.Run(context.Background(), Input{Contract: testContract(), Situation: "s", MaxTurns: 0})

	require.NoError(t, out.Err)
	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, 0, out.Turns)
	assert.NotNil(t, out.Transcript)
	assert.Empty(t, out.Transcript)
	assert.True(t, out.Summary.NoActionItems)
	assert.Equal(t, 0, llm.Calls())
}

func TestRunStopsMidRotationAtTurnCap(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	eng := newTestEngine(t, llm)

	out := eng.Run(context.Background(), Input{
		Contract:  testContract(),
		Situation: "s",
		Topics:    []string{"a", "b"},
		MaxTurns:  6,
	})

	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, ReasonTurnLimit, out.Reason)
	assert.Equal(t, 6, out.Turns)
	assert.Equal(t, 1, out.Rotations)
}

func TestRunTopicsExhausted(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	eng := newTestEngine(t, llm)

	out := eng.Run(context.Background(), Input{
		Contract:  testContract(),
		Situation: "s",
		Topics:    []string{"a", " ", "b"},
		MaxTurns:  100,
	})

	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, ReasonTopicsExhausted, out.Reason)
	assert.Equal(t, 8, out.Turns)
	assert.Equal(t, 2, out.Rotations)
}

func TestRunDefaultTopicIsSituation(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	eng := newTestEngine(t, llm)

	out := eng.Run(context.Background(), Input{Contract: testContract(), Situation: "Release review", MaxTurns: 10})

	assert.Equal(t, ReasonTopicsExhausted, out.Reason)
	assert.Equal(t, 4, out.Turns)
	assert.Contains(t, llm.Requests()[0].Prompt, "Current topic:\nRelease review")
}

func TestRunClosureSignal(t *testing.T) {
	llm := model.NewMockModel("mock", "mock").Script(
		model.Reply{Text: "Opening.\nNEXT TOPIC: today"},
		model.Reply{Text: "Nothing more from me.\nNEXT TOPIC:"},
	)
	eng := newTestEngine(t, llm)

	out := eng.Run(context.Background(), Input{
		Contract:  testContract(),
		Situation: "s",
		Topics:    []string{"a", "b", "c"},
		MaxTurns:  12,
	})

	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, ReasonClosure, out.Reason)
	assert.Equal(t, 4, out.Turns, "the round finishes before closure applies")
}

func TestRunBudgetTakesPrecedenceOverClosure(t *testing.T) {
	llm := model.NewMockModel("mock", "mock").Script(
		model.Reply{Text: "Done.\nNEXT TOPIC:", Cost: core.Dollars(1)},
	)
	eng := newTestEngine(t, llm)

	contract := testContract()
	contract.MaxCost = core.Dollars(0.5)

	out := eng.Run(context.Background(), Input{Contract: contract, Situation: "s", MaxTurns: 1})

	assert.Equal(t, StateAborted, out.State)
	assert.Equal(t, ReasonBudgetExceeded, out.Reason)
}

func TestRunAgentError(t *testing.T) {
	llm := model.NewMockModel("mock", "mock").Script(
		model.Reply{Text: "first"},
		model.Reply{Err: errors.New("provider down")},
	)
	eng := newTestEngine(t, llm)

	out := eng.Run(context.Background(), Input{Contract: testContract(), Situation: "s", MaxTurns: 12})

	assert.Equal(t, StateAborted, out.State)
	assert.Equal(t, ReasonAgentError, out.Reason)
	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "engineer turn: provider down")
	assert.Equal(t, 1, out.Turns)
	assert.Equal(t, 2, llm.Calls(), "agent errors are not retried")
	assert.Equal(t, map[string]string{"facilitator": "first"}, out.Transcript)
}

func TestRunTurnTimeoutIsAgentError(t *testing.T) {
	llm := model.NewMockModel("mock", "mock").Script(model.Reply{Text: "slow", Delay: time.Second})
	eng := newTestEngine(t, llm, func(o *Options) {
		o.Config.TurnTimeout = 10 * time.Millisecond
	})

	out := eng.Run(context.Background(), Input{Contract: testContract(), Situation: "s", MaxTurns: 4})

	assert.Equal(t, ReasonAgentError, out.Reason)
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
}

func TestRunCancellationKeepsSpend(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := newTestEngine(t, llm, func(o *Options) {
		o.Observer = ObserverFunc(func(_ context.Context, ev TurnEvent) {
			if ev.Turn == 2 {
				cancel()
			}
		})
	})

	out := eng.Run(ctx, Input{Contract: testContract(), Situation: "s", MaxTurns: 12})

	assert.Equal(t, StateAborted, out.State)
	assert.Equal(t, ReasonCancelled, out.Reason)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Equal(t, 2, out.Turns)
	assert.Greater(t, out.Usage.Tokens, 0)
	assert.Len(t, out.Transcript, 2)
}

func TestRunDeadlineExceeded(t *testing.T) {
	llm := model.NewMockModel("mock", "mock").SetFallback(func(model.Request) model.Reply {
		return model.Reply{Text: "late", Delay: time.Second}
	})
	eng := newTestEngine(t, llm)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	out := eng.Run(ctx, Input{Contract: testContract(), Situation: "s", MaxTurns: 4})

	assert.Equal(t, StateAborted, out.State)
	assert.Equal(t, ReasonDeadlineExceeded, out.Reason)
	assert.Equal(t, 0, out.Turns)
}

func TestRunPassesPreviousSpeakerNotes(t *testing.T) {
	llm := model.NewMockModel("mock", "mock").Script(
		model.Reply{Text: "facilitator says hi"},
		model.Reply{Text: "engineer notes"},
		model.Reply{Text: "product notes"},
		model.Reply{Text: "qa notes"},
	)
	eng := newTestEngine(t, llm)

	eng.Run(context.Background(), Input{
		Contract:  testContract(),
		Situation: "s",
		Topics:    []string{"a", "b"},
		MaxTurns:  5,
	})

	reqs := llm.Requests()
	require.GreaterOrEqual(t, len(reqs), 5)
	assert.NotContains(t, reqs[0].Prompt, "Recent notes")
	assert.Contains(t, reqs[1].Prompt, "Recent notes from facilitator:\nfacilitator says hi")
	assert.Contains(t, reqs[4].Prompt, "Recent notes from qa:\nqa notes", "first speaker of a round sees the last speaker")
}

func TestRunSummaryFromJSON(t *testing.T) {
	turns := model.NewMockModel("turns", "mock")
	summarizer := model.NewMockModel("summary", "mock").Script(model.Reply{
		Text: "Here you go:\n```json\n{\"action_items\":[{\"title\":\"Fix CI\",\"assignee\":\"engineer\"}]," +
			"\"blockers\":[\"flaky tests\"],\"goals\":[]}\n```",
	})
	eng := newTestEngine(t, turns, func(o *Options) { o.Summarizer = summarizer })

	out := eng.Run(context.Background(), Input{Contract: testContract(), Situation: "s", MaxTurns: 4})

	require.Equal(t, StateCompleted, out.State)
	assert.Equal(t, []core.ActionItem{{Title: "Fix CI", Assignee: "engineer"}}, out.Summary.ActionItems)
	assert.Equal(t, []string{"flaky tests"}, out.Summary.Blockers)
	assert.Equal(t, []string{}, out.Summary.Goals)
	assert.False(t, out.Summary.NoActionItems)
	assert.Equal(t, 4, turns.Calls())
	assert.Equal(t, 1, summarizer.Calls())
	assert.Contains(t, summarizer.Requests()[0].Prompt, "Notes from facilitator:")
}

func TestRunSummaryFallsBackToMarkers(t *testing.T) {
	llm := model.NewMockModel("mock", "mock").Script(
		model.Reply{Text: "ACTION: Update runbook @qa"},
		model.Reply{Text: "- ACTION: Ship the fix\nBLOCKER: staging is down"},
		model.Reply{Text: "GOAL: release on Friday"},
		model.Reply{Text: "ok"},
		model.Reply{Text: "this is not json"},
	)
	eng := newTestEngine(t, llm)

	out := eng.Run(context.Background(), Input{Contract: testContract(), Situation: "s", MaxTurns: 4})

	require.Equal(t, StateCompleted, out.State)
	assert.Equal(t, []core.ActionItem{
		{Title: "Update runbook", Assignee: "qa"},
		{Title: "Ship the fix", Assignee: "engineer"},
	}, out.Summary.ActionItems)
	assert.Equal(t, []string{"staging is down"}, out.Summary.Blockers)
	assert.Equal(t, []string{"release on Friday"}, out.Summary.Goals)
}

func TestRunSummaryCallErrorUsesMarkers(t *testing.T) {
	turns := model.NewMockModel("turns", "mock").SetFallback(func(model.Request) model.Reply {
		return model.Reply{Text: "ACTION: write tests"}
	})
	summarizer := model.NewMockModel("summary", "mock").Script(model.Reply{Err: errors.New("overloaded")})
	eng := newTestEngine(t, turns, func(o *Options) { o.Summarizer = summarizer })

	out := eng.Run(context.Background(), Input{Contract: testContract(), Situation: "s", MaxTurns: 4})

	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, []core.ActionItem{{Title: "write tests", Assignee: "facilitator"}}, out.Summary.ActionItems)
}

func TestRunSummaryPostFlightBreachAborts(t *testing.T) {
	turns := model.NewMockModel("turns", "mock")
	summarizer := model.NewMockModel("summary", "mock").Script(model.Reply{Text: "{}", Cost: core.Dollars(5)})
	eng := newTestEngine(t, turns, func(o *Options) { o.Summarizer = summarizer })

	contract := testContract()
	contract.MaxCost = core.Dollars(1)

	out := eng.Run(context.Background(), Input{Contract: contract, Situation: "s", MaxTurns: 4})

	assert.Equal(t, StateAborted, out.State)
	assert.Equal(t, ReasonBudgetExceeded, out.Reason)
	assert.Equal(t, 4, out.Turns)
	assert.True(t, out.Summary.NoActionItems)
}

func TestRunSummaryPreFlightRejectSkipsCall(t *testing.T) {
	turns := model.NewMockModel("turns", "mock").Script(
		model.Reply{Text: "ACTION: a", Cost: core.Dollars(0.999)},
	)
	summarizer := model.NewMockModel("summary", "mock")
	eng := newTestEngine(t, turns, func(o *Options) { o.Summarizer = summarizer })

	contract := testContract()
	contract.MaxCost = core.Dollars(1)
	contract.CostPerToken = core.Dollars(0.00001)

	out := eng.Run(context.Background(), Input{Contract: contract, Situation: "s", MaxTurns: 1})

	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, 0, summarizer.Calls())
	assert.Len(t, out.Summary.ActionItems, 1)
}

func TestRunObserverAndInstructionOverride(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	var events []TurnEvent
	eng := newTestEngine(t, llm, func(o *Options) {
		o.Observer = Observers{nil, ObserverFunc(func(_ context.Context, ev TurnEvent) {
			events = append(events, ev)
		})}
		o.Instructions = map[string]agent.Instruction{
			"qa": agent.NewInstructionFromText("Custom QA on {{.topic}}"),
		}
	})

	out := eng.Run(context.Background(), Input{Contract: testContract(), Situation: "s", Topics: []string{"t"}, MaxTurns: 4})

	require.Len(t, events, 4)
	assert.Equal(t, "facilitator", events[0].Role)
	assert.Equal(t, 4, events[3].Turn)
	var sum core.Usage
	for _, ev := range events {
		sum = sum.Add(ev.Usage)
		assert.Equal(t, sum, ev.Total)
	}
	assert.GreaterOrEqual(t, out.Usage.Tokens, sum.Tokens)
	assert.Equal(t, "Custom QA on t", llm.Requests()[3].Instructions)
}

// panickingModel delegates to Model for the first `after` calls and panics
// on every later one.
type panickingModel struct {
	model.Model
	after int32
	calls atomic.Int32
}

func (m *panickingModel) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	if m.calls.Add(1) > m.after {
		panic("provider client bug")
	}
	return m.Model.Generate(ctx, req)
}

func TestRunPanicKeepsRecordedSpend(t *testing.T) {
	inner := model.NewMockModel("mock", "mock").Script(
		model.Reply{Text: "Opening remarks.", Usage: model.TokenUsage{PromptTokens: 500, CompletionTokens: 500}},
	)
	eng := newTestEngine(t, &panickingModel{Model: inner, after: 1})

	out := eng.Run(context.Background(), Input{Contract: testContract(), Situation: "s", MaxTurns: 4})

	assert.Equal(t, StateAborted, out.State)
	assert.Equal(t, ReasonInternal, out.Reason)
	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "provider client bug")
	assert.Equal(t, 1, out.Turns)
	assert.Equal(t, core.Usage{Cost: core.Dollars(0.001), Tokens: 1000}, out.Usage)
	assert.Equal(t, "Opening remarks.", out.Transcript["facilitator"])
	assert.True(t, out.Summary.NoActionItems)
}

func TestRunSummaryIsNormalized(t *testing.T) {
	llm := model.NewMockModel("mock", "mock").Script(
		model.Reply{Text: "ACTION: rotate keys"},
	)
	eng := newTestEngine(t, llm)

	out := eng.Run(context.Background(), Input{Contract: testContract(), Situation: "s", MaxTurns: 1})

	require.Equal(t, StateCompleted, out.State)
	assert.NotNil(t, out.Summary.Blockers)
	assert.NotNil(t, out.Summary.Goals)
	assert.False(t, out.Summary.NoActionItems)
}
