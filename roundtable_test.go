package roundtable

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/roundtable/catalog"
	"github.com/hupe1980/roundtable/core"
	"github.com/hupe1980/roundtable/internal/testutil"
	"github.com/hupe1980/roundtable/ledger"
	"github.com/hupe1980/roundtable/memory"
	"github.com/hupe1980/roundtable/model"
)

// countingStore records how often the ledger is touched.
type countingStore struct {
	core.LedgerStore
	inserts atomic.Int32
	err     error
}

func (c *countingStore) Insert(ctx context.Context, rec core.RunRecord) error {
	c.inserts.Add(1)
	if c.err != nil {
		return c.err
	}
	return c.LedgerStore.Insert(ctx, rec)
}

func newTestRoundtable(t *testing.T, llm model.Model, optFns ...func(o *Options)) (*Roundtable, *countingStore) {
	t.Helper()
	store := &countingStore{LedgerStore: ledger.NewInMemoryStore()}
	fns := append([]func(o *Options){func(o *Options) { o.LedgerStore = store }}, optFns...)
	rt, err := New(llm, fns...)
	require.NoError(t, err)
	return rt, store
}

func standupRequest(runID string) Request {
	return Request{
		RunID:     runID,
		ToolID:    "standup",
		Situation: "Sprint 14 standup",
		Topics:    []string{"yesterday", "today", "blockers"},
	}
}

func TestInvokeSuccess(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	rt, _ := newTestRoundtable(t, llm)

	resp := rt.Invoke(context.Background(), standupRequest("run-1"))

	require.Equal(t, StatusSuccess, resp.Status, resp.Message)
	assert.Equal(t, "run-1", resp.RunID)
	assert.Equal(t, 12, resp.Turns)
	assert.Len(t, resp.Transcript, 4)
	require.NotNil(t, resp.Summary)
	assert.True(t, len(resp.Summary.ActionItems) > 0 || resp.Summary.NoActionItems)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 3, resp.Usage.ContractVersion)
	assert.Greater(t, resp.Usage.TokensUsed, 0)
	assert.Greater(t, resp.Usage.CostSpent, 0.0)

	rec, err := rt.Run(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusSuccess, rec.Status)
	assert.Equal(t, "mock", rec.Provider)
	require.NotNil(t, rec.Result)
	assert.Equal(t, 12, rec.Result.Turns)

	// the response is valid JSON with the documented field names
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	for _, field := range []string{`"runId"`, `"status"`, `"summary"`, `"transcript"`, `"costSpent"`, `"tokensUsed"`, `"contractVersion"`, `"noActionItems"`} {
		assert.Contains(t, string(data), field)
	}
}

func TestInvokeSameRunIDReplays(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	rt, _ := newTestRoundtable(t, llm)
	ctx := context.Background()

	first := rt.Invoke(ctx, standupRequest("run-1"))
	require.Equal(t, StatusSuccess, first.Status)
	calls := llm.Calls()

	second := rt.Invoke(ctx, standupRequest("run-1"))
	assert.Equal(t, StatusReplay, second.Status)
	assert.False(t, second.Pending)
	require.NotNil(t, second.Prior)
	assert.Equal(t, core.StatusSuccess, second.Prior.Status)
	assert.Equal(t, first.Transcript, second.Prior.Transcript)
	assert.Equal(t, first.Usage.CostSpent, second.Prior.Usage.CostSpent)
	assert.Equal(t, calls, llm.Calls(), "replay must not call the model")
}

func TestInvokeConcurrentDuplicatesRunOnce(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	rt, _ := newTestRoundtable(t, llm, func(o *Options) { o.MaxTurns = 4 })

	var wg sync.WaitGroup
	results := make([]Response, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = rt.Invoke(context.Background(), standupRequest("dup"))
		}(i)
	}
	wg.Wait()

	executed := 0
	for _, r := range results {
		switch r.Status {
		case StatusSuccess:
			executed++
		case StatusReplay:
		default:
			t.Fatalf("unexpected status %s: %s", r.Status, r.Message)
		}
	}
	assert.Equal(t, 1, executed)
	assert.Equal(t, 5, llm.Calls(), "four turns and one summary")
}

func TestInvokePendingReplay(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	rt, store := newTestRoundtable(t, llm)
	require.NoError(t, store.LedgerStore.Insert(context.Background(), testutil.NewRecord("busy").Build()))

	resp := rt.Invoke(context.Background(), standupRequest("busy"))

	assert.Equal(t, StatusReplay, resp.Status)
	assert.True(t, resp.Pending)
	assert.Nil(t, resp.Prior)
	assert.Equal(t, 0, llm.Calls())
}

func TestInvokeReplaysStoredOutcome(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	rt, store := newTestRoundtable(t, llm)
	rec := testutil.NewRecord("done").
		Tool("standup", 2).
		Status(core.StatusBudgetExceeded, "budget_exceeded").
		Usage(0.75, 1200).
		Transcript("facilitator", "Opened the meeting.", "engineer", "Estimated the work.").
		Build()
	require.NoError(t, store.LedgerStore.Insert(context.Background(), rec))

	resp := rt.Invoke(context.Background(), standupRequest("done"))

	assert.Equal(t, StatusReplay, resp.Status)
	require.NotNil(t, resp.Prior)
	assert.Equal(t, core.StatusBudgetExceeded, resp.Prior.Status)
	assert.Equal(t, 2, resp.Prior.Turns)
	assert.InDelta(t, 0.75, resp.Prior.Usage.CostSpent, 1e-9)
	assert.Equal(t, 2, resp.Prior.Usage.ContractVersion)
	assert.Equal(t, "Estimated the work.", resp.Prior.Transcript["engineer"])
	assert.NotNil(t, resp.Prior.CompletedAt)
	assert.Equal(t, 0, llm.Calls())
}

func TestInvokeUnknownToolNeverTouchesLedger(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	rt, store := newTestRoundtable(t, llm)

	req := standupRequest("run-1")
	req.ToolID = "planning-poker"
	resp := rt.Invoke(context.Background(), req)

	assert.Equal(t, StatusPreconditionFailed, resp.Status)
	assert.Contains(t, resp.Message, "planning-poker")
	assert.EqualValues(t, 0, store.inserts.Load())
	assert.Equal(t, 0, llm.Calls())
}

func TestInvokeValidation(t *testing.T) {
	tooMany := make([]string, DefaultMaxTopics+1)
	for i := range tooMany {
		tooMany[i] = "t"
	}
	tests := []struct {
		name   string
		mutate func(r *Request)
		field  string
	}{
		{"empty run id", func(r *Request) { r.RunID = "" }, "runId"},
		{"run id with space", func(r *Request) { r.RunID = "run 1" }, "runId"},
		{"run id leading dash", func(r *Request) { r.RunID = "-run" }, "runId"},
		{"run id too long", func(r *Request) { r.RunID = strings.Repeat("a", 129) }, "runId"},
		{"blank tool", func(r *Request) { r.ToolID = " " }, "toolId"},
		{"blank situation", func(r *Request) { r.Situation = "\t" }, "situation"},
		{"blank topic", func(r *Request) { r.Topics = []string{"ok", " "} }, "topics[1]"},
		{"too many topics", func(r *Request) { r.Topics = tooMany }, "topics"},
	}

	llm := model.NewMockModel("mock", "mock")
	rt, store := newTestRoundtable(t, llm)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := standupRequest("run-1")
			tt.mutate(&req)

			err := req.Validate(DefaultMaxTopics)
			require.ErrorIs(t, err, core.ErrInvalidRequest)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)

			resp := rt.Invoke(context.Background(), req)
			assert.Equal(t, StatusInvalidRequest, resp.Status)
			assert.NotEmpty(t, resp.Message)
		})
	}
	assert.EqualValues(t, 0, store.inserts.Load())

	valid := standupRequest("Run_1.a:b-c")
	assert.NoError(t, valid.Validate(0))
}

func TestInvokeBudgetExceeded(t *testing.T) {
	llm := model.NewMockModel("mock", "mock").Script(model.Reply{Text: "notes", Cost: core.Dollars(0.02)})
	cat := catalog.MustNew(testutil.NewContract("standup").MaxCost(0.01).Build())
	rt, _ := newTestRoundtable(t, llm, func(o *Options) { o.Catalog = cat })

	resp := rt.Invoke(context.Background(), standupRequest("run-b"))

	assert.Equal(t, StatusBudgetExceeded, resp.Status)
	assert.Equal(t, 1, resp.Turns)
	assert.InDelta(t, 0.02, resp.Usage.CostSpent, 1e-9)
	assert.Equal(t, 1, llm.Calls())

	rec, err := rt.Run(context.Background(), "run-b")
	require.NoError(t, err)
	assert.Equal(t, core.StatusBudgetExceeded, rec.Status)
	assert.Equal(t, core.Dollars(0.02), rec.Usage.Cost)
}

func TestInvokeDeadlineRecordsError(t *testing.T) {
	llm := model.NewMockModel("mock", "mock").Script(
		model.Reply{Text: "quick"},
		model.Reply{Text: "slow", Delay: time.Second},
	)
	rt, _ := newTestRoundtable(t, llm, func(o *Options) { o.RunTimeout = 50 * time.Millisecond })

	resp := rt.Invoke(context.Background(), standupRequest("run-d"))

	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, "deadline_exceeded", resp.Reason)
	assert.Equal(t, 1, resp.Turns)

	rec, err := rt.Run(context.Background(), "run-d")
	require.NoError(t, err)
	assert.Equal(t, core.StatusError, rec.Status)
	assert.Equal(t, "deadline_exceeded", rec.Reason)
	assert.Greater(t, rec.Usage.Tokens, 0, "partial spend is recorded")
}

func TestInvokeCallerCancellationStillFinalizes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	llm := model.NewMockModel("mock", "mock").SetFallback(func(model.Request) model.Reply {
		cancel()
		return model.Reply{Text: "late", Delay: time.Second}
	})
	rt, _ := newTestRoundtable(t, llm)

	resp := rt.Invoke(ctx, standupRequest("run-c"))
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, "cancelled", resp.Reason)

	rec, err := rt.Run(context.Background(), "run-c")
	require.NoError(t, err)
	assert.Equal(t, core.StatusError, rec.Status)
}

func TestInvokeLedgerUnavailable(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	rt, store := newTestRoundtable(t, llm)
	store.err = errors.New("connection refused")

	resp := rt.Invoke(context.Background(), standupRequest("run-1"))

	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Message, "ledger unavailable")
	assert.Equal(t, 0, llm.Calls())
}

func TestInvokeUsesRetrievedContext(t *testing.T) {
	docs := memory.NewInMemoryStore()
	_, err := docs.Store(memory.Document{Category: "prompts", Title: "Standup format", Content: "Yesterday, today, blockers."})
	require.NoError(t, err)

	llm := model.NewMockModel("mock", "mock")
	rt, _ := newTestRoundtable(t, llm, func(o *Options) {
		o.Documents = docs
		o.MaxTurns = 1
	})

	resp := rt.Invoke(context.Background(), standupRequest("run-r"))
	require.Equal(t, StatusSuccess, resp.Status)
	assert.Contains(t, llm.Requests()[0].Prompt, "Reference material:\n## Prompts\n- Standup format")
}

func TestInvokeEmptyRetrievalProceeds(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	rt, _ := newTestRoundtable(t, llm, func(o *Options) {
		o.Documents = memory.NewInMemoryStore()
		o.MaxTurns = 1
	})

	resp := rt.Invoke(context.Background(), standupRequest("run-e"))
	require.Equal(t, StatusSuccess, resp.Status)
	assert.NotContains(t, llm.Requests()[0].Prompt, "Reference material")
}

func TestInvokeMaxTurnsZero(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	rt, _ := newTestRoundtable(t, llm, func(o *Options) { o.MaxTurns = 0 })

	resp := rt.Invoke(context.Background(), standupRequest("run-z"))

	require.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, 0, resp.Turns)
	assert.Empty(t, resp.Transcript)
	assert.True(t, resp.Summary.NoActionItems)
	assert.Equal(t, 0, llm.Calls())
}

// inflightModel tracks the maximum number of concurrent Generate calls.
type inflightModel struct {
	model.Model
	cur, max atomic.Int32
}

func (m *inflightModel) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	n := m.cur.Add(1)
	defer m.cur.Add(-1)
	for {
		old := m.max.Load()
		if n <= old || m.max.CompareAndSwap(old, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return m.Model.Generate(ctx, req)
}

func TestInvokeConcurrencyLimit(t *testing.T) {
	llm := &inflightModel{Model: model.NewMockModel("mock", "mock")}
	rt, _ := newTestRoundtable(t, llm, func(o *Options) {
		o.MaxConcurrentInvocations = 1
		o.MaxTurns = 2
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := rt.Invoke(context.Background(), standupRequest("run-"+string(rune('a'+i))))
			assert.Equal(t, StatusSuccess, resp.Status)
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, llm.max.Load())
}

func TestFreshRunIDsSameInputs(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	rt, _ := newTestRoundtable(t, llm, func(o *Options) { o.MaxTurns = 4 })

	a := rt.Invoke(context.Background(), standupRequest("fresh-1"))
	b := rt.Invoke(context.Background(), standupRequest("fresh-2"))

	for _, r := range []Response{a, b} {
		assert.Equal(t, StatusSuccess, r.Status)
		assert.NotNil(t, r.Summary)
		assert.NotNil(t, r.Usage)
		assert.Equal(t, 4, r.Turns)
	}
}

func TestNewRequiresModel(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestContracts(t *testing.T) {
	rt, _ := newTestRoundtable(t, model.NewMockModel("mock", "mock"))
	ids := []string{}
	for _, c := range rt.Contracts() {
		ids = append(ids, c.ToolID)
	}
	assert.Equal(t, []string{"incident-review", "retrospective", "standup"}, ids)
}

func TestInvokeEnforcesSubMicroTokenRates(t *testing.T) {
	cat, err := catalog.Load(strings.NewReader(`
contracts:
  - tool_id: summarize
    version: 1
    max_cost: 0.0001
    max_tokens: 1000000
    cost_per_token: 0.00000015
`))
	require.NoError(t, err)
	llm := model.NewMockModel("mock", "mock").SetFallback(func(model.Request) model.Reply {
		return model.Reply{Text: "notes", Usage: model.TokenUsage{PromptTokens: 5000, CompletionTokens: 5000}}
	})
	rt, _ := newTestRoundtable(t, llm, func(o *Options) {
		o.Catalog = cat
		o.MaxTurns = 4
	})

	req := standupRequest("run-cheap")
	req.ToolID = "summarize"
	resp := rt.Invoke(context.Background(), req)

	assert.Equal(t, StatusBudgetExceeded, resp.Status)
	assert.LessOrEqual(t, llm.Calls(), 1)

	rec, err := rt.Run(context.Background(), "run-cheap")
	require.NoError(t, err)
	assert.Equal(t, core.StatusBudgetExceeded, rec.Status)
}

// panickingModel delegates the first `after` calls and panics afterwards.
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

func TestInvokePanicRecordsSpend(t *testing.T) {
	inner := model.NewMockModel("mock", "mock").Script(
		model.Reply{Text: "Opening remarks.", Usage: model.TokenUsage{PromptTokens: 500, CompletionTokens: 500}},
	)
	rt, _ := newTestRoundtable(t, &panickingModel{Model: inner, after: 1})

	resp := rt.Invoke(context.Background(), standupRequest("run-p"))

	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, "internal_error", resp.Reason)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 1000, resp.Usage.TokensUsed)

	rec, err := rt.Run(context.Background(), "run-p")
	require.NoError(t, err)
	assert.Equal(t, core.StatusError, rec.Status)
	assert.Equal(t, "internal_error", rec.Reason)
	// standup is priced at $6 per million tokens
	assert.Equal(t, core.Usage{Cost: core.Dollars(0.006), Tokens: 1000}, rec.Usage)
	require.NotNil(t, rec.Result)
	assert.Equal(t, "Opening remarks.", rec.Result.Transcript["facilitator"])
}

func TestInvokeRecordsRunMetadata(t *testing.T) {
	rt, _ := newTestRoundtable(t, model.NewMockModel("mock", "mock"), func(o *Options) { o.MaxTurns = 4 })

	resp := rt.Invoke(context.Background(), standupRequest("run-m"))
	require.Equal(t, StatusSuccess, resp.Status)

	rec, err := rt.Run(context.Background(), "run-m")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Metadata[ledger.MetadataTopics])
	assert.Equal(t, rt.engine.Roster().Names(), rec.Metadata[ledger.MetadataRoles])
	assert.Len(t, rec.Metadata[ledger.MetadataRoles], 4)
	assert.Equal(t, ModeSync, rec.Metadata[ledger.MetadataMode])
	assert.NotEmpty(t, rec.Metadata[ledger.MetadataAttemptID])
	latency, ok := rec.Metadata[ledger.MetadataLatencyMS].(int64)
	require.True(t, ok, "latency_ms is recorded at finalize")
	assert.GreaterOrEqual(t, latency, int64(0))
}

func TestResponsesAlwaysCarryTranscript(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	rt, store := newTestRoundtable(t, llm)
	require.NoError(t, store.LedgerStore.Insert(context.Background(), testutil.NewRecord("busy").Build()))

	invalid := standupRequest("")
	unknown := standupRequest("run-u")
	unknown.ToolID = "planning-poker"

	for _, resp := range []Response{
		rt.Invoke(context.Background(), invalid),
		rt.Invoke(context.Background(), unknown),
		rt.Invoke(context.Background(), standupRequest("busy")),
	} {
		assert.NotNil(t, resp.Transcript, resp.Status)
		data, err := json.Marshal(resp)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"transcript":{}`)
	}
}
