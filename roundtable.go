// Package roundtable is the invocation façade of the turn-based multi-agent
// engine. A Roundtable validates a request, resolves the tool's contract,
// claims the run identifier in the ledger, retrieves reference context, runs
// the conversation under a deadline and records the outcome.
//
// Most applications:
//  1. Create a Roundtable via New with a model.Model (optionally overriding
//     the default catalog, in-memory ledger and roster)
//  2. Call Invoke once per run identifier
//
// Invoke never returns a Go error: every outcome, including invalid input and
// infrastructure failures, is a Response with a status.
package roundtable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hupe1980/roundtable/agent"
	"github.com/hupe1980/roundtable/catalog"
	"github.com/hupe1980/roundtable/core"
	"github.com/hupe1980/roundtable/engine"
	"github.com/hupe1980/roundtable/ledger"
	"github.com/hupe1980/roundtable/logging"
	"github.com/hupe1980/roundtable/model"
	"github.com/hupe1980/roundtable/retrieval"
	"github.com/hupe1980/roundtable/telemetry"
)

// Defaults applied by New.
const (
	DefaultMaxTurns        = 12
	DefaultRunTimeout      = 5 * time.Minute
	DefaultFinalizeTimeout = 10 * time.Second
)

// ModeSync is the execution mode recorded in run metadata: Invoke runs the
// conversation on the caller's goroutine and returns its outcome.
const ModeSync = "sync"

// Options configures a Roundtable.
type Options struct {
	// Catalog resolves tool identifiers. Defaults to catalog.Default().
	Catalog *catalog.Catalog
	// LedgerStore persists run records. Defaults to an in-memory store.
	LedgerStore core.LedgerStore
	// Documents backs context retrieval. Nil disables retrieval.
	Documents core.DocumentStore
	// Retrieval tunes the retriever built over Documents.
	Retrieval       []func(o *retrieval.Options)
	RetrievalLimits retrieval.Limits

	// Roster is the fixed rotation of roles. Defaults to agent.DefaultRoster().
	Roster *agent.Roster
	// Summarizer produces the end-of-run summary. Defaults to the turn model.
	Summarizer model.Model
	Engine     engine.Config
	Observer   engine.Observer

	MaxTurns  int
	MaxTopics int
	// RunTimeout is the deadline of one run, retrieval included.
	RunTimeout time.Duration
	// FinalizeTimeout bounds the ledger update after the run, which runs on a
	// context detached from the caller's cancellation.
	FinalizeTimeout time.Duration
	// MaxConcurrentInvocations limits concurrent runs. Zero means unlimited.
	MaxConcurrentInvocations int

	Logger    logging.Logger
	Telemetry *telemetry.Instruments
}

// Roundtable is the invocation façade. It is safe for concurrent use.
type Roundtable struct {
	opts      Options
	catalog   *catalog.Catalog
	ledger    *ledger.Ledger
	retriever *retrieval.Retriever
	engine    *engine.Engine
	sem       *semaphore.Weighted
	logger    logging.Logger
	telemetry *telemetry.Instruments
}

// New creates a Roundtable whose agents are backed by llm.
func New(llm model.Model, optFns ...func(o *Options)) (*Roundtable, error) {
	if llm == nil {
		return nil, errors.New("roundtable: model is required")
	}
	opts := Options{
		MaxTurns:        DefaultMaxTurns,
		MaxTopics:       DefaultMaxTopics,
		RunTimeout:      DefaultRunTimeout,
		FinalizeTimeout: DefaultFinalizeTimeout,
		Engine:          engine.DefaultConfig,
		RetrievalLimits: retrieval.DefaultLimits(),
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Catalog == nil {
		opts.Catalog = catalog.Default()
	}
	if opts.LedgerStore == nil {
		opts.LedgerStore = ledger.NewInMemoryStore()
	}
	if opts.Roster == nil {
		opts.Roster = agent.DefaultRoster()
	}
	if opts.MaxTurns < 0 {
		opts.MaxTurns = 0
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = DefaultRunTimeout
	}
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = DefaultFinalizeTimeout
	}

	eng, err := engine.New(opts.Roster, llm, func(o *engine.Options) {
		o.Config = opts.Engine
		o.Summarizer = opts.Summarizer
		o.Observer = opts.Observer
		o.Logger = opts.Logger
		o.Telemetry = opts.Telemetry
	})
	if err != nil {
		return nil, err
	}

	var retriever *retrieval.Retriever
	if opts.Documents != nil {
		retrieverOpts := append([]func(o *retrieval.Options){func(o *retrieval.Options) {
			o.Logger = opts.Logger
		}}, opts.Retrieval...)
		retriever = retrieval.New(opts.Documents, retrieverOpts...)
	}

	var sem *semaphore.Weighted
	if opts.MaxConcurrentInvocations > 0 {
		sem = semaphore.NewWeighted(int64(opts.MaxConcurrentInvocations))
	}

	return &Roundtable{
		opts:    opts,
		catalog: opts.Catalog,
		ledger: ledger.New(opts.LedgerStore, func(o *ledger.Options) {
			o.Logger = opts.Logger
		}),
		retriever: retriever,
		engine:    eng,
		sem:       sem,
		logger:    opts.Logger,
		telemetry: opts.Telemetry,
	}, nil
}

// Contracts lists the catalog, sorted by tool id.
func (r *Roundtable) Contracts() []core.Contract { return r.catalog.List() }

// Run returns the ledger record of runID.
func (r *Roundtable) Run(ctx context.Context, runID string) (core.RunRecord, error) {
	return r.ledger.Get(ctx, runID)
}

// Invoke executes one run. It never returns an error; the outcome is carried
// by the response status.
func (r *Roundtable) Invoke(ctx context.Context, req Request) Response {
	start := time.Now()
	ctx, span := r.telemetry.StartInvoke(ctx, req.RunID, req.ToolID)

	resp, usage := r.invoke(ctx, req)

	elapsed := time.Since(start)
	r.telemetry.EndInvoke(ctx, span, core.RunStatus(resp.Status), resp.Reason, usage, elapsed)
	logging.LogRun(r.logger, req.RunID, string(resp.Status), resp.Reason, resp.Turns, elapsed)
	return resp
}

func (r *Roundtable) invoke(ctx context.Context, req Request) (resp Response, usage core.Usage) {
	if err := req.Validate(r.opts.MaxTopics); err != nil {
		return newResponse(req.RunID, StatusInvalidRequest, err.Error()), usage
	}

	contract, err := r.catalog.Resolve(req.ToolID)
	if err != nil {
		return newResponse(req.RunID, StatusPreconditionFailed, err.Error()), usage
	}

	if r.sem != nil {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			resp = newResponse(req.RunID, StatusError, fmt.Sprintf("waiting for an invocation slot: %v", err))
			resp.Reason = "cancelled"
			return resp, usage
		}
		defer r.sem.Release(1)
	}

	info := r.engine.ModelInfo()
	started, err := r.ledger.Start(ctx, ledger.StartParams{
		RunID:    req.RunID,
		Contract: contract,
		Provider: info.Provider,
		Model:    info.Name,
		Metadata: map[string]any{
			ledger.MetadataTopics: len(req.topics()),
			ledger.MetadataRoles:  r.engine.Roster().Names(),
			ledger.MetadataMode:   ModeSync,
		},
	})
	if err != nil {
		r.logger.Error("Ledger start failed", "run_id", req.RunID, "error", err)
		resp = newResponse(req.RunID, StatusError, err.Error())
		resp.Reason = "ledger_unavailable"
		return resp, usage
	}
	if started.Replay {
		return replayResponse(started.Existing), usage
	}

	began := time.Now()
	var out engine.Outcome
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Run panicked", "run_id", req.RunID, "panic", p)
			usage = out.Usage
			r.finalize(ctx, req.RunID, ledger.Completion{
				Status:   core.StatusError,
				Reason:   string(engine.ReasonInternal),
				Usage:    usage,
				Metadata: latency(began),
			})
			resp = newResponse(req.RunID, StatusError, fmt.Sprintf("internal error: %v", p))
			resp.Reason = string(engine.ReasonInternal)
			resp.Usage = usageReport(usage, contract.Version)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, r.opts.RunTimeout)
	defer cancel()

	var retrieved string
	if r.retriever != nil {
		retrieved = r.retriever.Retrieve(runCtx, req.query(), r.opts.RetrievalLimits)
	}

	out = r.engine.Run(runCtx, engine.Input{
		Contract:         contract,
		Situation:        req.Situation,
		Context:          req.Context,
		Topics:           req.topics(),
		RetrievedContext: retrieved,
		MaxTurns:         r.opts.MaxTurns,
	})

	status, runStatus := statusOf(out)
	summary := out.Summary.Normalize()
	resp = newResponse(req.RunID, status, messageOf(out))
	resp.Reason = string(out.Reason)
	resp.Summary = &summary
	if out.Transcript != nil {
		resp.Transcript = out.Transcript
	}
	resp.Usage = usageReport(out.Usage, contract.Version)
	resp.Turns = out.Turns

	err = r.finalize(ctx, req.RunID, ledger.Completion{
		Status:   runStatus,
		Reason:   string(out.Reason),
		Usage:    out.Usage,
		Result:   &core.RunResult{Summary: summary, Transcript: resp.Transcript, Turns: out.Turns},
		Metadata: latency(began),
	})
	if err != nil {
		resp.Message += "; outcome not recorded: " + err.Error()
	}
	return resp, out.Usage
}

func latency(since time.Time) map[string]any {
	return map[string]any{ledger.MetadataLatencyMS: time.Since(since).Milliseconds()}
}

// finalize records the outcome on a context that survives the caller's
// cancellation.
func (r *Roundtable) finalize(ctx context.Context, runID string, c ledger.Completion) error {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.FinalizeTimeout)
	defer cancel()
	if err := r.ledger.Complete(fctx, runID, c); err != nil {
		r.logger.Error("Ledger finalize failed", "run_id", runID, "status", c.Status, "error", err)
		return err
	}
	return nil
}

func statusOf(out engine.Outcome) (Status, core.RunStatus) {
	switch {
	case out.State == engine.StateCompleted:
		return StatusSuccess, core.StatusSuccess
	case out.Reason == engine.ReasonBudgetExceeded:
		return StatusBudgetExceeded, core.StatusBudgetExceeded
	default:
		return StatusError, core.StatusError
	}
}

func messageOf(out engine.Outcome) string {
	if out.Err != nil {
		return out.Err.Error()
	}
	return fmt.Sprintf("run completed after %d turns (%s)", out.Turns, out.Reason)
}

func replayResponse(rec core.RunRecord) Response {
	if !rec.Status.IsTerminal() {
		resp := newResponse(rec.RunID, StatusReplay, "run is still in progress; retry later")
		resp.Pending = true
		return resp
	}
	resp := newResponse(rec.RunID, StatusReplay, fmt.Sprintf("run already finished with status %s", rec.Status))
	resp.Prior = priorOf(rec)
	resp.Turns = resp.Prior.Turns
	return resp
}
