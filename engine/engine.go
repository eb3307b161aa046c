package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/roundtable/agent"
	"github.com/hupe1980/roundtable/budget"
	"github.com/hupe1980/roundtable/core"
	"github.com/hupe1980/roundtable/logging"
	"github.com/hupe1980/roundtable/model"
	"github.com/hupe1980/roundtable/telemetry"
)

// Config holds the tuning parameters of a run.
type Config struct {
	// TurnTimeout bounds every model call, including the summarization call.
	TurnTimeout time.Duration

	// NoteWindow is the maximum number of characters of the previous
	// speaker's notes handed to the next speaker.
	NoteWindow int

	// SummaryWindow bounds the notes of each role in the summarization prompt.
	SummaryWindow int

	// TurnMaxTokens and SummaryMaxTokens cap the completion length requested
	// from the model.
	TurnMaxTokens    int
	SummaryMaxTokens int
}

// DefaultConfig provides the default run parameters.
var DefaultConfig = Config{
	TurnTimeout:      60 * time.Second,
	NoteWindow:       2000,
	SummaryWindow:    4000,
	TurnMaxTokens:    1024,
	SummaryMaxTokens: 1024,
}

func (c Config) withDefaults() Config {
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = DefaultConfig.TurnTimeout
	}
	if c.NoteWindow <= 0 {
		c.NoteWindow = DefaultConfig.NoteWindow
	}
	if c.SummaryWindow <= 0 {
		c.SummaryWindow = DefaultConfig.SummaryWindow
	}
	if c.TurnMaxTokens <= 0 {
		c.TurnMaxTokens = DefaultConfig.TurnMaxTokens
	}
	if c.SummaryMaxTokens <= 0 {
		c.SummaryMaxTokens = DefaultConfig.SummaryMaxTokens
	}
	return c
}

// Options configures an Engine.
type Options struct {
	Config Config

	// Summarizer produces the end-of-run summary. Defaults to the turn model.
	Summarizer model.Model

	// SummaryInstructions replaces DefaultSummaryInstructions.
	SummaryInstructions string

	// Instructions overrides the instruction template of individual roles.
	Instructions map[string]agent.Instruction

	Observer  Observer
	Logger    logging.Logger
	Telemetry *telemetry.Instruments
}

// Engine runs conversations over a fixed roster.
type Engine struct {
	roster       *agent.Roster
	participants []*agent.Participant
	llm          model.Model
	summarizer   model.Model
	summaryInstr string
	cfg          Config
	observer     Observer
	logger       logging.Logger
	telemetry    *telemetry.Instruments
}

// New creates an engine for roster backed by llm.
func New(roster *agent.Roster, llm model.Model, optFns ...func(o *Options)) (*Engine, error) {
	if roster == nil || roster.Len() == 0 {
		return nil, errors.New("engine: roster is empty")
	}
	if llm == nil {
		return nil, errors.New("engine: model is required")
	}

	opts := Options{
		Config:              DefaultConfig,
		SummaryInstructions: DefaultSummaryInstructions,
		Logger:              logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Summarizer == nil {
		opts.Summarizer = llm
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if strings.TrimSpace(opts.SummaryInstructions) == "" {
		opts.SummaryInstructions = DefaultSummaryInstructions
	}
	cfg := opts.Config.withDefaults()

	participants := make([]*agent.Participant, 0, roster.Len())
	for _, role := range roster.Roles() {
		instr, overridden := opts.Instructions[role.Name]
		participants = append(participants, agent.NewParticipant(role, llm, func(o *agent.ParticipantOptions) {
			o.MaxTokens = cfg.TurnMaxTokens
			if overridden {
				o.Instruction = instr
			}
		}))
	}

	return &Engine{
		roster:       roster,
		participants: participants,
		llm:          llm,
		summarizer:   opts.Summarizer,
		summaryInstr: opts.SummaryInstructions,
		cfg:          cfg,
		observer:     opts.Observer,
		logger:       opts.Logger,
		telemetry:    opts.Telemetry,
	}, nil
}

// Roster returns the roster the engine rotates through.
func (e *Engine) Roster() *agent.Roster { return e.roster }

// ModelInfo describes the model used for turns.
func (e *Engine) ModelInfo() model.Info { return e.llm.Info() }

// Input is the per-run input.
type Input struct {
	Contract         core.Contract
	Situation        string
	Context          string
	Topics           []string // defaults to a single topic equal to Situation
	RetrievedContext string
	MaxTurns         int
}

// Outcome is the result of a run. Usage, Turns and Transcript always reflect
// every turn taken before the run stopped.
type Outcome struct {
	State      State
	Reason     Reason
	Err        error
	Usage      core.Usage
	Turns      int
	Rotations  int
	Summary    core.Summary
	Transcript map[string]string
	Provider   string
	Model      string
	Duration   time.Duration
}

// run is the per-invocation state of Engine.Run.
type run struct {
	e      *Engine
	in     Input
	state  *core.SessionState
	meter  *budget.Meter
	status State
	log    logging.Logger

	prevRole  string
	rotations int
}

// Run executes one conversation. It never panics: model and budget failures
// end the run with a reason, and a panic inside a turn aborts it with
// ReasonInternal while keeping the spend recorded before it.
func (e *Engine) Run(ctx context.Context, in Input) Outcome {
	start := time.Now()
	if in.MaxTurns < 0 {
		in.MaxTurns = 0
	}
	topics := nonBlank(in.Topics)
	if len(topics) == 0 {
		topics = []string{in.Situation}
	}

	r := &run{
		e:     e,
		in:    in,
		state: core.NewSessionState(in.Situation, in.Context, topics, in.MaxTurns, e.roster.Names()),
		meter: budget.NewMeter(in.Contract),
		log:   logging.With(e.logger, "tool_id", in.Contract.ToolID),
	}
	r.state.RetrievedContext = in.RetrievedContext

	out := r.safeExecute(ctx)
	r.state.RecordSummary(out.Summary)
	out.Summary = r.state.Summary()
	out.Usage = r.meter.Used()
	out.Turns = r.state.TurnCount
	out.Rotations = r.rotations
	out.Transcript = r.state.Transcript()
	info := e.llm.Info()
	out.Provider, out.Model = info.Provider, info.Name
	out.Duration = time.Since(start)
	return out
}

func (r *run) transition(next State) error {
	s, err := r.status.Transition(next)
	if err != nil {
		return err
	}
	r.status = s
	return nil
}

func (r *run) abort(reason Reason, err error) Outcome {
	if terr := r.transition(StateAborted); terr != nil {
		err = errors.Join(err, terr)
	}
	r.log.Warn("Run aborted", "reason", reason, "turns", r.state.TurnCount, "error", err)
	return Outcome{
		State:   StateAborted,
		Reason:  reason,
		Err:     err,
		Summary: ExtractSummary(r.state),
	}
}

func (r *run) complete(ctx context.Context, reason Reason) Outcome {
	if r.state.TurnCount == 0 {
		if err := r.transition(StateCompleted); err != nil {
			return Outcome{State: r.status, Reason: ReasonInternal, Err: err, Summary: core.Summary{}.Normalize()}
		}
		return Outcome{State: StateCompleted, Reason: reason, Summary: core.Summary{}.Normalize()}
	}

	summary, abortReason, err := r.summarize(ctx)
	if abortReason != "" {
		out := r.abort(abortReason, err)
		out.Summary = summary
		return out
	}
	if err := r.transition(StateCompleted); err != nil {
		return Outcome{State: r.status, Reason: ReasonInternal, Err: err, Summary: summary}
	}
	r.log.Info("Run completed", "reason", reason, "turns", r.state.TurnCount, "rotations", r.rotations)
	return Outcome{State: StateCompleted, Reason: reason, Summary: summary}
}

func (r *run) safeExecute(ctx context.Context) (out Outcome) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("Run panicked", "turns", r.state.TurnCount, "panic", p)
			r.status = StateAborted
			out = Outcome{
				State:   StateAborted,
				Reason:  ReasonInternal,
				Err:     fmt.Errorf("panic: %v", p),
				Summary: ExtractSummary(r.state),
			}
		}
	}()
	return r.execute(ctx)
}

func (r *run) execute(ctx context.Context) Outcome {
	if err := r.transition(StateRunning); err != nil {
		return Outcome{State: r.status, Reason: ReasonInternal, Err: err}
	}

	roles := r.e.roster.Len()
	for {
		closed := false
		for pos := 0; pos < roles; pos++ {
			if r.state.TurnBudgetReached() {
				return r.complete(ctx, ReasonTurnLimit)
			}
			if err := ctx.Err(); err != nil {
				return r.abort(ctxReason(err), err)
			}
			closure, reason, err := r.turn(ctx, r.e.participants[pos])
			if reason != "" {
				return r.abort(reason, err)
			}
			closed = closed || closure
		}
		r.rotations++

		switch {
		case r.state.TurnBudgetReached():
			return r.complete(ctx, ReasonTurnLimit)
		case closed:
			return r.complete(ctx, ReasonClosure)
		case !r.state.AdvanceTopic():
			return r.complete(ctx, ReasonTopicsExhausted)
		}
	}
}

func ctxReason(err error) Reason {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonDeadlineExceeded
	}
	return ReasonCancelled
}

func nonBlank(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
