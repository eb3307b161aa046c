package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/roundtable/agent"
	"github.com/hupe1980/roundtable/budget"
	"github.com/hupe1980/roundtable/core"
	"github.com/hupe1980/roundtable/logging"
	"github.com/hupe1980/roundtable/model"
)

// turn executes one participant turn. A non-empty Reason aborts the run.
func (r *run) turn(ctx context.Context, p *agent.Participant) (bool, Reason, error) {
	role := p.Role().Name
	turnNo := r.state.TurnCount + 1
	topic, _ := r.state.CurrentTopic()

	req, err := p.BuildRequest(agent.TurnInput{
		Turn:             turnNo,
		Situation:        r.state.Situation,
		Context:          r.state.Context,
		Topic:            topic,
		RetrievedContext: r.state.RetrievedContext,
		PreviousRole:     r.prevRole,
		PreviousNotes:    r.state.RecentNotes(r.prevRole, r.e.cfg.NoteWindow),
	})
	if err != nil {
		return false, ReasonAgentError, fmt.Errorf("%s instructions: %w", role, err)
	}

	estimate := budget.Estimate(r.in.Contract, req.Instructions+"\n"+req.Prompt)
	if d := r.meter.PreFlight(estimate); !d.Allowed {
		r.log.Warn("Turn rejected before model call", "role", role, "turn", turnNo, "reason", d.Reason)
		return false, ReasonBudgetExceeded, d.Err()
	}

	start := time.Now()
	tctx, end := r.e.telemetry.StartTurn(ctx, role, turnNo)
	callCtx, cancel := context.WithTimeout(tctx, r.e.cfg.TurnTimeout)
	out, err := p.TakeTurn(callCtx, req)
	cancel()

	if err != nil {
		end(core.Usage{}, err)
		logging.LogTurn(r.log, role, turnNo, 0, time.Since(start), err)
		r.notify(ctx, TurnEvent{Role: role, Turn: turnNo, Topic: topic, Total: r.meter.Used(), Duration: time.Since(start), Err: err})
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxReason(ctxErr), err
		}
		return false, ReasonAgentError, err
	}

	delta := usageOf(r.in.Contract, req, out.Response)
	r.state.AppendNote(role, out.Text)
	r.state.TurnCount++
	r.prevRole = role
	d := r.meter.Record(delta)

	end(delta, nil)
	logging.LogTurn(r.log, role, turnNo, delta.Tokens, out.Duration, nil)
	r.notify(ctx, TurnEvent{
		Role:     role,
		Turn:     turnNo,
		Topic:    topic,
		Text:     out.Text,
		Usage:    delta,
		Total:    d.Projected,
		Duration: out.Duration,
	})

	if !d.Allowed {
		return false, ReasonBudgetExceeded, d.Err()
	}
	return signalsClosure(out.Text), "", nil
}

// summarize runs the summarization call. Budget pre-flight rejections and call
// failures fall back to marker extraction; a post-flight rejection aborts.
func (r *run) summarize(ctx context.Context) (core.Summary, Reason, error) {
	req := model.Request{
		Instructions: r.e.summaryInstr,
		Prompt:       buildSummaryPrompt(r.state, r.e.cfg.SummaryWindow),
		MaxTokens:    r.e.cfg.SummaryMaxTokens,
	}

	estimate := budget.Estimate(r.in.Contract, req.Instructions+"\n"+req.Prompt)
	if d := r.meter.PreFlight(estimate); !d.Allowed {
		r.log.Warn("Summary call skipped, using note markers", "reason", d.Reason)
		return ExtractSummary(r.state), "", nil
	}
	if err := ctx.Err(); err != nil {
		return ExtractSummary(r.state), ctxReason(err), err
	}

	callCtx, cancel := context.WithTimeout(ctx, r.e.cfg.TurnTimeout)
	resp, err := r.e.summarizer.Generate(callCtx, req)
	cancel()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ExtractSummary(r.state), ctxReason(ctxErr), fmt.Errorf("summary: %w", err)
		}
		r.log.Warn("Summary call failed, using note markers", "error", err)
		return ExtractSummary(r.state), "", nil
	}

	d := r.meter.Record(usageOf(r.in.Contract, req, resp))
	summary, ok := ParseSummary(resp.Text)
	if !ok {
		r.log.Debug("Summary output is not JSON, using note markers")
		summary = ExtractSummary(r.state)
	}
	if !d.Allowed {
		return summary, ReasonBudgetExceeded, d.Err()
	}
	return summary, "", nil
}

func (r *run) notify(ctx context.Context, ev TurnEvent) {
	if r.e.observer != nil {
		r.e.observer.TurnCompleted(ctx, ev)
	}
}

// usageOf converts a model response into spend. Provider-priced cost wins;
// otherwise tokens are priced at the contract rate. When the provider reports
// no tokens they are estimated from the exchanged text.
func usageOf(contract core.Contract, req model.Request, resp model.Response) core.Usage {
	tokens := resp.Usage.Total()
	if tokens == 0 {
		tokens = budget.EstimateTokens(req.Instructions, req.Prompt, resp.Text)
	}
	cost := resp.Cost
	if cost <= 0 {
		cost = budget.CostOf(contract, tokens)
	}
	return core.Usage{Cost: cost, Tokens: tokens}
}
