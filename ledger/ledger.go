package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/roundtable/core"
	"github.com/hupe1980/roundtable/logging"
)

// MetadataAttemptID is the record metadata key holding the identifier of the
// invocation attempt that created the record.
const MetadataAttemptID = "attempt_id"

// Record metadata keys written by the invocation façade.
const (
	MetadataTopics    = "topics"
	MetadataRoles     = "roles"
	MetadataMode      = "mode"
	MetadataLatencyMS = "latency_ms"
)

// Options configures a Ledger.
type Options struct {
	Logger logging.Logger
	// Now returns the current time. Defaults to time.Now in UTC.
	Now func() time.Time
}

// Ledger is the run ledger service.
type Ledger struct {
	store  core.LedgerStore
	logger logging.Logger
	now    func() time.Time
}

// New creates a ledger over store.
func New(store core.LedgerStore, optFns ...func(o *Options)) *Ledger {
	opts := Options{
		Logger: logging.NoOpLogger{},
		Now:    func() time.Time { return time.Now().UTC() },
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Ledger{store: store, logger: opts.Logger, now: opts.Now}
}

// StartParams describes a run about to start.
type StartParams struct {
	RunID    string
	Contract core.Contract
	Provider string
	Model    string
	Metadata map[string]any
}

// StartResult reports whether the run may execute. When Replay is set the
// caller must not execute anything and Existing holds the stored record.
type StartResult struct {
	Record   core.RunRecord
	Replay   bool
	Existing core.RunRecord
}

// Start atomically creates the pending record for p.RunID.
func (l *Ledger) Start(ctx context.Context, p StartParams) (StartResult, error) {
	if strings.TrimSpace(p.RunID) == "" {
		return StartResult{}, fmt.Errorf("%w: run id is required", core.ErrInvalidRequest)
	}

	md := make(map[string]any, len(p.Metadata)+1)
	for k, v := range p.Metadata {
		md[k] = v
	}
	md[MetadataAttemptID] = uuid.NewString()

	rec := core.RunRecord{
		RunID:           p.RunID,
		ToolID:          p.Contract.ToolID,
		ContractVersion: p.Contract.Version,
		Budget:          p.Contract.Budget(),
		Provider:        p.Provider,
		Model:           p.Model,
		Status:          core.StatusPending,
		Metadata:        md,
		CreatedAt:       l.now(),
	}

	err := l.store.Insert(ctx, rec)
	switch {
	case err == nil:
		l.logger.Debug("Run started", "run_id", p.RunID, "tool_id", rec.ToolID, "contract_version", rec.ContractVersion)
		return StartResult{Record: rec}, nil
	case errors.Is(err, core.ErrRunExists):
		existing, gerr := l.store.Get(ctx, p.RunID)
		if gerr != nil {
			return StartResult{}, unavailable("read replayed run", p.RunID, gerr)
		}
		l.logger.Info("Run replayed", "run_id", p.RunID, "status", existing.Status)
		return StartResult{Replay: true, Existing: existing}, nil
	default:
		return StartResult{}, unavailable("start run", p.RunID, err)
	}
}

// Completion is the terminal update of a run.
type Completion struct {
	Status core.RunStatus
	Reason string
	Usage  core.Usage
	Result *core.RunResult
	// Metadata is merged into the record's metadata.
	Metadata map[string]any
}

// Complete finalizes a pending run. Finalizing an already terminal run is a
// no-op and returns nil.
func (l *Ledger) Complete(ctx context.Context, runID string, c Completion) error {
	if !c.Status.IsTerminal() {
		return fmt.Errorf("%w: status %q is not terminal", core.ErrInvalidRequest, c.Status)
	}
	applied, err := l.store.Finalize(ctx, runID, core.Finalization{
		Status:      c.Status,
		Reason:      c.Reason,
		Usage:       c.Usage,
		Result:      c.Result,
		Metadata:    c.Metadata,
		CompletedAt: l.now(),
	})
	if err != nil {
		if errors.Is(err, core.ErrRunNotFound) {
			return fmt.Errorf("finalize run %s: %w", runID, err)
		}
		return unavailable("finalize run", runID, err)
	}
	if !applied {
		l.logger.Debug("Run already finalized", "run_id", runID, "status", c.Status)
		return nil
	}
	l.logger.Debug("Run finalized", "run_id", runID, "status", c.Status, "reason", c.Reason,
		"cost", c.Usage.Cost.Dollars(), "tokens", c.Usage.Tokens)
	return nil
}

// Fail finalizes a pending run with StatusError.
func (l *Ledger) Fail(ctx context.Context, runID, reason string, usage core.Usage) error {
	return l.Complete(ctx, runID, Completion{Status: core.StatusError, Reason: reason, Usage: usage})
}

// Get returns the record of runID.
func (l *Ledger) Get(ctx context.Context, runID string) (core.RunRecord, error) {
	rec, err := l.store.Get(ctx, runID)
	if err != nil {
		if errors.Is(err, core.ErrRunNotFound) {
			return core.RunRecord{}, err
		}
		return core.RunRecord{}, unavailable("get run", runID, err)
	}
	return rec, nil
}

func unavailable(op, runID string, err error) error {
	if errors.Is(err, core.ErrLedgerUnavailable) {
		return fmt.Errorf("%s %s: %w", op, runID, err)
	}
	return fmt.Errorf("%s %s: %w: %w", op, runID, core.ErrLedgerUnavailable, err)
}
