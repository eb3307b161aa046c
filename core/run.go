package core

import (
	"context"
	"time"
)

// RunStatus is the lifecycle status of a run record.
//
// A record is created in StatusPending and moves exactly once to one of the
// terminal statuses. StatusReplay is never persisted; it only describes a
// response to a duplicate run identifier.
type RunStatus string

const (
	StatusPending        RunStatus = "pending"
	StatusSuccess        RunStatus = "success"
	StatusError          RunStatus = "error"
	StatusBudgetExceeded RunStatus = "budget_exceeded"
	StatusReplay         RunStatus = "replay"
)

// IsTerminal reports whether s is a persisted terminal status.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusBudgetExceeded:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer.
func (s RunStatus) String() string { return string(s) }

// RunResult is the terminal payload kept on a record so replays can return it
// without re-executing anything.
type RunResult struct {
	Summary    Summary           `json:"summary" bson:"summary"`
	Transcript map[string]string `json:"transcript" bson:"transcript"`
	Turns      int               `json:"turns" bson:"turns"`
}

// RunRecord is the ledger entity. It is created once per run identifier,
// mutated only by the owning invocation and never deleted.
type RunRecord struct {
	RunID           string         `json:"runId" bson:"run_id"`
	ToolID          string         `json:"toolId" bson:"tool_id"`
	ContractVersion int            `json:"contractVersion" bson:"contract_version"`
	Budget          Budget         `json:"budget" bson:"budget"`
	Usage           Usage          `json:"usage" bson:"usage"`
	Provider        string         `json:"provider,omitempty" bson:"provider,omitempty"`
	Model           string         `json:"model,omitempty" bson:"model,omitempty"`
	Status          RunStatus      `json:"status" bson:"status"`
	Reason          string         `json:"reason,omitempty" bson:"reason,omitempty"`
	Result          *RunResult     `json:"result,omitempty" bson:"result,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"createdAt" bson:"created_at"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty" bson:"completed_at,omitempty"`
}

// Clone returns a copy of the record whose maps and result can be mutated
// independently of r.
func (r RunRecord) Clone() RunRecord {
	out := r
	if r.Metadata != nil {
		out.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	if r.Result != nil {
		res := *r.Result
		res.Summary = r.Result.Summary.Clone()
		if r.Result.Transcript != nil {
			res.Transcript = make(map[string]string, len(r.Result.Transcript))
			for k, v := range r.Result.Transcript {
				res.Transcript[k] = v
			}
		}
		out.Result = &res
	}
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		out.CompletedAt = &at
	}
	return out
}

// Finalization is the terminal update applied to a pending record.
type Finalization struct {
	Status      RunStatus
	Reason      string
	Usage       Usage
	Result      *RunResult
	Metadata    map[string]any
	CompletedAt time.Time
}

// Apply returns r with f applied. It does not check the current status.
func (f Finalization) Apply(r RunRecord) RunRecord {
	out := r.Clone()
	out.Status = f.Status
	out.Reason = f.Reason
	out.Usage = f.Usage
	out.Result = f.Result
	if len(f.Metadata) > 0 {
		if out.Metadata == nil {
			out.Metadata = make(map[string]any, len(f.Metadata))
		}
		for k, v := range f.Metadata {
			out.Metadata[k] = v
		}
	}
	at := f.CompletedAt
	out.CompletedAt = &at
	return out
}

// LedgerStore persists run records.
//
// Implementations must provide:
//   - Insert: atomic insert-if-absent keyed by RunID; ErrRunExists on duplicates
//   - Get: ErrRunNotFound for unknown identifiers
//   - Finalize: conditional update applied only while the record is pending.
//     It returns false (and no error) when the record is already terminal.
//
// All methods must be safe for concurrent use.
type LedgerStore interface {
	Insert(ctx context.Context, rec RunRecord) error
	Get(ctx context.Context, runID string) (RunRecord, error)
	Finalize(ctx context.Context, runID string, f Finalization) (bool, error)
}
