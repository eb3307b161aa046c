package roundtable

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hupe1980/roundtable/core"
)

// DefaultMaxTopics bounds the number of topics per request.
const DefaultMaxTopics = 16

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

// Request is one invocation of a tool.
type Request struct {
	RunID     string   `json:"runId"`
	ToolID    string   `json:"toolId"`
	Situation string   `json:"situation"`
	Context   string   `json:"context,omitempty"`
	Topics    []string `json:"topics,omitempty"`
}

// Validate reports every problem of r. The returned error matches
// core.ErrInvalidRequest.
func (r Request) Validate(maxTopics int) error {
	if maxTopics <= 0 {
		maxTopics = DefaultMaxTopics
	}
	var errs []error
	if !runIDPattern.MatchString(r.RunID) {
		errs = append(errs, &ValidationError{Field: "runId", Reason: "must match " + runIDPattern.String()})
	}
	if strings.TrimSpace(r.ToolID) == "" {
		errs = append(errs, &ValidationError{Field: "toolId", Reason: "must not be blank"})
	}
	if strings.TrimSpace(r.Situation) == "" {
		errs = append(errs, &ValidationError{Field: "situation", Reason: "must not be blank"})
	}
	if len(r.Topics) > maxTopics {
		errs = append(errs, &ValidationError{Field: "topics", Reason: fmt.Sprintf("at most %d topics allowed, got %d", maxTopics, len(r.Topics))})
	}
	for i, t := range r.Topics {
		if strings.TrimSpace(t) == "" {
			errs = append(errs, &ValidationError{Field: fmt.Sprintf("topics[%d]", i), Reason: "must not be blank"})
		}
	}
	return errors.Join(errs...)
}

// topics returns the request topics, defaulting to the situation.
func (r Request) topics() []string {
	if len(r.Topics) == 0 {
		return []string{r.Situation}
	}
	return r.Topics
}

// query is the retrieval query of r.
func (r Request) query() string {
	return strings.TrimSpace(r.Situation + " " + strings.Join(r.Topics, " "))
}

// ValidationError describes one invalid request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is makes ValidationError match core.ErrInvalidRequest.
func (e *ValidationError) Is(target error) bool {
	return target == core.ErrInvalidRequest
}

// Status is the outcome category of an invocation.
type Status string

const (
	StatusSuccess            Status = "success"
	StatusBudgetExceeded     Status = "budget_exceeded"
	StatusError              Status = "error"
	StatusReplay             Status = "replay"
	StatusInvalidRequest     Status = "invalid_request"
	StatusPreconditionFailed Status = "precondition_failed"
)

// UsageReport is the spend of a run as exposed to callers.
type UsageReport struct {
	CostSpent       float64 `json:"costSpent"`
	TokensUsed      int     `json:"tokensUsed"`
	ContractVersion int     `json:"contractVersion"`
}

func usageReport(u core.Usage, contractVersion int) *UsageReport {
	return &UsageReport{CostSpent: u.Cost.Dollars(), TokensUsed: u.Tokens, ContractVersion: contractVersion}
}

// Prior is the stored outcome returned for a replayed run identifier.
type Prior struct {
	Status      core.RunStatus    `json:"status"`
	Reason      string            `json:"reason,omitempty"`
	Summary     core.Summary      `json:"summary"`
	Transcript  map[string]string `json:"transcript"`
	Usage       UsageReport       `json:"usage"`
	Turns       int               `json:"turns"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
}

func priorOf(rec core.RunRecord) *Prior {
	p := &Prior{
		Status:      rec.Status,
		Reason:      rec.Reason,
		Summary:     core.Summary{}.Normalize(),
		Transcript:  map[string]string{},
		Usage:       *usageReport(rec.Usage, rec.ContractVersion),
		CompletedAt: rec.CompletedAt,
	}
	if rec.Result != nil {
		p.Summary = rec.Result.Summary.Normalize()
		if rec.Result.Transcript != nil {
			p.Transcript = rec.Result.Transcript
		}
		p.Turns = rec.Result.Turns
	}
	return p
}

// Response is the result of an invocation. It always carries the run id and
// a status; run-level fields are set once the run was admitted.
type Response struct {
	RunID      string            `json:"runId"`
	Status     Status            `json:"status"`
	Message    string            `json:"message,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Pending    bool              `json:"pending,omitempty"`
	Summary    *core.Summary     `json:"summary,omitempty"`
	Transcript map[string]string `json:"transcript"`
	Usage      *UsageReport      `json:"usage,omitempty"`
	Turns      int               `json:"turns"`
	Prior      *Prior            `json:"prior,omitempty"`
}

// newResponse returns a response with an empty transcript, so every status
// serializes the same shape.
func newResponse(runID string, status Status, message string) Response {
	return Response{RunID: runID, Status: status, Message: message, Transcript: map[string]string{}}
}
