package domain

import "time"

// Actor is the named human accountable for a governed request.
type Actor struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role"`
}

type InputSource struct {
	Kind        string `json:"kind"`
	Description string `json:"description"`
	Location    string `json:"location,omitempty"`
}

type InputSpec struct {
	Sources     []InputSource `json:"sources"`
	Constraints []string      `json:"constraints,omitempty"`
}

type Mission struct {
	Objective       string   `json:"objective"`
	SuccessCriteria []string `json:"success_criteria"`
}

// Declaration is the actor/input/mission triple attached to a governed request.
type Declaration struct {
	Actor   Actor     `json:"actor"`
	Input   InputSpec `json:"input"`
	Mission Mission   `json:"mission"`
}

// Mode is the declared level of AI responsibility for a request.
type Mode string

const (
	ModeDraft    Mode = "draft"
	ModeResearch Mode = "research"
	ModeGrunt    Mode = "grunt"
	ModeExecute  Mode = "execute"
)

// Outcome is the decision or result captured by an audit record.
type Outcome string

const (
	OutcomeAdmitted Outcome = "admitted"
	OutcomeRejected Outcome = "rejected"
	OutcomeSuccess  Outcome = "success"
	OutcomeFailure  Outcome = "failure"
)

// AuditRecord is one line of the audit chain. Field order is the on-disk order.
type AuditRecord struct {
	Sequence      uint64         `json:"sequence"`
	Timestamp     time.Time      `json:"timestamp" format:"date-time"`
	TraceID       string         `json:"trace_id"`
	Caller        string         `json:"caller,omitempty"`
	Declaration   Declaration    `json:"declaration"`
	Mode          Mode           `json:"mode"`
	WorkflowName  string         `json:"workflow_name"`
	Parameters    map[string]any `json:"parameters"`
	Outcome       Outcome        `json:"outcome" enum:"admitted,rejected,success,failure"`
	Error         string         `json:"error,omitempty"`
	Violations    []string       `json:"violations,omitempty"`
	DurationMS    *int64         `json:"duration_ms,omitempty"`
	PrevHash      string         `json:"prev_hash"`
	IntegrityHash string         `json:"integrity_hash"`
}

// Duration returns the recorded duration, if any.
func (r AuditRecord) Duration() (time.Duration, bool) {
	if r.DurationMS == nil {
		return 0, false
	}
	return time.Duration(*r.DurationMS) * time.Millisecond, true
}
