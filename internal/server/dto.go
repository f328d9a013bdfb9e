package server

import (
	"aimdrag/internal/audit"
	"aimdrag/internal/domain"
	"aimdrag/internal/engine"
	"aimdrag/internal/governance"
)

type AdmissionRequest struct {
	TraceID      string           `json:"trace_id,omitempty"`
	Actor        domain.Actor     `json:"actor"`
	Input        domain.InputSpec `json:"input"`
	Mission      domain.Mission   `json:"mission"`
	Mode         string           `json:"mode" example:"research"`
	WorkflowName string           `json:"workflow_name"`
	Parameters   map[string]any   `json:"parameters,omitempty"`
	SideEffects  bool             `json:"side_effects,omitempty"`
}

type AdmissionResponse struct {
	Admitted      bool                   `json:"admitted"`
	Reason        string                 `json:"reason,omitempty"`
	TraceID       string                 `json:"trace_id"`
	Sequence      uint64                 `json:"sequence"`
	IntegrityHash string                 `json:"integrity_hash"`
	Permissions   governance.Permissions `json:"permissions"`
}

type OutcomeRequest struct {
	TraceID      string         `json:"trace_id"`
	WorkflowName string         `json:"workflow_name,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Outcome      string         `json:"outcome" enum:"success,failure"`
	OutputText   string         `json:"output_text,omitempty"`
	DurationMS   int64          `json:"duration_ms"`
	Error        string         `json:"error,omitempty"`
}

type OutcomeResponse struct {
	Recorded      bool                           `json:"recorded"`
	TraceID       string                         `json:"trace_id"`
	Outcome       domain.Outcome                 `json:"outcome"`
	Sequence      uint64                         `json:"sequence"`
	IntegrityHash string                         `json:"integrity_hash"`
	Violations    []governance.LanguageViolation `json:"violations,omitempty"`
}

type ModeResponse struct {
	Mode domain.Mode `json:"mode"`
	governance.Permissions
}

type TailResponse struct {
	Records uint64 `json:"records"`
	Hash    string `json:"hash"`
}

type recordsPage struct {
	Items []domain.AuditRecord `json:"items"`
}

func admissionResponse(a engine.Admission) AdmissionResponse {
	return AdmissionResponse{
		Admitted:      a.Admitted,
		Reason:        a.Reason,
		TraceID:       a.TraceID,
		Sequence:      a.Record.Sequence,
		IntegrityHash: a.Record.IntegrityHash,
		Permissions:   a.Permissions,
	}
}

func outcomeResponse(r engine.Recording) OutcomeResponse {
	return OutcomeResponse{
		Recorded:      r.Recorded,
		TraceID:       r.Record.TraceID,
		Outcome:       r.Outcome,
		Sequence:      r.Record.Sequence,
		IntegrityHash: r.Record.IntegrityHash,
		Violations:    r.Violations,
	}
}

func tailResponse(cp audit.Checkpoint) TailResponse {
	return TailResponse{Records: cp.Records, Hash: cp.Hash}
}
