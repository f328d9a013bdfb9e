// Package engine is the governance gate: it admits declared requests, records
// their outcomes and makes sure every decision lands in the audit chain.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"aimdrag/internal/audit"
	"aimdrag/internal/classify"
	"aimdrag/internal/domain"
	"aimdrag/internal/events"
	"aimdrag/internal/governance"
)

type Gate struct {
	Chain      *audit.Chain
	Filter     *governance.LanguageFilter
	Classifier *classify.Classifier
	Events     *events.Writer
	NewTraceID func() string

	mu       sync.Mutex
	pending  map[string]domain.AuditRecord
	inflight map[string]struct{}
}

// New returns a gate over chain with the default language filter and no
// workflow classifier.
func New(chain *audit.Chain, w *events.Writer) *Gate {
	return &Gate{
		Chain:      chain,
		Filter:     governance.NewLanguageFilter(),
		Events:     w,
		NewTraceID: uuid.NewString,
		pending:    map[string]domain.AuditRecord{},
	}
}

func (g *Gate) traceID(id string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	if g.NewTraceID != nil {
		return g.NewTraceID()
	}
	return uuid.NewString()
}

// AdmitRequest asks to run a workflow under a declaration and mode.
type AdmitRequest struct {
	TraceID      string
	Caller       string
	Declaration  domain.Declaration
	Mode         string
	WorkflowName string
	Parameters   map[string]any
	// SideEffects marks the request as touching external systems. The
	// workflow classifier can raise it but never clear it.
	SideEffects bool
}

type Admission struct {
	Admitted    bool                   `json:"admitted"`
	Reason      string                 `json:"reason,omitempty"`
	TraceID     string                 `json:"trace_id"`
	Permissions governance.Permissions `json:"permissions"`
	Record      domain.AuditRecord     `json:"record"`
}

// Admit decides whether a request may proceed. Rejections are appended to the
// chain and returned as *ValidationFailedError or *PolicyViolationError along
// with the populated Admission. Audit failures are returned as is and mean
// nothing was admitted.
func (g *Gate) Admit(ctx context.Context, req AdmitRequest) (Admission, error) {
	traceID := g.traceID(req.TraceID)
	entry := audit.Entry{
		TraceID:      traceID,
		Caller:       req.Caller,
		Declaration:  req.Declaration,
		WorkflowName: req.WorkflowName,
		Parameters:   req.Parameters,
	}

	res := governance.Validate(req.Declaration)
	violations := res.Violations
	mode, modeErr := governance.ParseMode(req.Mode)
	var ve *governance.ValidationError
	if errors.As(modeErr, &ve) {
		violations = append(violations, ve.Violations...)
	}
	if err := audit.CheckParameters(req.Parameters); err != nil {
		violations = append(violations, governance.Violation{Rule: RuleParameters, Message: err.Error()})
		entry.Parameters = nil
	}
	if len(violations) > 0 {
		reason := (&governance.ValidationError{Violations: violations}).Error()
		entry.Mode = mode
		entry.Outcome = domain.OutcomeRejected
		entry.Error = reason
		rec, err := g.append(ctx, events.TypeRejected, entry, reason)
		if err != nil {
			return Admission{}, err
		}
		adm := Admission{Reason: reason, TraceID: traceID, Record: rec}
		return adm, &ValidationFailedError{TraceID: traceID, Violations: violations, Record: rec}
	}

	entry.Mode = mode
	perms := governance.PermissionsFor(mode)
	if g.sideEffects(ctx, traceID, req) && !perms.AllowsSideEffects {
		reason := fmt.Sprintf("mode %s does not allow side effects (workflow %q)", mode, req.WorkflowName)
		entry.Outcome = domain.OutcomeRejected
		entry.Error = reason
		rec, err := g.append(ctx, events.TypeRejected, entry, reason)
		if err != nil {
			return Admission{}, err
		}
		adm := Admission{Reason: reason, TraceID: traceID, Permissions: perms, Record: rec}
		return adm, &PolicyViolationError{TraceID: traceID, Mode: mode, Reason: reason, Record: rec}
	}

	entry.Outcome = domain.OutcomeAdmitted
	rec, err := g.append(ctx, events.TypeAdmitted, entry, "")
	if err != nil {
		return Admission{}, err
	}
	g.mu.Lock()
	if g.pending == nil {
		g.pending = map[string]domain.AuditRecord{}
	}
	g.pending[traceID] = rec
	g.mu.Unlock()
	return Admission{Admitted: true, TraceID: traceID, Permissions: perms, Record: rec}, nil
}

func (g *Gate) sideEffects(ctx context.Context, traceID string, req AdmitRequest) bool {
	if req.SideEffects || g.Classifier == nil {
		return req.SideEffects
	}
	se, err := g.Classifier.SideEffects(req.WorkflowName, req.Parameters)
	if err != nil && g.Events != nil {
		g.Events.Logger.WarnContext(ctx, "workflow classifier failed, assuming side effects",
			"trace_id", traceID, "workflow_name", req.WorkflowName, "error", err)
	}
	return se
}

// RecordRequest reports what happened after an admitted workflow ran.
type RecordRequest struct {
	TraceID      string
	Caller       string
	WorkflowName string
	Parameters   map[string]any
	Outcome      domain.Outcome
	Output       string
	Duration     time.Duration
	Err          string
}

type Recording struct {
	Recorded   bool                           `json:"recorded"`
	Outcome    domain.Outcome                 `json:"outcome"`
	Violations []governance.LanguageViolation `json:"violations,omitempty"`
	Record     domain.AuditRecord             `json:"record"`
}

// Record appends exactly one record for the outcome of an admitted trace.
// Output is filtered for prescriptive language when the admitted mode
// requires it; any hit turns the outcome into rejected and returns a
// *PolicyViolationError. If the record cannot be written the gate makes one
// emergency attempt to record a failure before returning the error.
func (g *Gate) Record(ctx context.Context, req RecordRequest) (Recording, error) {
	traceID := g.traceID(req.TraceID)
	entry := audit.Entry{
		TraceID:      traceID,
		Caller:       req.Caller,
		WorkflowName: req.WorkflowName,
		Parameters:   req.Parameters,
	}

	var bad []governance.Violation
	if req.Outcome != domain.OutcomeSuccess && req.Outcome != domain.OutcomeFailure {
		bad = append(bad, governance.Violation{Rule: RuleRecordOutcome,
			Message: fmt.Sprintf("outcome must be success or failure, got %q", req.Outcome)})
	}
	if req.Duration < 0 {
		bad = append(bad, governance.Violation{Rule: RuleRecordDuration, Message: "duration must not be negative"})
	}

	adm, found, err := g.resolve(ctx, traceID)
	if err != nil && !errors.Is(err, ErrAlreadyRecorded) {
		return Recording{}, err
	}
	claimed := found && err == nil
	if claimed {
		defer g.release(traceID)
	}
	if found {
		entry.Declaration = adm.Declaration
		entry.Mode = adm.Mode
		if entry.WorkflowName == "" {
			entry.WorkflowName = adm.WorkflowName
		}
		if entry.Parameters == nil {
			entry.Parameters = adm.Parameters
		}
	}

	reject := func(evt, reason string, cause error) (Recording, error) {
		entry.Outcome = domain.OutcomeRejected
		entry.Error = reason
		rec, aerr := g.append(ctx, evt, entry, reason)
		if errors.Is(aerr, audit.ErrInvalidEntry) {
			if em, emErr := g.emergency(ctx, entry, aerr); emErr == nil {
				return Recording{Recorded: true, Outcome: em.Outcome, Record: em}, aerr
			}
		}
		if aerr != nil {
			if claimed {
				g.restore(traceID, adm)
			}
			return Recording{}, aerr
		}
		return Recording{Recorded: true, Outcome: rec.Outcome, Record: rec}, cause
	}

	switch {
	case len(bad) > 0:
		reason := (&governance.ValidationError{Violations: bad}).Error()
		var rec Recording
		rec, err = reject(events.TypeRecorded, reason, nil)
		if err != nil {
			return rec, err
		}
		return rec, &ValidationFailedError{TraceID: traceID, Violations: bad, Record: rec.Record}
	case errors.Is(err, ErrAlreadyRecorded):
		return reject(events.TypeRecorded, err.Error(), fmt.Errorf("%w: %s", ErrAlreadyRecorded, traceID))
	case !found:
		return reject(events.TypeRecorded, "no admission for trace", fmt.Errorf("%w: %s", ErrUnknownTrace, traceID))
	case req.WorkflowName != "" && req.WorkflowName != adm.WorkflowName:
		reason := fmt.Sprintf("workflow %q does not match admitted workflow %q", req.WorkflowName, adm.WorkflowName)
		rec, err := reject(events.TypeRecorded, reason, nil)
		if err != nil {
			return rec, err
		}
		return rec, &PolicyViolationError{TraceID: traceID, Mode: adm.Mode, Reason: reason, Record: rec.Record}
	}

	entry.Outcome = req.Outcome
	entry.Error = req.Err
	d := req.Duration
	entry.Duration = &d

	var hits []governance.LanguageViolation
	if governance.PermissionsFor(adm.Mode).RequiresLanguageFilter && g.Filter != nil {
		hits = g.Filter.Check(req.Output)
	}
	if len(hits) > 0 {
		entry.Outcome = domain.OutcomeRejected
		entry.Violations = phrases(hits)
		reason := languageReason(hits)
		if req.Err != "" {
			reason += "; workflow error: " + req.Err
		}
		entry.Error = reason
	}

	rec, err := g.append(ctx, events.TypeRecorded, entry, entry.Error)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		g.restore(traceID, adm)
		return Recording{}, err
	}
	if err != nil {
		rec, emErr := g.emergency(ctx, entry, err)
		if emErr != nil {
			g.restore(traceID, adm)
			return Recording{}, err
		}
		return Recording{Recorded: true, Outcome: rec.Outcome, Record: rec}, err
	}
	out := Recording{Recorded: true, Outcome: rec.Outcome, Violations: hits, Record: rec}
	if len(hits) > 0 {
		if g.Events != nil {
			for _, v := range hits {
				g.Events.Detected(ctx, traceID, string(v.Category), v.Count)
			}
		}
		return out, &PolicyViolationError{TraceID: traceID, Mode: adm.Mode, Reason: languageReason(hits), Violations: hits, Record: rec}
	}
	return out, nil
}

// resolve claims the admission for traceID. The pending table covers
// admissions made by this process; older ones are found by replaying the
// chain. A successful claim holds traceID in the in-flight set until the
// caller releases it, so concurrent outcomes for one trace cannot both pass.
func (g *Gate) resolve(ctx context.Context, traceID string) (domain.AuditRecord, bool, error) {
	g.mu.Lock()
	if _, busy := g.inflight[traceID]; busy {
		g.mu.Unlock()
		return domain.AuditRecord{}, false, fmt.Errorf("%w: another outcome is being recorded", ErrAlreadyRecorded)
	}
	if g.inflight == nil {
		g.inflight = map[string]struct{}{}
	}
	g.inflight[traceID] = struct{}{}
	adm, ok := g.pending[traceID]
	if ok {
		delete(g.pending, traceID)
	}
	g.mu.Unlock()
	if ok {
		return adm, true, nil
	}

	recs, err := g.Chain.Records(ctx, audit.Filter{TraceID: traceID})
	if err != nil {
		g.release(traceID)
		return domain.AuditRecord{}, false, err
	}
	var last *domain.AuditRecord
	recorded := false
	for i := range recs {
		switch recs[i].Outcome {
		case domain.OutcomeAdmitted:
			last = &recs[i]
			recorded = false
		default:
			if last != nil {
				recorded = true
			}
		}
	}
	if last == nil {
		g.release(traceID)
		return domain.AuditRecord{}, false, nil
	}
	if recorded {
		g.release(traceID)
		return *last, true, ErrAlreadyRecorded
	}
	return *last, true, nil
}

func (g *Gate) release(traceID string) {
	g.mu.Lock()
	delete(g.inflight, traceID)
	g.mu.Unlock()
}

func (g *Gate) restore(traceID string, adm domain.AuditRecord) {
	if adm.Outcome != domain.OutcomeAdmitted {
		return
	}
	g.mu.Lock()
	if g.pending == nil {
		g.pending = map[string]domain.AuditRecord{}
	}
	g.pending[traceID] = adm
	g.mu.Unlock()
}

// emergency records a failure in place of an entry that could not be
// written. Parameters are dropped since they may be what failed.
func (g *Gate) emergency(ctx context.Context, entry audit.Entry, cause error) (domain.AuditRecord, error) {
	entry.Outcome = domain.OutcomeFailure
	entry.Parameters = nil
	entry.Violations = nil
	entry.Error = "audit append failed: " + cause.Error()
	rec, err := g.append(context.WithoutCancel(ctx), events.TypeRecorded, entry, entry.Error)
	if err == nil && g.Events != nil {
		g.Events.Incident(ctx, "emergency_record", entry.TraceID, cause, events.Payload{"sequence": rec.Sequence})
	}
	return rec, err
}

func (g *Gate) append(ctx context.Context, evt string, entry audit.Entry, reason string) (domain.AuditRecord, error) {
	rec, err := g.Chain.Append(ctx, entry)
	if err != nil {
		g.incident(ctx, entry.TraceID, err)
		return domain.AuditRecord{}, err
	}
	if g.Events != nil {
		g.Events.Append(ctx, evt, rec, reason)
	}
	return rec, nil
}

func (g *Gate) incident(ctx context.Context, traceID string, err error) {
	if g.Events == nil {
		return
	}
	var ce *audit.CorruptionError
	switch {
	case errors.As(err, &ce):
		g.Events.Incident(ctx, "chain_corrupted", traceID, err, events.Payload{"broken_at": ce.BrokenAt})
	case errors.Is(err, audit.ErrSinkUnavailable):
		g.Events.Incident(ctx, "sink_unavailable", traceID, err, nil)
	}
}

// Verify replays the chain and reports a broken chain as an incident.
func (g *Gate) Verify(ctx context.Context) (audit.Verification, error) {
	v, err := g.Chain.VerifyChain(ctx)
	if err != nil {
		g.incident(ctx, "", err)
		return v, err
	}
	if !v.OK && g.Events != nil {
		g.Events.Incident(ctx, "chain_corrupted", "", errors.New(v.Reason), events.Payload{"broken_at": *v.BrokenAt})
	}
	return v, nil
}

// Pending returns the number of admissions waiting for an outcome.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}
