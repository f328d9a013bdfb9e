package engine

import (
	"errors"
	"fmt"
	"strings"

	"aimdrag/internal/domain"
	"aimdrag/internal/governance"
)

// ErrUnknownTrace is returned when an outcome names a trace that was never
// admitted.
var ErrUnknownTrace = errors.New("unknown trace")

// ErrAlreadyRecorded is returned when a trace's outcome was recorded before.
var ErrAlreadyRecorded = errors.New("outcome already recorded")

// Rules for outcome requests, alongside the declaration rules.
const (
	RuleRecordOutcome  governance.Rule = "record_outcome"
	RuleRecordDuration governance.Rule = "record_duration"
	RuleParameters     governance.Rule = "parameters"
)

// ValidationFailedError is a rejected, audited request whose input broke one
// or more rules.
type ValidationFailedError struct {
	TraceID    string
	Violations []governance.Violation
	Record     domain.AuditRecord
}

func (e *ValidationFailedError) Error() string {
	return "validation failed: " + (&governance.ValidationError{Violations: e.Violations}).Error()
}

// PolicyViolationError is a rejected, audited request that the mode does not
// permit, or an output that used prescriptive language.
type PolicyViolationError struct {
	TraceID    string
	Mode       domain.Mode
	Reason     string
	Violations []governance.LanguageViolation
	Record     domain.AuditRecord
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("policy violation: %s", e.Reason)
}

func languageReason(vs []governance.LanguageViolation) string {
	return "prescriptive language detected: " + strings.Join(phrases(vs), ", ")
}

func phrases(vs []governance.LanguageViolation) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.Phrase)
	}
	return out
}
