package governance

import (
	"fmt"
	"strings"

	"aimdrag/internal/domain"
)

// Permissions is what a mode grants.
type Permissions struct {
	AllowsSideEffects      bool `json:"allows_side_effects"`
	RequiresLanguageFilter bool `json:"requires_language_filter"`
}

// GRUNT allows side effects for mechanical work only; telling mechanical from
// decisional actions is left to the workflow engine.
var modeTable = map[domain.Mode]Permissions{
	domain.ModeDraft:    {AllowsSideEffects: false, RequiresLanguageFilter: true},
	domain.ModeResearch: {AllowsSideEffects: false, RequiresLanguageFilter: true},
	domain.ModeGrunt:    {AllowsSideEffects: true, RequiresLanguageFilter: false},
	domain.ModeExecute:  {AllowsSideEffects: true, RequiresLanguageFilter: false},
}

var modeOrder = []domain.Mode{domain.ModeDraft, domain.ModeResearch, domain.ModeGrunt, domain.ModeExecute}

const humanOnlyMode = "analysis"

// Modes returns the system-issuable modes in table order.
func Modes() []domain.Mode {
	return append([]domain.Mode(nil), modeOrder...)
}

// ParseMode maps a requested mode onto the closed set. Analysis is human-only
// and is rejected rather than ignored.
func ParseMode(s string) (domain.Mode, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if key == humanOnlyMode {
		return "", &ValidationError{Violations: []Violation{{
			Rule:    RuleModeHumanOnly,
			Message: "mode analysis is human-only and cannot be requested by a system",
		}}}
	}
	m := domain.Mode(key)
	if _, ok := modeTable[m]; !ok {
		return "", &ValidationError{Violations: []Violation{{
			Rule:    RuleModeUnknown,
			Message: fmt.Sprintf("unknown mode %q (expected one of draft, research, grunt, execute)", s),
		}}}
	}
	return m, nil
}

// PermissionsFor returns the fixed permissions of a parsed mode. Modes reach
// this table only through ParseMode; anything else gets the most restrictive
// row.
func PermissionsFor(m domain.Mode) Permissions {
	if p, ok := modeTable[m]; ok {
		return p
	}
	return Permissions{AllowsSideEffects: false, RequiresLanguageFilter: true}
}
