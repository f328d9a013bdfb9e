package governance

import (
	"fmt"
	"strings"

	"aimdrag/internal/domain"
)

const (
	MinActorNameLength = 3
	MinObjectiveLength = 10
)

// Rule identifies a single declaration rule. Rules are evaluated in the order
// they are declared here.
type Rule string

const (
	RuleActorName       Rule = "actor_name"
	RuleActorRole       Rule = "actor_role"
	RuleActorEmail      Rule = "actor_email"
	RuleInputSources    Rule = "input_sources"
	RuleInputSource     Rule = "input_source"
	RuleMissionObject   Rule = "mission_objective"
	RuleMissionCriteria Rule = "mission_success_criteria"
	RuleModeUnknown     Rule = "mode_unknown"
	RuleModeHumanOnly   Rule = "mode_human_only"
)

// Violation is one failed rule.
type Violation struct {
	Rule    Rule   `json:"rule"`
	Message string `json:"message"`
}

// Result is the outcome of Validate. Reason is the first violation's message.
type Result struct {
	OK         bool        `json:"ok"`
	Reason     string      `json:"reason,omitempty"`
	Violations []Violation `json:"violations,omitempty"`
}

// ValidationError carries every violated rule of a rejected declaration.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return "invalid declaration"
	}
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.Message)
	}
	return strings.Join(msgs, "; ")
}

// Rule returns the first violated rule.
func (e *ValidationError) Rule() Rule {
	if len(e.Violations) == 0 {
		return ""
	}
	return e.Violations[0].Rule
}

// Validate checks every declaration rule and collects all failures.
func Validate(d domain.Declaration) Result {
	var vs []Violation
	add := func(rule Rule, format string, args ...any) {
		vs = append(vs, Violation{Rule: rule, Message: fmt.Sprintf(format, args...)})
	}

	if n := len([]rune(strings.TrimSpace(d.Actor.Name))); n < MinActorNameLength {
		add(RuleActorName, "actor name must be at least %d characters (real person required), got %d", MinActorNameLength, n)
	}
	if strings.TrimSpace(d.Actor.Role) == "" {
		add(RuleActorRole, "actor role is required")
	}
	if email := strings.TrimSpace(d.Actor.Email); email != "" && !strings.Contains(email, "@") {
		add(RuleActorEmail, "actor email %q is not a valid address", email)
	}
	if len(d.Input.Sources) == 0 {
		add(RuleInputSources, "at least one input source is required to constrain AI behavior")
	}
	for i, src := range d.Input.Sources {
		if strings.TrimSpace(src.Kind) == "" {
			add(RuleInputSource, "input source %d: kind is required", i)
		}
		if strings.TrimSpace(src.Description) == "" {
			add(RuleInputSource, "input source %d: description is required", i)
		}
	}
	if n := len([]rune(strings.TrimSpace(d.Mission.Objective))); n < MinObjectiveLength {
		add(RuleMissionObject, "mission objective too vague (minimum %d characters), got %d", MinObjectiveLength, n)
	}
	if len(d.Mission.SuccessCriteria) == 0 {
		add(RuleMissionCriteria, "mission must have at least one success criterion")
	}

	if len(vs) == 0 {
		return Result{OK: true}
	}
	return Result{OK: false, Reason: vs[0].Message, Violations: vs}
}

// NewDeclaration builds a declaration and rejects it if any rule fails.
// Slices are copied so the caller cannot mutate the returned value.
func NewDeclaration(actor domain.Actor, input domain.InputSpec, mission domain.Mission) (domain.Declaration, error) {
	d := domain.Declaration{
		Actor: actor,
		Input: domain.InputSpec{
			Sources:     append([]domain.InputSource(nil), input.Sources...),
			Constraints: append([]string(nil), input.Constraints...),
		},
		Mission: domain.Mission{
			Objective:       mission.Objective,
			SuccessCriteria: append([]string(nil), mission.SuccessCriteria...),
		},
	}
	if res := Validate(d); !res.OK {
		return domain.Declaration{}, &ValidationError{Violations: res.Violations}
	}
	return d, nil
}

// Summary renders a short human-readable governance context for logs and the CLI.
func Summary(d domain.Declaration, mode domain.Mode) string {
	objective := d.Mission.Objective
	if r := []rune(objective); len(r) > 80 {
		objective = string(r[:80]) + "..."
	}
	kinds := make([]string, 0, 3)
	for i, s := range d.Input.Sources {
		if i == 3 {
			break
		}
		kinds = append(kinds, s.Kind)
	}
	var b strings.Builder
	b.WriteString("Governance Context:\n")
	fmt.Fprintf(&b, "- Actor: %s (%s)\n", d.Actor.Name, d.Actor.Role)
	fmt.Fprintf(&b, "- Mission: %s\n", objective)
	fmt.Fprintf(&b, "- Mode: %s\n", strings.ToUpper(string(mode)))
	fmt.Fprintf(&b, "- Input Sources: %d (%s)\n", len(d.Input.Sources), strings.Join(kinds, ", "))
	fmt.Fprintf(&b, "- Success Criteria: %d\n", len(d.Mission.SuccessCriteria))
	fmt.Fprintf(&b, "- Constraints: %d", len(d.Input.Constraints))
	return b.String()
}
