// Package classify decides whether a workflow invocation has external side
// effects.
package classify

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
)

// Rule describes one workflow. When is a CEL expression over `workflow`
// (string) and `parameters` (map); it overrides SideEffects when set.
type Rule struct {
	SideEffects bool
	When        string
}

type compiled struct {
	static bool
	prg    cel.Program
}

// Classifier maps workflow names to side-effect decisions.
type Classifier struct {
	env      *cel.Env
	fallback bool

	mu    sync.RWMutex
	rules map[string]compiled
}

func newEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("workflow", cel.StringType),
		cel.Variable("parameters", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return env, nil
}

// New compiles every rule. Unknown workflows classify as fallback.
func New(rules map[string]Rule, fallback bool) (*Classifier, error) {
	env, err := newEnv()
	if err != nil {
		return nil, err
	}
	c := &Classifier{env: env, fallback: fallback, rules: make(map[string]compiled, len(rules))}
	names := make([]string, 0, len(rules))
	for name := range rules {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := c.Set(name, rules[name]); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Compile checks that expr is a boolean CEL expression.
func Compile(expr string) error {
	env, err := newEnv()
	if err != nil {
		return err
	}
	_, err = compile(env, expr)
	return err
}

func compile(env *cel.Env, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("CEL expression must be boolean, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast, cel.CostLimit(10000), cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("CEL program error: %w", err)
	}
	return prg, nil
}

// Set installs or replaces the rule for one workflow.
func (c *Classifier) Set(workflow string, r Rule) error {
	entry := compiled{static: r.SideEffects}
	if r.When != "" {
		prg, err := compile(c.env, r.When)
		if err != nil {
			return fmt.Errorf("workflow %q: %w", workflow, err)
		}
		entry.prg = prg
	}
	c.mu.Lock()
	c.rules[workflow] = entry
	c.mu.Unlock()
	return nil
}

// SideEffects reports whether the invocation may touch external systems.
// An expression that fails to evaluate classifies as true; the error is
// returned so the caller can log it.
func (c *Classifier) SideEffects(workflow string, params map[string]any) (bool, error) {
	c.mu.RLock()
	r, ok := c.rules[workflow]
	c.mu.RUnlock()
	if !ok {
		return c.fallback, nil
	}
	if r.prg == nil {
		return r.static, nil
	}
	if params == nil {
		params = map[string]any{}
	}
	out, _, err := r.prg.Eval(map[string]any{"workflow": workflow, "parameters": params})
	if err != nil {
		return true, fmt.Errorf("workflow %q: CEL eval error: %w", workflow, err)
	}
	v, ok := out.Value().(bool)
	if !ok {
		return true, fmt.Errorf("workflow %q: result not boolean", workflow)
	}
	return v, nil
}

// Workflows lists the configured workflow names.
func (c *Classifier) Workflows() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.rules))
	for name := range c.rules {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
