package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/samijaber1/aegis-authz/internal/attr"
)

// CompiledSet is a policy set whose conditions have all been compiled
type CompiledSet struct {
	effect   Effect
	policies []compiledPolicy // sorted by name
}

type compiledPolicy struct {
	name string
	expr CompiledExpression
}

// alwaysTrue stands in for a policy without a condition
type alwaysTrue struct{}

func (alwaysTrue) Eval(context.Context, *attr.Snapshot) Outcome { return True() }

// Effect returns the set's effect
func (s *CompiledSet) Effect() Effect {
	return s.effect
}

// Names returns the policy names in evaluation order
func (s *CompiledSet) Names() []string {
	names := make([]string, len(s.policies))
	for i, p := range s.policies {
		names[i] = p.name
	}
	return names
}

// Len returns the number of policies in the set
func (s *CompiledSet) Len() int {
	return len(s.policies)
}

// CompileSet compiles every condition of a policy set. The first failure
// aborts compilation; a partially compiled set is never returned.
func CompileSet(set PolicySet, ev Evaluator) (*CompiledSet, error) {
	if ev == nil {
		return nil, &ConfigError{Err: ErrNilEvaluator}
	}
	if !set.Effect.Valid() {
		return nil, &ConfigError{Err: ErrInvalidEffect, Detail: string(set.Effect)}
	}

	names := make([]string, 0, len(set.Policies))
	for name := range set.Policies {
		names = append(names, name)
	}
	sort.Strings(names)

	compiled := &CompiledSet{
		effect:   set.Effect,
		policies: make([]compiledPolicy, 0, len(names)),
	}

	for _, name := range names {
		if p := set.Policies[name]; p.Name != "" && p.Name != name {
			return nil, &ConfigError{Err: ErrPolicyNameMismatch, Detail: fmt.Sprintf("key %q, name %q", name, p.Name)}
		}
	}

	for _, name := range names {
		cond := strings.TrimSpace(set.Policies[name].Condition)
		if cond == "" {
			compiled.policies = append(compiled.policies, compiledPolicy{name: name, expr: alwaysTrue{}})
			continue
		}

		expr, err := ev.Compile(cond)
		if err != nil {
			return nil, &CompileError{Effect: set.Effect, Policy: name, Err: err}
		}
		compiled.policies = append(compiled.policies, compiledPolicy{name: name, expr: expr})
	}

	return compiled, nil
}

// evaluate checks every policy exactly once and returns the matched names
// in order. Failed conditions count as not matched.
func (s *CompiledSet) evaluate(ctx context.Context, snapshot *attr.Snapshot) ([]string, []EvaluationError) {
	var matched []string
	var errs []EvaluationError

	for _, p := range s.policies {
		var out Outcome
		if err := ctx.Err(); err != nil {
			out = Failed(err)
		} else {
			out = p.expr.Eval(ctx, snapshot)
		}

		if out.Err != nil {
			errs = append(errs, EvaluationError{Effect: s.effect, Policy: p.name, Err: out.Err})
			continue
		}
		if out.Value {
			matched = append(matched, p.name)
		}
	}

	return matched, errs
}
