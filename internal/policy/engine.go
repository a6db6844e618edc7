// Package policy implements the RBAC decision engine.
//
// An Engine holds one or two compiled policy sets. With a single set of
// effect E, a match yields E and no match yields UNKNOWN. With a DENY and an
// ALLOW set, DENY overrides: the DENY set is evaluated first, then the ALLOW
// set, and a request matching neither is denied.
package policy

import (
	"context"
	"fmt"

	"github.com/samijaber1/aegis-authz/internal/attr"
)

const (
	reasonNoMatch = "no policies matched"
)

// Engine evaluates attribute snapshots against compiled policy sets.
// It is immutable after New and safe for concurrent use.
type Engine struct {
	// deny-first when two sets are present
	sets []*CompiledSet
}

// New validates and compiles one or two policy sets into an Engine
func New(sets []PolicySet, ev Evaluator) (*Engine, error) {
	if len(sets) != 1 && len(sets) != 2 {
		return nil, &ConfigError{Err: ErrInvalidSetCount, Detail: fmt.Sprintf("got %d, want 1 or 2", len(sets))}
	}
	for _, set := range sets {
		if !set.Effect.Valid() {
			return nil, &ConfigError{Err: ErrInvalidEffect, Detail: string(set.Effect)}
		}
	}
	if len(sets) == 2 && sets[0].Effect == sets[1].Effect {
		return nil, &ConfigError{Err: ErrDuplicateEffect, Detail: string(sets[0].Effect)}
	}

	ordered := sets
	if len(sets) == 2 && sets[0].Effect == EffectALLOW {
		ordered = []PolicySet{sets[1], sets[0]}
	}

	e := &Engine{sets: make([]*CompiledSet, 0, len(ordered))}
	for _, set := range ordered {
		compiled, err := CompileSet(set, ev)
		if err != nil {
			return nil, err
		}
		e.sets = append(e.sets, compiled)
	}

	return e, nil
}

// Sets returns the compiled policy sets in evaluation order
func (e *Engine) Sets() []*CompiledSet {
	out := make([]*CompiledSet, len(e.sets))
	copy(out, e.sets)
	return out
}

// Effects returns the configured effects in evaluation order
func (e *Engine) Effects() []Effect {
	effects := make([]Effect, len(e.sets))
	for i, s := range e.sets {
		effects[i] = s.effect
	}
	return effects
}

// Evaluate decides a request. Condition failures never fail the call; they
// are reported in the decision's Errors and count as not matched. The only
// error returned is ErrNilSnapshot.
func (e *Engine) Evaluate(ctx context.Context, snapshot *attr.Snapshot) (AuthorizationDecision, error) {
	if snapshot == nil {
		return AuthorizationDecision{}, ErrNilSnapshot
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if len(e.sets) == 1 {
		return e.evaluateSingle(ctx, snapshot), nil
	}
	return e.evaluatePair(ctx, snapshot), nil
}

func (e *Engine) evaluateSingle(ctx context.Context, snapshot *attr.Snapshot) AuthorizationDecision {
	set := e.sets[0]
	matched, errs := set.evaluate(ctx, snapshot)
	if len(matched) > 0 {
		return matchedDecision(set.effect, matched, errs)
	}

	// Absence of a match is not evidence either way.
	return AuthorizationDecision{
		Decision:           DecisionUNKNOWN,
		MatchedPolicyNames: []string{},
		Reason:             reasonNoMatch,
		Errors:             errs,
	}
}

func (e *Engine) evaluatePair(ctx context.Context, snapshot *attr.Snapshot) AuthorizationDecision {
	var allErrs []EvaluationError

	for _, set := range e.sets {
		matched, errs := set.evaluate(ctx, snapshot)
		allErrs = append(allErrs, errs...)
		if len(matched) > 0 {
			return matchedDecision(set.effect, matched, allErrs)
		}
	}

	return AuthorizationDecision{
		Decision:           DecisionDENY,
		MatchedPolicyNames: []string{},
		Reason:             reasonNoMatch,
		Errors:             allErrs,
	}
}

func matchedDecision(effect Effect, matched []string, errs []EvaluationError) AuthorizationDecision {
	return AuthorizationDecision{
		Decision:           effect.Decision(),
		MatchedPolicyNames: matched,
		Reason:             "policy matched: " + matched[0],
		Errors:             errs,
	}
}
