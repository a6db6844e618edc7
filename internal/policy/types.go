package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/samijaber1/aegis-authz/internal/attr"
)

// Decision represents an authorization decision
type Decision string

const (
	DecisionALLOW   Decision = "ALLOW"
	DecisionDENY    Decision = "DENY"
	DecisionUNKNOWN Decision = "UNKNOWN"
)

// Effect is the outcome a policy set contributes when one of its policies matches
type Effect string

const (
	EffectALLOW Effect = "ALLOW"
	EffectDENY  Effect = "DENY"
)

// Valid reports whether the effect is ALLOW or DENY
func (e Effect) Valid() bool {
	return e == EffectALLOW || e == EffectDENY
}

// Decision converts the effect into the decision it produces
func (e Effect) Decision() Decision {
	if e == EffectDENY {
		return DecisionDENY
	}
	return DecisionALLOW
}

// Complement returns the opposite effect
func (e Effect) Complement() Effect {
	if e == EffectDENY {
		return EffectALLOW
	}
	return EffectDENY
}

// ParseEffect parses an effect name, case-insensitively
func ParseEffect(s string) (Effect, error) {
	e := Effect(strings.ToUpper(strings.TrimSpace(s)))
	if !e.Valid() {
		return "", fmt.Errorf("invalid effect %q", s)
	}
	return e, nil
}

// Policy is a named condition. An empty condition always matches. Name,
// when set, must equal the policy's key in its PolicySet.
type Policy struct {
	Name      string
	Condition string
}

// PolicySet is the raw, uncompiled form of a set of policies sharing one effect
type PolicySet struct {
	Effect   Effect
	Policies map[string]Policy
}

// NewPolicySet builds a PolicySet from a name to condition mapping
func NewPolicySet(effect Effect, conditions map[string]string) PolicySet {
	policies := make(map[string]Policy, len(conditions))
	for name, cond := range conditions {
		policies[name] = Policy{Name: name, Condition: cond}
	}
	return PolicySet{Effect: effect, Policies: policies}
}

// Outcome is the result of evaluating one condition: either a boolean
// value or an evaluation error, never both.
type Outcome struct {
	Value bool
	Err   error
}

// True is the outcome of a condition that matched
func True() Outcome { return Outcome{Value: true} }

// False is the outcome of a condition that did not match
func False() Outcome { return Outcome{} }

// Failed is the outcome of a condition that could not be evaluated
func Failed(err error) Outcome { return Outcome{Err: err} }

// CompiledExpression is a condition prepared once and evaluated many times.
// Implementations must be safe for concurrent use.
type CompiledExpression interface {
	Eval(ctx context.Context, snapshot *attr.Snapshot) Outcome
}

// Evaluator compiles raw conditions against the fixed attribute schema
type Evaluator interface {
	Compile(expression string) (CompiledExpression, error)
}

// AuthorizationDecision is the result of Engine.Evaluate
type AuthorizationDecision struct {
	Decision           Decision          `json:"decision"`
	MatchedPolicyNames []string          `json:"matchedPolicyNames"`
	Reason             string            `json:"reason"`
	Errors             []EvaluationError `json:"-"`
}

// Matched reports whether any policy matched
func (d AuthorizationDecision) Matched() bool {
	return len(d.MatchedPolicyNames) > 0
}

// String renders the decision for logs
func (d AuthorizationDecision) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Authorization Decision: %s. %s", d.Decision, d.Reason)
	if len(d.Errors) > 0 {
		fmt.Fprintf(&b, " (%d evaluation error(s))", len(d.Errors))
	}
	return b.String()
}
