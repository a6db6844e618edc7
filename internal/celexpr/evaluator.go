// Package celexpr compiles policy conditions written in CEL against the
// request attribute schema.
package celexpr

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/samijaber1/aegis-authz/internal/attr"
	"github.com/samijaber1/aegis-authz/internal/policy"
)

const (
	// DefaultCostLimit bounds the work a single condition may do per evaluation
	DefaultCostLimit uint64 = 10000

	// DefaultInterruptCheckFrequency is how many comprehension iterations run
	// between context checks
	DefaultInterruptCheckFrequency uint = 100
)

// ErrNotBool is returned when a condition produces a non-boolean value
var ErrNotBool = errors.New("condition did not evaluate to a bool")

// Option configures an Evaluator
type Option func(*Evaluator)

// WithCostLimit overrides the per-evaluation cost limit. Zero disables it.
func WithCostLimit(limit uint64) Option {
	return func(e *Evaluator) { e.costLimit = limit }
}

// WithInterruptCheckFrequency overrides how often long comprehensions check
// for cancellation
func WithInterruptCheckFrequency(n uint) Option {
	return func(e *Evaluator) { e.interruptEvery = n }
}

// Evaluator is a policy.Evaluator backed by a CEL environment
type Evaluator struct {
	env            *cel.Env
	costLimit      uint64
	interruptEvery uint
}

var _ policy.Evaluator = (*Evaluator)(nil)

// New creates an Evaluator whose environment declares every schema attribute
func New(opts ...Option) (*Evaluator, error) {
	e := &Evaluator{
		costLimit:      DefaultCostLimit,
		interruptEvery: DefaultInterruptCheckFrequency,
	}
	for _, opt := range opts {
		opt(e)
	}

	envOpts := make([]cel.EnvOption, 0, len(attr.Schema))
	for _, f := range attr.Schema {
		envOpts = append(envOpts, cel.Variable(f.Name, celType(f.Kind)))
	}

	env, err := cel.NewEnv(envOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	e.env = env

	return e, nil
}

func celType(k attr.Kind) *cel.Type {
	switch k {
	case attr.KindInt:
		return cel.IntType
	case attr.KindStringMap:
		return cel.MapType(cel.StringType, cel.StringType)
	default:
		return cel.StringType
	}
}

// Compile parses and type-checks a condition. Conditions must be of type bool
// (or dyn, checked again at evaluation time).
func (e *Evaluator) Compile(expression string) (policy.CompiledExpression, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}

	out := ast.OutputType()
	if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("condition must be bool, got %s", out)
	}

	progOpts := []cel.ProgramOption{cel.InterruptCheckFrequency(e.interruptEvery)}
	if e.costLimit > 0 {
		progOpts = append(progOpts, cel.CostLimit(e.costLimit))
	}

	prg, err := e.env.Program(ast, progOpts...)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}

	return &Expression{source: expression, prg: prg}, nil
}

// Expression is a compiled CEL condition. cel.Program is safe for concurrent use.
type Expression struct {
	source string
	prg    cel.Program
}

// Source returns the condition text
func (x *Expression) Source() string {
	return x.source
}

// Eval runs the condition against a snapshot. Referencing an attribute the
// snapshot lacks is an evaluation error.
func (x *Expression) Eval(ctx context.Context, snapshot *attr.Snapshot) policy.Outcome {
	if snapshot == nil {
		return policy.Failed(policy.ErrNilSnapshot)
	}

	val, _, err := x.prg.ContextEval(ctx, snapshot.Vars())
	if err != nil {
		return policy.Failed(err)
	}

	b, ok := val.(types.Bool)
	if !ok {
		return policy.Failed(fmt.Errorf("%w: got %s", ErrNotBool, val.Type().TypeName()))
	}
	if b {
		return policy.True()
	}
	return policy.False()
}
