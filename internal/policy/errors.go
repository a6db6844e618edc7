package policy

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSetCount is returned when an engine is built from anything but one or two sets
	ErrInvalidSetCount = errors.New("invalid policy set count")

	// ErrDuplicateEffect is returned when both sets of a pair share the same effect
	ErrDuplicateEffect = errors.New("duplicate effect")

	// ErrInvalidEffect is returned for an effect other than ALLOW or DENY
	ErrInvalidEffect = errors.New("invalid effect")

	// ErrNilSnapshot is returned by Evaluate when called without a snapshot
	ErrNilSnapshot = errors.New("nil attribute snapshot")

	// ErrPolicyNameMismatch is returned when a policy's Name differs from its key in the set
	ErrPolicyNameMismatch = errors.New("policy name does not match its key")

	// ErrNilEvaluator is returned when no expression evaluator is supplied
	ErrNilEvaluator = errors.New("nil expression evaluator")
)

// ConfigError reports an engine configuration that cannot be built
type ConfigError struct {
	Err    error
	Detail string
}

func (e *ConfigError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("policy config: %v: %s", e.Err, e.Detail)
	}
	return fmt.Sprintf("policy config: %v", e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// CompileError reports a condition that failed to compile
type CompileError struct {
	Effect Effect
	Policy string
	Err    error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("policy %q (%s): compile condition: %v", e.Policy, e.Effect, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// EvaluationError reports a condition that failed during a single evaluation.
// The policy is treated as not matched.
type EvaluationError struct {
	Effect Effect
	Policy string
	Err    error
}

func (e EvaluationError) Error() string {
	return fmt.Sprintf("policy %q (%s): evaluate condition: %v", e.Policy, e.Effect, e.Err)
}

func (e EvaluationError) Unwrap() error { return e.Err }
