package celexpr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samijaber1/aegis-authz/internal/attr"
	"github.com/samijaber1/aegis-authz/internal/policy"
)

func requestSnapshot(t *testing.T) *attr.Snapshot {
	t.Helper()
	snap, err := attr.NewBuilder().
		String(attr.RequestURLPath, "/pkg.Service/Method").
		String(attr.RequestHost, "pkg.Service").
		String(attr.RequestMethod, "pkg.Service/Method").
		String(attr.SourceAddress, "10.0.0.7").
		Int(attr.SourcePort, 52100).
		Int(attr.DestinationPort, 8443).
		Headers(attr.RequestHeaders, map[string][]string{
			"X-Team":      {"payments"},
			"X-Forwarded": {"a", "b"},
		}).
		Build()
	require.NoError(t, err)
	return snap
}

func TestEvaluator_Eval(t *testing.T) {
	ev, err := New()
	require.NoError(t, err)
	snap := requestSnapshot(t)

	tests := []struct {
		name      string
		condition string
		want      bool
		wantErr   bool
	}{
		{name: "literal true", condition: "true", want: true},
		{name: "string equality", condition: `requestHost == "pkg.Service"`, want: true},
		{name: "string mismatch", condition: `requestMethod == "pkg.Service/Other"`, want: false},
		{name: "int comparison", condition: "destinationPort == 8443 && sourcePort > 1024", want: true},
		{name: "prefix", condition: `requestUrlPath.startsWith("/pkg.Service/")`, want: true},
		{name: "header lookup", condition: `requestHeaders["x-team"] == "payments"`, want: true},
		{name: "joined header", condition: `requestHeaders["x-forwarded"] == "a,b"`, want: true},
		{name: "header presence", condition: `has(requestHeaders.x_missing)`, want: false},
		{name: "missing header key", condition: `requestHeaders["x-missing"] == "1"`, wantErr: true},
		{name: "absent attribute", condition: `connectionRequestedServerName == "api"`, wantErr: true},
		{name: "absent attribute short-circuited", condition: `true || connectionRequestedServerName == "api"`, want: true},
		{name: "dyn comparison", condition: `dyn(sourcePort) == 52100`, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expr, err := ev.Compile(tt.condition)
			require.NoError(t, err)

			out := expr.Eval(context.Background(), snap)
			if tt.wantErr {
				assert.Error(t, out.Err)
				assert.False(t, out.Value)
				return
			}
			require.NoError(t, out.Err)
			assert.Equal(t, tt.want, out.Value)
		})
	}
}

func TestEvaluator_Compile_Rejects(t *testing.T) {
	ev, err := New()
	require.NoError(t, err)

	tests := []struct {
		name      string
		condition string
	}{
		{name: "syntax error", condition: `requestHost ==`},
		{name: "undeclared attribute", condition: `requestUser == "alice"`},
		{name: "type mismatch", condition: `sourcePort == "80"`},
		{name: "non-bool result", condition: `requestHost`},
		{name: "int result", condition: `destinationPort + 1`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ev.Compile(tt.condition)
			assert.Error(t, err)
		})
	}
}

func TestEvaluator_DynNonBool(t *testing.T) {
	ev, err := New()
	require.NoError(t, err)

	expr, err := ev.Compile(`dyn(requestHost)`)
	require.NoError(t, err)

	out := expr.Eval(context.Background(), requestSnapshot(t))
	assert.ErrorIs(t, out.Err, ErrNotBool)
}

func TestEvaluator_CostLimit(t *testing.T) {
	ev, err := New(WithCostLimit(5))
	require.NoError(t, err)

	expr, err := ev.Compile(`[1, 2, 3, 4, 5, 6, 7, 8, 9, 10].all(i, i > 0 && sourcePort > i)`)
	require.NoError(t, err)

	out := expr.Eval(context.Background(), requestSnapshot(t))
	assert.Error(t, out.Err)
}

func TestEvaluator_WithEngine(t *testing.T) {
	ev, err := New()
	require.NoError(t, err)

	engine, err := policy.New([]policy.PolicySet{
		policy.NewPolicySet(policy.EffectALLOW, map[string]string{
			"P1": `requestHost == "other.Service"`,
			"P2": `requestUrlPath == "/pkg.Service/Method"`,
			"P3": `sourceAddress.startsWith("10.")`,
		}),
	}, ev)
	require.NoError(t, err)

	got, err := engine.Evaluate(context.Background(), requestSnapshot(t))
	require.NoError(t, err)
	assert.Equal(t, policy.DecisionALLOW, got.Decision)
	assert.Equal(t, []string{"P2", "P3"}, got.MatchedPolicyNames)
	assert.Equal(t, "policy matched: P2", got.Reason)
}

func TestEvaluator_WithEngine_CompileError(t *testing.T) {
	ev, err := New()
	require.NoError(t, err)

	_, err = policy.New([]policy.PolicySet{
		policy.NewPolicySet(policy.EffectDENY, map[string]string{"bad": `requestHost ==`}),
	}, ev)

	var compileErr *policy.CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Equal(t, "bad", compileErr.Policy)
}
