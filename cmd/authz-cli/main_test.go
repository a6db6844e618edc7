package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samijaber1/aegis-authz/internal/celexpr"
	"github.com/samijaber1/aegis-authz/internal/policy"
	"github.com/samijaber1/aegis-authz/internal/rbac"
)

func loadEngine(t *testing.T, dir string) *policy.Engine {
	t.Helper()
	ev, err := celexpr.New()
	require.NoError(t, err)
	v, err := rbac.NewValidator(ev)
	require.NoError(t, err)
	docs, errs := v.LoadDirectory(dir)
	require.Empty(t, errs)
	sets, err := rbac.ToPolicySets(docs)
	require.NoError(t, err)
	engine, err := policy.New(sets, ev)
	require.NoError(t, err)
	return engine
}

func writeInput(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestEvaluateFile(t *testing.T) {
	engine := loadEngine(t, filepath.Join("..", "..", "internal", "rbac", "testdata", "valid"))

	tests := []struct {
		name     string
		content  string
		decision policy.Decision
		matched  []string
		wantErr  bool
	}{
		{
			name:     "deny set wins",
			content:  `{"requestMethod": "payments.Ledger/Debug", "sourceAddress": "10.0.0.1"}`,
			decision: policy.DecisionDENY,
			matched:  []string{"block-debug"},
		},
		{
			name:     "wrapped attributes",
			content:  `{"attributes": {"requestMethod": "payments.Ledger/Get", "sourceAddress": "10.0.0.1", "sourcePort": 4431}}`,
			decision: policy.DecisionALLOW,
			matched:  []string{"health", "mesh-clients"},
		},
		{
			name:    "unknown attribute",
			content: `{"callerName": "x"}`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			content: `{`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := evaluateFile(context.Background(), engine, writeInput(t, "input.json", tt.content))
			if tt.wantErr {
				assert.Error(t, res.err)
				return
			}
			require.NoError(t, res.err)
			assert.Equal(t, tt.decision, res.decision.Decision)
			assert.Equal(t, tt.matched, res.decision.MatchedPolicyNames)
		})
	}
}

func TestEvaluateFileMissing(t *testing.T) {
	engine := loadEngine(t, filepath.Join("..", "..", "internal", "rbac", "testdata", "single"))
	res := evaluateFile(context.Background(), engine, filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, res.err)
}
