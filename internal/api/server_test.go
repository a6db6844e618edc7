package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samijaber1/aegis-authz/internal/celexpr"
	"github.com/samijaber1/aegis-authz/internal/reload"
	"github.com/samijaber1/aegis-authz/internal/storage"
	"github.com/samijaber1/aegis-authz/internal/storage/sqlite"
	"github.com/samijaber1/aegis-authz/internal/telemetry"
)

const allowDoc = `apiVersion: aegis.dev/v1
kind: RBACPolicy
metadata:
  name: payments-allow
  description: payments callers
spec:
  action: ALLOW
  policies:
    admins: 'requestHeaders["x-role"] == "admin"'
    mesh: 'sourceAddress.startsWith("10.")'
`

const denyDoc = `apiVersion: aegis.dev/v1
kind: RBACPolicy
metadata:
  name: payments-deny
spec:
  action: DENY
  policies:
    no-debug: 'requestMethod.endsWith("/Debug")'
`

type testEnv struct {
	server   *Server
	handler  http.Handler
	reloader *reload.Reloader
	store    *sqlite.Store
	recorder *storage.AsyncRecorder
	dir      string
}

func setupTestServer(t *testing.T, load bool) *testEnv {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "allow.yaml"), []byte(allowDoc), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "deny.yaml"), []byte(denyDoc), 0o644))

	store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ev, err := celexpr.New()
	require.NoError(t, err)

	reloader, err := reload.New(reload.Options{Directory: dir, Evaluator: ev, Burst: 2, MinTriggerGap: time.Hour, Audit: store})
	require.NoError(t, err)
	if load {
		_, err := reloader.Load(context.Background())
		require.NoError(t, err)
	}

	recorder := storage.NewAsyncRecorder(store, 16, nil)
	t.Cleanup(func() { recorder.Close(context.Background()) })

	provider, err := telemetry.NewProvider()
	require.NoError(t, err)
	t.Cleanup(func() { provider.Shutdown(context.Background()) })

	server := NewServer(Options{
		Addr:      ":0",
		Policies:  reloader,
		Audit:     store,
		Recorder:  recorder,
		Metrics:   provider.Metrics(),
		Telemetry: provider,
	})

	return &testEnv{
		server:   server,
		handler:  server.Handler(),
		reloader: reloader,
		store:    store,
		recorder: recorder,
		dir:      dir,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestHealthEndpoint(t *testing.T) {
	env := setupTestServer(t, false)

	w := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, w).Status)
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name           string
		load           bool
		expectedStatus int
		expectedReady  bool
	}{
		{name: "ready with revision", load: true, expectedStatus: http.StatusOK, expectedReady: true},
		{name: "not ready without revision", load: false, expectedStatus: http.StatusServiceUnavailable, expectedReady: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t, tt.load)

			w := env.do(t, http.MethodGet, "/readyz", nil)
			assert.Equal(t, tt.expectedStatus, w.Code)

			resp := decode[ReadyResponse](t, w)
			assert.Equal(t, tt.expectedReady, resp.Ready)
			if tt.load {
				assert.Equal(t, env.reloader.Current().ID, resp.RevisionID)
			} else {
				assert.Contains(t, resp.Reasons, "no policy revision loaded")
			}
		})
	}
}

func TestPoliciesEndpoint(t *testing.T) {
	env := setupTestServer(t, true)

	w := env.do(t, http.MethodGet, "/v1/policies", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[PoliciesResponse](t, w)
	assert.Equal(t, env.reloader.Current().ID, resp.RevisionID)
	require.Len(t, resp.Sets, 2)

	assert.Equal(t, "DENY", resp.Sets[0].Effect)
	assert.Equal(t, "payments-deny", resp.Sets[0].Name)
	assert.Equal(t, "ALLOW", resp.Sets[1].Effect)
	assert.Equal(t, "payments callers", resp.Sets[1].Description)
	require.Len(t, resp.Sets[1].Policies, 2)
	assert.Equal(t, "admins", resp.Sets[1].Policies[0].Name)
	assert.Equal(t, `requestHeaders["x-role"] == "admin"`, resp.Sets[1].Policies[0].Condition)
}

func TestAuthorizeEndpoint(t *testing.T) {
	env := setupTestServer(t, true)

	tests := []struct {
		name           string
		body           any
		expectedStatus int
		expectedDec    string
		expectedNames  []string
		expectedErrs   int
	}{
		{
			name: "allowed by two policies",
			body: map[string]any{"attributes": map[string]any{
				"requestMethod":  "payments.Service/Pay",
				"sourceAddress":  "10.1.2.3",
				"requestHeaders": map[string]any{"X-Role": "admin"},
			}},
			expectedStatus: http.StatusOK,
			expectedDec:    "ALLOW",
			expectedNames:  []string{"admins", "mesh"},
		},
		{
			name: "deny overrides allow",
			body: map[string]any{"attributes": map[string]any{
				"requestMethod":  "payments.Service/Debug",
				"requestHeaders": map[string]any{"x-role": "admin"},
			}},
			expectedStatus: http.StatusOK,
			expectedDec:    "DENY",
			expectedNames:  []string{"no-debug"},
		},
		{
			name: "no match denies",
			body: map[string]any{"attributes": map[string]any{
				"requestMethod": "payments.Service/Pay",
				"sourceAddress": "192.168.0.1",
				"sourcePort":    443,
			}},
			expectedStatus: http.StatusOK,
			expectedDec:    "DENY",
			expectedNames:  []string{},
			expectedErrs:   1,
		},
		{
			name:           "unknown attribute",
			body:           map[string]any{"attributes": map[string]any{"requestUser": "alice"}},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "malformed body",
			body:           "not an object",
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/v1/authorize", tt.body)
			require.Equal(t, tt.expectedStatus, w.Code, w.Body.String())
			if tt.expectedStatus != http.StatusOK {
				return
			}

			resp := decode[AuthorizeResponse](t, w)
			assert.Equal(t, tt.expectedDec, resp.Decision)
			assert.Equal(t, tt.expectedNames, resp.MatchedPolicyNames)
			assert.Len(t, resp.EvaluationErrors, tt.expectedErrs)
			assert.Equal(t, env.reloader.Current().ID, resp.RevisionID)
		})
	}
}

func TestAuthorizeEndpoint_NoRevision(t *testing.T) {
	env := setupTestServer(t, false)

	w := env.do(t, http.MethodPost, "/v1/authorize", map[string]any{"attributes": map[string]any{}})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestReloadEndpoint(t *testing.T) {
	env := setupTestServer(t, true)
	first := env.reloader.Current()

	// broken condition is rejected, previous revision stays
	broken := []byte("apiVersion: aegis.dev/v1\nkind: RBACPolicy\nmetadata:\n  name: payments-deny\nspec:\n  action: DENY\n  policies:\n    bad: 'nope =='\n")
	require.NoError(t, os.WriteFile(filepath.Join(env.dir, "deny.yaml"), broken, 0o644))

	w := env.do(t, http.MethodPost, "/v1/reload", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	resp := decode[ErrorResponse](t, w)
	require.NotEmpty(t, resp.Details)
	assert.Contains(t, resp.Details[0], "spec.policies.bad")
	assert.Same(t, first, env.reloader.Current())

	require.NoError(t, os.WriteFile(filepath.Join(env.dir, "deny.yaml"), []byte(denyDoc), 0o644))
	w = env.do(t, http.MethodPost, "/v1/reload", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEqual(t, first.ID, decode[ReloadResponse](t, w).RevisionID)

	// burst of two is spent
	w = env.do(t, http.MethodPost, "/v1/reload", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestAuditEndpoint(t *testing.T) {
	env := setupTestServer(t, true)

	for _, method := range []string{"payments.Service/Debug", "payments.Service/Pay"} {
		w := env.do(t, http.MethodPost, "/v1/authorize", map[string]any{"attributes": map[string]any{
			"requestMethod":  method,
			"requestHeaders": map[string]any{"x-role": "admin"},
		}})
		require.Equal(t, http.StatusOK, w.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.recorder.Close(ctx))

	w := env.do(t, http.MethodGet, "/v1/audit", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decode[AuditResponse](t, w).Total)

	w = env.do(t, http.MethodGet, "/v1/audit?decision=DENY", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[AuditResponse](t, w)
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, []string{"no-debug"}, resp.Records[0].MatchedPolicies)
	assert.Equal(t, "http", resp.Records[0].Transport)

	w = env.do(t, http.MethodGet, "/v1/audit?policy=admins&revision="+env.reloader.Current().ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[AuditResponse](t, w).Total)

	w = env.do(t, http.MethodGet, "/v1/audit?startTime=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/v1/audit?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatsAndMetricsEndpoints(t *testing.T) {
	env := setupTestServer(t, true)

	w := env.do(t, http.MethodPost, "/v1/authorize", map[string]any{"attributes": map[string]any{
		"requestMethod":  "payments.Service/Pay",
		"requestHeaders": map[string]any{"x-role": "admin"},
	}})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[StatsResponse](t, w)
	assert.Equal(t, uint64(1), stats.Decisions.Total)
	assert.Equal(t, []string{"ALLOW/admins"}, stats.TopMatches)
	require.NotNil(t, stats.Audit)

	w = env.do(t, http.MethodGet, "/v1/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	metrics := decode[map[string]map[string]int64](t, w)
	assert.Equal(t, int64(1), metrics["authz.decisions"]["decision=ALLOW,transport=http"])
}

func TestMethodNotAllowed(t *testing.T) {
	env := setupTestServer(t, true)

	tests := []struct {
		path   string
		method string
	}{
		{"/healthz", http.MethodPost},
		{"/readyz", http.MethodPost},
		{"/v1/policies", http.MethodPost},
		{"/v1/authorize", http.MethodGet},
		{"/v1/reload", http.MethodGet},
		{"/v1/audit", http.MethodPost},
		{"/v1/stats", http.MethodPost},
		{"/v1/metrics", http.MethodPost},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, nil)
			assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
		})
	}
}
