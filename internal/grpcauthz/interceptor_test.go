package grpcauthz

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/samijaber1/aegis-authz/internal/celexpr"
	"github.com/samijaber1/aegis-authz/internal/config"
	"github.com/samijaber1/aegis-authz/internal/policy"
	"github.com/samijaber1/aegis-authz/internal/reload"
	"github.com/samijaber1/aegis-authz/internal/storage"
)

type staticSource struct {
	rev *reload.Revision
}

func (s staticSource) Current() *reload.Revision { return s.rev }

type memoryRecorder struct {
	mu      sync.Mutex
	records []*storage.DecisionRecord
}

func (m *memoryRecorder) Record(rec *storage.DecisionRecord) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return true
}

func newRevision(t *testing.T, sets ...policy.PolicySet) *reload.Revision {
	t.Helper()
	ev, err := celexpr.New()
	require.NoError(t, err)
	engine, err := policy.New(sets, ev)
	require.NoError(t, err)
	return reload.NewRevision(engine)
}

func withRole(role string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.MD{"x-role": {role}})
}

func TestAuthorizer_Authorize(t *testing.T) {
	allowAdmins := policy.NewPolicySet(policy.EffectALLOW, map[string]string{
		"admins": `requestHeaders["x-role"] == "admin"`,
	})
	denyDebug := policy.NewPolicySet(policy.EffectDENY, map[string]string{
		"no-debug": `requestMethod.endsWith("/Debug")`,
	})

	tests := []struct {
		name     string
		sets     []policy.PolicySet
		mode     string
		ctx      context.Context
		method   string
		wantCode codes.Code
	}{
		{name: "allow match", sets: []policy.PolicySet{allowAdmins}, ctx: withRole("admin"), method: "/svc.A/Get", wantCode: codes.OK},
		{name: "allow set unknown denied", sets: []policy.PolicySet{allowAdmins}, ctx: withRole("guest"), method: "/svc.A/Get", wantCode: codes.PermissionDenied},
		{name: "allow set unknown complement denied", sets: []policy.PolicySet{allowAdmins}, mode: config.UnknownModeComplement, ctx: withRole("guest"), method: "/svc.A/Get", wantCode: codes.PermissionDenied},
		{name: "deny match", sets: []policy.PolicySet{denyDebug}, ctx: withRole("admin"), method: "/svc.A/Debug", wantCode: codes.PermissionDenied},
		{name: "deny set unknown denied", sets: []policy.PolicySet{denyDebug}, ctx: withRole("admin"), method: "/svc.A/Get", wantCode: codes.PermissionDenied},
		{name: "deny set unknown complement allowed", sets: []policy.PolicySet{denyDebug}, mode: config.UnknownModeComplement, ctx: withRole("admin"), method: "/svc.A/Get", wantCode: codes.OK},
		{name: "pair deny overrides", sets: []policy.PolicySet{allowAdmins, denyDebug}, ctx: withRole("admin"), method: "/svc.A/Debug", wantCode: codes.PermissionDenied},
		{name: "pair allow", sets: []policy.PolicySet{allowAdmins, denyDebug}, ctx: withRole("admin"), method: "/svc.A/Get", wantCode: codes.OK},
		{name: "pair no match", sets: []policy.PolicySet{allowAdmins, denyDebug}, mode: config.UnknownModeComplement, ctx: withRole("guest"), method: "/svc.A/Get", wantCode: codes.PermissionDenied},
		{name: "missing header is not a match", sets: []policy.PolicySet{allowAdmins}, ctx: context.Background(), method: "/svc.A/Get", wantCode: codes.PermissionDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(Options{Source: staticSource{rev: newRevision(t, tt.sets...)}, UnknownMode: tt.mode})
			err := a.Authorize(tt.ctx, tt.method)
			assert.Equal(t, tt.wantCode, status.Code(err))
		})
	}
}

func TestAuthorizer_NoRevision(t *testing.T) {
	a := New(Options{Source: staticSource{}})
	err := a.Authorize(context.Background(), "/svc.A/Get")
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestAuthorizer_SkipMethods(t *testing.T) {
	a := New(Options{Source: staticSource{}, SkipMethods: []string{"/grpc.health.v1.Health/Check"}})
	assert.NoError(t, a.Authorize(context.Background(), "/grpc.health.v1.Health/Check"))
}

func TestAuthorizer_RecordsDecisions(t *testing.T) {
	rev := newRevision(t, policy.NewPolicySet(policy.EffectALLOW, map[string]string{
		"admins": `requestHeaders["x-role"] == "admin"`,
		"broken": `connectionUriSanPeerCertificate.startsWith("spiffe://")`,
	}))
	rec := &memoryRecorder{}
	a := New(Options{Source: staticSource{rev: rev}, Recorder: rec})

	require.NoError(t, a.Authorize(withRole("admin"), "/svc.A/Get"))

	require.Len(t, rec.records, 1)
	got := rec.records[0]
	assert.Equal(t, rev.ID, got.RevisionID)
	assert.Equal(t, "grpc", got.Transport)
	assert.Equal(t, "/svc.A/Get", got.Method)
	assert.Equal(t, "ALLOW", got.Decision)
	assert.Equal(t, []string{"admins"}, got.MatchedPolicies)
	assert.Len(t, got.EvaluationErrors, 1)
	assert.Equal(t, "svc.A", got.Attributes["requestHost"])

	assert.Equal(t, uint64(1), rev.Stats.Snapshot().Decisions[policy.DecisionALLOW])
}

func startServer(t *testing.T, a *Authorizer) healthpb.HealthClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(
		grpc.UnaryInterceptor(a.UnaryServerInterceptor()),
		grpc.StreamInterceptor(a.StreamServerInterceptor()),
	)
	healthpb.RegisterHealthServer(srv, health.NewServer())

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return healthpb.NewHealthClient(conn)
}

func TestInterceptors_EndToEnd(t *testing.T) {
	rev := newRevision(t,
		policy.NewPolicySet(policy.EffectDENY, map[string]string{
			"no-watch": `requestMethod == "grpc.health.v1.Health/Watch"`,
		}),
		policy.NewPolicySet(policy.EffectALLOW, map[string]string{
			"health": `requestHost == "grpc.health.v1.Health" && requestHeaders["x-role"] == "monitor"`,
		}),
	)
	client := startServer(t, New(Options{Source: staticSource{rev: rev}}))

	monitorCtx := metadata.AppendToOutgoingContext(context.Background(), "x-role", "monitor")

	resp, err := client.Check(monitorCtx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	_, err = client.Check(context.Background(), &healthpb.HealthCheckRequest{})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	stream, err := client.Watch(monitorCtx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	_, err = stream.Recv()
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}
