// Package grpcauthz enforces policy decisions on gRPC servers.
package grpcauthz

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/samijaber1/aegis-authz/internal/config"
	"github.com/samijaber1/aegis-authz/internal/policy"
	"github.com/samijaber1/aegis-authz/internal/reload"
	"github.com/samijaber1/aegis-authz/internal/storage"
	"github.com/samijaber1/aegis-authz/internal/telemetry"
)

const transportName = "grpc"

// RevisionSource supplies the active policy revision
type RevisionSource interface {
	Current() *reload.Revision
}

// DecisionRecorder accepts audit records without blocking
type DecisionRecorder interface {
	Record(rec *storage.DecisionRecord) bool
}

// Options configures an Authorizer
type Options struct {
	Source RevisionSource

	// UnknownMode decides what an UNKNOWN decision means for the call:
	// config.UnknownModeDeny rejects it, config.UnknownModeComplement
	// applies the opposite of the sole policy set's effect
	UnknownMode string

	// SkipMethods are full method names that bypass authorization
	SkipMethods []string

	Recorder DecisionRecorder
	Metrics  *telemetry.Metrics
	Logger   *zap.Logger
}

// Authorizer authorizes gRPC calls against the active revision
type Authorizer struct {
	source      RevisionSource
	unknownMode string
	skip        map[string]struct{}
	recorder    DecisionRecorder
	metrics     *telemetry.Metrics
	logger      *zap.Logger
	tracer      trace.Tracer
}

// New creates an Authorizer
func New(opts Options) *Authorizer {
	mode := opts.UnknownMode
	if mode == "" {
		mode = config.UnknownModeDeny
	}

	skip := make(map[string]struct{}, len(opts.SkipMethods))
	for _, m := range opts.SkipMethods {
		skip[m] = struct{}{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Authorizer{
		source:      opts.Source,
		unknownMode: mode,
		skip:        skip,
		recorder:    opts.Recorder,
		metrics:     opts.Metrics,
		logger:      logger.With(zap.String("component", "grpcauthz")),
		tracer:      telemetry.Tracer(),
	}
}

// Authorize returns nil when the call may proceed, or a gRPC status error
func (a *Authorizer) Authorize(ctx context.Context, fullMethod string) error {
	if _, ok := a.skip[fullMethod]; ok {
		return nil
	}

	ctx, span := a.tracer.Start(ctx, "authz.Authorize",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("rpc.method", fullMethod)),
	)
	defer span.End()

	rev := a.source.Current()
	if rev == nil {
		span.SetStatus(otelcodes.Error, "no policy revision")
		return status.Error(codes.Unavailable, "authorization policies not loaded")
	}

	snapshot, err := Extract(ctx, fullMethod)
	if err != nil {
		span.RecordError(err)
		a.logger.Error("failed to extract attributes", zap.String("method", fullMethod), zap.Error(err))
		return status.Error(codes.Internal, "failed to extract request attributes")
	}

	start := time.Now()
	decision, err := rev.Evaluate(ctx, snapshot)
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		a.logger.Error("evaluation failed", zap.String("method", fullMethod), zap.Error(err))
		return status.Error(codes.Internal, "authorization failed")
	}

	a.metrics.RecordDecision(ctx, transportName, decision, elapsed)
	for _, e := range decision.Errors {
		a.logger.Debug("policy condition failed",
			zap.String("method", fullMethod),
			zap.String("policy", e.Policy),
			zap.String("effect", string(e.Effect)),
			zap.Error(e.Err),
		)
	}

	allowed := a.allows(rev.Engine, decision)
	span.SetAttributes(
		attribute.String("authz.decision", string(decision.Decision)),
		attribute.String("authz.revision", rev.ID),
		attribute.Bool("authz.allowed", allowed),
		attribute.StringSlice("authz.matched", decision.MatchedPolicyNames),
	)

	if a.recorder != nil {
		a.recorder.Record(decisionRecord(rev, fullMethod, snapshot.Vars(), decision))
	}

	if !allowed {
		a.logger.Debug("call denied",
			zap.String("method", fullMethod),
			zap.Stringer("decision", decision),
			zap.String("revision_id", rev.ID),
		)
		return status.Error(codes.PermissionDenied, "Access Denied")
	}

	return nil
}

// allows maps a decision to the outcome of the call
func (a *Authorizer) allows(engine *policy.Engine, d policy.AuthorizationDecision) bool {
	switch d.Decision {
	case policy.DecisionALLOW:
		return true
	case policy.DecisionDENY:
		return false
	}

	if a.unknownMode != config.UnknownModeComplement {
		return false
	}
	effects := engine.Effects()
	if len(effects) != 1 {
		return false
	}
	return effects[0].Complement() == policy.EffectALLOW
}

func decisionRecord(rev *reload.Revision, fullMethod string, vars map[string]any, d policy.AuthorizationDecision) *storage.DecisionRecord {
	attrs := make(map[string]any, len(vars))
	for k, v := range vars {
		attrs[k] = v
	}

	var errs []string
	for _, e := range d.Errors {
		errs = append(errs, e.Error())
	}

	return &storage.DecisionRecord{
		RevisionID:       rev.ID,
		Transport:        transportName,
		Method:           fullMethod,
		Decision:         string(d.Decision),
		MatchedPolicies:  d.MatchedPolicyNames,
		Reason:           d.Reason,
		EvaluationErrors: errs,
		Attributes:       attrs,
		Timestamp:        time.Now().UTC(),
	}
}

// UnaryServerInterceptor authorizes unary calls before invoking the handler
func (a *Authorizer) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := a.Authorize(ctx, info.FullMethod); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor authorizes streams once, when they are opened
func (a *Authorizer) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := a.Authorize(ss.Context(), info.FullMethod); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}
