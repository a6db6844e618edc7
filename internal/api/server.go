// Package api serves the HTTP control and decision API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/samijaber1/aegis-authz/internal/attr"
	"github.com/samijaber1/aegis-authz/internal/rbac"
	"github.com/samijaber1/aegis-authz/internal/reload"
	"github.com/samijaber1/aegis-authz/internal/storage"
	"github.com/samijaber1/aegis-authz/internal/telemetry"
)

const (
	transportName   = "http"
	maxRequestBytes = 1 << 20
	topMatchesCount = 10
)

// PolicyService is the view of the reloader the API needs
type PolicyService interface {
	Current() *reload.Revision
	Trigger(ctx context.Context) (*reload.Revision, error)
	LastError() error
	Directory() string
}

// DecisionRecorder accepts audit records without blocking
type DecisionRecorder interface {
	Record(rec *storage.DecisionRecord) bool
	Stats() storage.RecorderStats
}

// Options configures a Server
type Options struct {
	Addr      string
	Policies  PolicyService
	Audit     storage.AuditStorage // optional
	Recorder  DecisionRecorder     // optional
	Metrics   *telemetry.Metrics   // optional
	Telemetry *telemetry.Provider  // optional, serves /v1/metrics
	Logger    *zap.Logger
}

// Server is the HTTP API server
type Server struct {
	policies  PolicyService
	audit     storage.AuditStorage
	recorder  DecisionRecorder
	metrics   *telemetry.Metrics
	telemetry *telemetry.Provider
	logger    *zap.Logger
	server    *http.Server
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		policies:  opts.Policies,
		audit:     opts.Audit,
		recorder:  opts.Recorder,
		metrics:   opts.Metrics,
		telemetry: opts.Telemetry,
		logger:    logger.With(zap.String("component", "api")),
	}

	s.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.loggingMiddleware(s.Handler()),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the route table without middleware
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)

	// Policy endpoints
	mux.HandleFunc("/v1/policies", s.handlePolicies)
	mux.HandleFunc("/v1/reload", s.handleReload)

	// Decision endpoint
	mux.HandleFunc("/v1/authorize", s.handleAuthorize)

	// Observability endpoints
	mux.HandleFunc("/v1/audit", s.handleAudit)
	mux.HandleFunc("/v1/stats", s.handleStats)
	mux.HandleFunc("/v1/metrics", s.handleMetrics)

	return mux
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting API server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.server.Shutdown(ctx)
}

// handleHealth handles GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	respondJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// handleReady handles GET /readyz
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rev := s.policies.Current()
	resp := ReadyResponse{Ready: rev != nil}

	if rev == nil {
		resp.Reasons = append(resp.Reasons, "no policy revision loaded")
	} else {
		resp.RevisionID = rev.ID
	}
	if err := s.policies.LastError(); err != nil {
		resp.Reasons = append(resp.Reasons, fmt.Sprintf("last reload failed: %v", err))
	}

	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}

	respondJSON(w, status, resp)
}

// handlePolicies handles GET /v1/policies
func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rev := s.policies.Current()
	if rev == nil {
		respondError(w, http.StatusServiceUnavailable, "no policy revision loaded")
		return
	}

	respondJSON(w, http.StatusOK, PoliciesResponse{
		RevisionID: rev.ID,
		Digest:     rev.Digest,
		Directory:  s.policies.Directory(),
		LoadedAt:   rev.LoadedAt,
		Sets:       describeSets(rev),
	})
}

// describeSets lists the revision's sets in evaluation order
func describeSets(rev *reload.Revision) []PolicySet {
	byEffect := make(map[string]rbac.DocumentWithFile, len(rev.Documents))
	for _, d := range rev.Documents {
		byEffect[d.Document.Spec.Action] = d
	}

	sets := make([]PolicySet, 0, 2)
	for _, cs := range rev.Engine.Sets() {
		set := PolicySet{Effect: string(cs.Effect())}
		doc, hasDoc := byEffect[string(cs.Effect())]
		if hasDoc {
			set.Name = doc.Document.Metadata.Name
			set.Description = doc.Document.Metadata.Description
			set.File = doc.File
		}
		for _, name := range cs.Names() {
			src := PolicySource{Name: name}
			if hasDoc {
				src.Condition = doc.Document.Spec.Policies[name]
			}
			set.Policies = append(set.Policies, src)
		}
		sets = append(sets, set)
	}

	return sets
}

// handleAuthorize handles POST /v1/authorize
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req AuthorizeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	snapshot, err := attr.FromMap(req.Attributes)
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid attributes: %v", err))
		return
	}

	rev := s.policies.Current()
	if rev == nil {
		respondError(w, http.StatusServiceUnavailable, "no policy revision loaded")
		return
	}

	start := time.Now()
	decision, err := rev.Evaluate(r.Context(), snapshot)
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("evaluation failed: %v", err))
		return
	}
	s.metrics.RecordDecision(r.Context(), transportName, decision, time.Since(start))

	var evalErrs []string
	for _, e := range decision.Errors {
		evalErrs = append(evalErrs, e.Error())
	}

	if s.recorder != nil {
		s.recorder.Record(&storage.DecisionRecord{
			RevisionID:       rev.ID,
			Transport:        transportName,
			Decision:         string(decision.Decision),
			MatchedPolicies:  decision.MatchedPolicyNames,
			Reason:           decision.Reason,
			EvaluationErrors: evalErrs,
			Attributes:       snapshot.Vars(),
		})
	}

	respondJSON(w, http.StatusOK, AuthorizeResponse{
		Decision:           string(decision.Decision),
		MatchedPolicyNames: decision.MatchedPolicyNames,
		Reason:             decision.Reason,
		RevisionID:         rev.ID,
		EvaluationErrors:   evalErrs,
	})
}

// handleReload handles POST /v1/reload
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rev, err := s.policies.Trigger(r.Context())
	if errors.Is(err, reload.ErrThrottled) {
		w.Header().Set("Retry-After", "1")
		respondError(w, http.StatusTooManyRequests, err.Error())
		return
	}
	if err != nil {
		resp := ErrorResponse{Error: "reload rejected, previous revision still active"}
		var verrs rbac.ValidationErrors
		if errors.As(err, &verrs) {
			for _, v := range verrs {
				resp.Details = append(resp.Details, v.Error())
			}
		} else {
			resp.Details = []string{err.Error()}
		}
		respondJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}

	respondJSON(w, http.StatusOK, ReloadResponse{
		RevisionID: rev.ID,
		Digest:     rev.Digest,
		LoadedAt:   rev.LoadedAt,
		Policies:   rev.PolicyCount(),
	})
}

// handleAudit handles GET /v1/audit
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.audit == nil {
		respondError(w, http.StatusServiceUnavailable, "audit storage not configured")
		return
	}

	// Parse query parameters
	query := r.URL.Query()
	filter := storage.AuditFilter{
		Decision:   query.Get("decision"),
		Policy:     query.Get("policy"),
		RevisionID: query.Get("revision"),
		Transport:  query.Get("transport"),
	}

	var err error
	if filter.Limit, err = intParam(query.Get("limit")); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit: %v", err))
		return
	}
	if filter.Offset, err = intParam(query.Get("offset")); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid offset: %v", err))
		return
	}
	if filter.StartTime, err = timeParam(query.Get("startTime")); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid startTime: %v", err))
		return
	}
	if filter.EndTime, err = timeParam(query.Get("endTime")); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid endTime: %v", err))
		return
	}

	records, err := s.audit.QueryAudit(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("failed to query audit: %v", err))
		return
	}
	if records == nil {
		records = []storage.DecisionRecord{}
	}

	respondJSON(w, http.StatusOK, AuditResponse{
		Records: records,
		Total:   len(records),
	})
}

// handleStats handles GET /v1/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rev := s.policies.Current()
	if rev == nil {
		respondError(w, http.StatusServiceUnavailable, "no policy revision loaded")
		return
	}

	snap := rev.Stats.Snapshot()
	resp := StatsResponse{
		RevisionID: rev.ID,
		Decisions:  snap,
		TopMatches: snap.TopMatches(topMatchesCount),
	}
	if s.recorder != nil {
		stats := s.recorder.Stats()
		resp.Audit = &stats
	}

	respondJSON(w, http.StatusOK, resp)
}

// handleMetrics handles GET /v1/metrics
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.telemetry == nil {
		respondError(w, http.StatusServiceUnavailable, "telemetry not configured")
		return
	}

	snap, err := s.telemetry.Snapshot(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, snap)
}

// Helper functions

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return n, nil
}

func timeParam(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
