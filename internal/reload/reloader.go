// Package reload owns the active policy revision. A new revision is built
// completely off to the side and swapped in atomically, so in-flight
// evaluations always finish against the engine they started with.
package reload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/samijaber1/aegis-authz/internal/attr"
	"github.com/samijaber1/aegis-authz/internal/policy"
	"github.com/samijaber1/aegis-authz/internal/rbac"
	"github.com/samijaber1/aegis-authz/internal/storage"
	"github.com/samijaber1/aegis-authz/internal/telemetry"
)

var (
	// ErrThrottled is returned by Trigger when manual reloads exceed their budget
	ErrThrottled = errors.New("reload throttled")

	// ErrNoRevision is returned when no policy revision has been loaded yet
	ErrNoRevision = errors.New("no policy revision loaded")
)

// Reload statuses reported to telemetry
const (
	statusSuccess   = "success"
	statusFailure   = "failure"
	statusUnchanged = "unchanged"
)

// Revision is one successfully loaded policy directory
type Revision struct {
	ID        string
	Engine    *policy.Engine
	Documents []rbac.DocumentWithFile
	Digest    string
	LoadedAt  time.Time
	Stats     *Stats
}

// NewRevision wraps an engine built elsewhere
func NewRevision(engine *policy.Engine) *Revision {
	return &Revision{
		ID:       uuid.NewString(),
		Engine:   engine,
		LoadedAt: time.Now().UTC(),
		Stats:    NewStats(),
	}
}

// Evaluate runs the revision's engine and tallies the result
func (rev *Revision) Evaluate(ctx context.Context, snapshot *attr.Snapshot) (policy.AuthorizationDecision, error) {
	d, err := rev.Engine.Evaluate(ctx, snapshot)
	if err != nil {
		return d, err
	}
	rev.Stats.Record(d)
	return d, nil
}

// PolicyCount returns the number of policies across all sets
func (rev *Revision) PolicyCount() int {
	n := 0
	for _, set := range rev.Engine.Sets() {
		n += set.Len()
	}
	return n
}

// Options configures a Reloader
type Options struct {
	Directory string
	Evaluator policy.Evaluator

	// Interval between directory polls; zero disables polling
	Interval time.Duration

	// Burst of manual reloads allowed before Trigger throttles
	Burst int

	// MinTriggerGap is the steady-state spacing between manual reloads
	MinTriggerGap time.Duration

	Audit   storage.AuditStorage
	Metrics *telemetry.Metrics
	Logger  *zap.Logger
}

// Reloader loads policy directories into revisions and keeps the newest
// valid one active
type Reloader struct {
	opts      Options
	validator *rbac.Validator
	limiter   *rate.Limiter
	logger    *zap.Logger

	current atomic.Pointer[Revision]
	loadMu  sync.Mutex

	lastErrMu sync.RWMutex
	lastErr   error
	// digest of the last rejected directory, skipped by polling
	lastFailedDigest string

	mu      sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a Reloader. Nothing is loaded until Load is called.
func New(opts Options) (*Reloader, error) {
	if opts.Directory == "" {
		return nil, fmt.Errorf("policy directory is required")
	}
	if opts.Evaluator == nil {
		return nil, policy.ErrNilEvaluator
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	if opts.MinTriggerGap <= 0 {
		opts.MinTriggerGap = time.Second
	}

	validator, err := rbac.NewValidator(opts.Evaluator)
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Reloader{
		opts:      opts,
		validator: validator,
		limiter:   rate.NewLimiter(rate.Every(opts.MinTriggerGap), opts.Burst),
		logger:    logger.With(zap.String("component", "reload")),
	}, nil
}

// Current returns the active revision, or nil before the first successful load
func (r *Reloader) Current() *Revision {
	return r.current.Load()
}

// LastError returns the error of the most recent failed load, cleared on success
func (r *Reloader) LastError() error {
	r.lastErrMu.RLock()
	defer r.lastErrMu.RUnlock()
	return r.lastErr
}

// Directory returns the watched policy directory
func (r *Reloader) Directory() string {
	return r.opts.Directory
}

// Evaluate decides a request against the active revision
func (r *Reloader) Evaluate(ctx context.Context, snapshot *attr.Snapshot) (policy.AuthorizationDecision, *Revision, error) {
	rev := r.Current()
	if rev == nil {
		return policy.AuthorizationDecision{}, nil, ErrNoRevision
	}
	d, err := rev.Evaluate(ctx, snapshot)
	return d, rev, err
}

// Load builds a revision from the policy directory and makes it active.
// On failure the previous revision, if any, stays active.
func (r *Reloader) Load(ctx context.Context) (*Revision, error) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	return r.loadLocked(ctx)
}

func (r *Reloader) loadLocked(ctx context.Context) (*Revision, error) {
	dir := r.opts.Directory

	digest, err := rbac.Digest(dir)
	if err != nil {
		return nil, r.fail(ctx, "", fmt.Errorf("digest %s: %w", dir, err))
	}

	docs, errs := r.validator.LoadDirectory(dir)
	if len(errs) > 0 {
		return nil, r.fail(ctx, digest, fmt.Errorf("validate %s: %w", dir, rbac.ValidationErrors(errs)))
	}

	sets, err := rbac.ToPolicySets(docs)
	if err != nil {
		return nil, r.fail(ctx, digest, err)
	}

	engine, err := policy.New(sets, r.opts.Evaluator)
	if err != nil {
		return nil, r.fail(ctx, digest, err)
	}

	rev := &Revision{
		ID:        uuid.NewString(),
		Engine:    engine,
		Documents: docs,
		Digest:    digest,
		LoadedAt:  time.Now().UTC(),
		Stats:     NewStats(),
	}

	// persisted before the swap so decisions never reference an unknown revision
	if r.opts.Audit != nil {
		effects := make([]string, 0, 2)
		for _, e := range engine.Effects() {
			effects = append(effects, string(e))
		}
		if err := r.opts.Audit.StoreRevision(ctx, &storage.RevisionRecord{
			ID:          rev.ID,
			Digest:      digest,
			Directory:   dir,
			Status:      storage.RevisionActive,
			Effects:     effects,
			PolicyCount: rev.PolicyCount(),
			LoadedAt:    rev.LoadedAt,
		}); err != nil {
			r.logger.Warn("failed to store revision", zap.String("revision_id", rev.ID), zap.Error(err))
		}
	}

	previous := r.current.Swap(rev)
	r.setLastErr(nil, "")
	r.opts.Metrics.RecordReload(ctx, statusSuccess)

	fields := []zap.Field{
		zap.String("revision_id", rev.ID),
		zap.String("digest", digest),
		zap.Int("policies", rev.PolicyCount()),
		zap.Strings("effects", effectNames(engine)),
	}
	if previous != nil {
		fields = append(fields, zap.String("previous_revision_id", previous.ID))
	}
	r.logger.Info("policy revision activated", fields...)

	return rev, nil
}

func (r *Reloader) fail(ctx context.Context, digest string, err error) error {
	r.setLastErr(err, digest)
	r.opts.Metrics.RecordReload(ctx, statusFailure)

	fields := []zap.Field{zap.String("directory", r.opts.Directory), zap.Error(err)}
	if cur := r.Current(); cur != nil {
		fields = append(fields, zap.String("active_revision_id", cur.ID))
	}
	r.logger.Error("policy reload rejected", fields...)

	if r.opts.Audit != nil {
		if storeErr := r.opts.Audit.StoreRevision(ctx, &storage.RevisionRecord{
			ID:        uuid.NewString(),
			Digest:    digest,
			Directory: r.opts.Directory,
			Status:    storage.RevisionRejected,
			Error:     err.Error(),
		}); storeErr != nil {
			r.logger.Warn("failed to store rejected revision", zap.Error(storeErr))
		}
	}

	return err
}

func (r *Reloader) setLastErr(err error, failedDigest string) {
	r.lastErrMu.Lock()
	defer r.lastErrMu.Unlock()
	r.lastErr = err
	r.lastFailedDigest = failedDigest
}

func (r *Reloader) failedDigest() string {
	r.lastErrMu.RLock()
	defer r.lastErrMu.RUnlock()
	return r.lastFailedDigest
}

// ReloadIfChanged reloads only when the directory digest differs from both
// the active revision and the last rejected load. It reports whether a
// reload was attempted. Load and Trigger always retry.
func (r *Reloader) ReloadIfChanged(ctx context.Context) (bool, error) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	digest, err := rbac.Digest(r.opts.Directory)
	if err != nil {
		return false, fmt.Errorf("digest %s: %w", r.opts.Directory, err)
	}

	failed := r.failedDigest()
	if cur := r.Current(); cur != nil && cur.Digest == digest {
		if failed != "" {
			// directory reverted to the active revision
			r.setLastErr(nil, "")
		}
		r.opts.Metrics.RecordReload(ctx, statusUnchanged)
		return false, nil
	}
	if digest == failed {
		r.opts.Metrics.RecordReload(ctx, statusUnchanged)
		return false, nil
	}

	_, err = r.loadLocked(ctx)
	return true, err
}

// Trigger is a rate limited Load for operator and control plane requests
func (r *Reloader) Trigger(ctx context.Context) (*Revision, error) {
	if !r.limiter.Allow() {
		return nil, ErrThrottled
	}
	return r.Load(ctx)
}

// Start begins polling the policy directory for changes
func (r *Reloader) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("reloader already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.runCtx = ctx
	r.cancel = cancel
	r.running = true

	if r.opts.Interval > 0 {
		r.wg.Add(1)
		go r.pollLoop(ctx, r.opts.Interval)
		r.logger.Info("watching policy directory",
			zap.String("directory", r.opts.Directory),
			zap.Duration("interval", r.opts.Interval),
		)
	}

	return nil
}

// Stop stops polling and any subscriptions, and waits for them to exit
func (r *Reloader) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.cancel()
	r.running = false
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("reloader stopped")
}

// pollLoop checks the directory digest on every tick
func (r *Reloader) pollLoop(ctx context.Context, interval time.Duration) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ReloadIfChanged(ctx); err != nil {
				r.logger.Debug("poll reload failed", zap.Error(err))
			}
		}
	}
}

// runContext returns the context bound to Start/Stop
func (r *Reloader) runContext() (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return nil, fmt.Errorf("reloader not running, call Start() first")
	}
	return r.runCtx, nil
}

func effectNames(engine *policy.Engine) []string {
	effects := engine.Effects()
	names := make([]string, len(effects))
	for i, e := range effects {
		names[i] = string(e)
	}
	return names
}
