package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const defaultRecorderBuffer = 1024

// AsyncRecorder writes decision records on a background goroutine so the
// request path never waits on the database. Records that do not fit in the
// buffer are dropped and counted.
type AsyncRecorder struct {
	writer DecisionWriter
	logger *zap.Logger
	queue  chan *DecisionRecord

	dropped atomic.Uint64
	written atomic.Uint64
	failed  atomic.Uint64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsyncRecorder creates a recorder and starts its writer goroutine
func NewAsyncRecorder(writer DecisionWriter, buffer int, logger *zap.Logger) *AsyncRecorder {
	if buffer <= 0 {
		buffer = defaultRecorderBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &AsyncRecorder{
		writer: writer,
		logger: logger,
		queue:  make(chan *DecisionRecord, buffer),
		done:   make(chan struct{}),
	}
	go r.run()

	return r
}

// Record enqueues a record without blocking. It reports whether the record
// was accepted.
func (r *AsyncRecorder) Record(rec *DecisionRecord) bool {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.dropped.Add(1)
		return false
	}

	select {
	case r.queue <- rec:
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

func (r *AsyncRecorder) run() {
	defer close(r.done)

	for rec := range r.queue {
		if err := r.writer.StoreDecision(context.Background(), rec); err != nil {
			r.failed.Add(1)
			r.logger.Warn("failed to store decision",
				zap.String("decision_id", rec.ID),
				zap.String("revision_id", rec.RevisionID),
				zap.Error(err),
			)
			continue
		}
		r.written.Add(1)
	}
}

// Close stops accepting records and waits for the queue to drain, or for
// ctx to expire
func (r *AsyncRecorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecorderStats counts what happened to submitted records
type RecorderStats struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
	Pending int    `json:"pending"`
}

// Stats returns the recorder counters
func (r *AsyncRecorder) Stats() RecorderStats {
	return RecorderStats{
		Written: r.written.Load(),
		Failed:  r.failed.Load(),
		Dropped: r.dropped.Load(),
		Pending: len(r.queue),
	}
}
