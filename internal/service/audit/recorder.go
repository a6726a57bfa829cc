// Package audit provides the asynchronous audit trail: a recorder that
// persists events off the request path, before/after diffing, queries with
// row-level visibility, and retention sweeps.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"procgate/internal/domain"
)

// Recorder persists audit events asynchronously. Record never returns an
// error and never blocks the business operation: a persistence failure is
// logged and the operation's outcome stands.
type Recorder struct {
	repo    domain.AuditRepository
	logger  *slog.Logger
	events  chan *domain.AuditEvent
	done    chan struct{}
	once    sync.Once
	timeout time.Duration

	// mu guards closed and the send on events, so Close cannot close the
	// channel between the check and the send.
	mu     sync.Mutex
	closed bool
}

// NewRecorder starts the recorder's worker. bufferSize bounds the in-flight
// queue; when the queue is full new events are dropped with a log entry
// rather than stalling callers.
func NewRecorder(repo domain.AuditRepository, logger *slog.Logger, bufferSize int) *Recorder {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	r := &Recorder{
		repo:    repo,
		logger:  logger,
		events:  make(chan *domain.AuditEvent, bufferSize),
		done:    make(chan struct{}),
		timeout: 5 * time.Second,
	}
	go r.worker()
	return r
}

// Record enqueues an event. The caller's context is intentionally not used
// for persistence: a cancelled request must still leave its audit trail.
func (r *Recorder) Record(_ context.Context, e *domain.AuditEvent) {
	if e == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.logger.Warn("audit recorder closed, dropping event",
			"event_id", e.ID,
			"event_type", e.EventType,
			"correlation_id", e.CorrelationID,
		)
		return
	}
	select {
	case r.events <- e:
	default:
		r.logger.Error("audit buffer full, dropping event",
			"event_id", e.ID,
			"event_type", e.EventType,
			"correlation_id", e.CorrelationID,
		)
	}
}

// Close drains the queue and stops the worker. Events recorded after Close
// are dropped.
func (r *Recorder) Close() {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.events)
		r.mu.Unlock()
		<-r.done
	})
}

func (r *Recorder) worker() {
	defer close(r.done)
	for e := range r.events {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := r.repo.Insert(ctx, e); err != nil {
			r.logger.Error("audit event persistence failed",
				"event_id", e.ID,
				"event_type", e.EventType,
				"correlation_id", e.CorrelationID,
				"error", err,
			)
		}
		cancel()
	}
}
