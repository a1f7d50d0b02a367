package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/orbitalops/fds-service/internal/core/domain"
	"github.com/orbitalops/fds-service/internal/core/ports"
	"github.com/orbitalops/fds-service/internal/metrics"
)

const (
	defaultAuditWorkers   = 4
	auditBuffer           = 1024
	defaultAuditRetryTime = 30 * time.Second
)

type auditJob struct {
	execution *domain.ExecutionRecord
	access    *domain.HTTPAccess
}

func (j auditJob) kind() string {
	if j.execution != nil {
		return "execution"
	}
	return "access"
}

// AuditWriter persists audit rows in the background. Execution rows are
// sharded on execution id so the versions of one row are written in order.
// Enqueueing never blocks; a full queue drops the row.
type AuditWriter struct {
	repo      ports.AuditRepository
	runID     string
	workers   []chan auditJob
	retryTime time.Duration
	initial   time.Duration
	next      atomic.Uint32

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger
}

type AuditOption func(*AuditWriter)

// WithAuditWorkers sets the number of writer goroutines.
func WithAuditWorkers(n int) AuditOption {
	return func(w *AuditWriter) {
		if n > 0 {
			w.workers = make([]chan auditJob, n)
		}
	}
}

// WithAuditRetry bounds the time spent retrying one row and sets the first
// back-off interval.
func WithAuditRetry(maxElapsed, initial time.Duration) AuditOption {
	return func(w *AuditWriter) {
		if maxElapsed > 0 {
			w.retryTime = maxElapsed
		}
		if initial > 0 {
			w.initial = initial
		}
	}
}

// NewAuditWriter creates a writer for repo. runID keys execution rows of
// this process run.
func NewAuditWriter(repo ports.AuditRepository, runID string, log zerolog.Logger, opts ...AuditOption) *AuditWriter {
	w := &AuditWriter{
		repo:      repo,
		runID:     runID,
		workers:   make([]chan auditJob, defaultAuditWorkers),
		retryTime: defaultAuditRetryTime,
		initial:   100 * time.Millisecond,
		log:       log.With().Str("run_id", runID).Logger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	for i := range w.workers {
		w.workers[i] = make(chan auditJob, auditBuffer)
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	return w
}

// Start launches the worker goroutines. They run until Close.
func (w *AuditWriter) Start() {
	for i, ch := range w.workers {
		w.wg.Add(1)
		go w.runWorker(i, ch)
	}
}

func (w *AuditWriter) RunID() string {
	return w.runID
}

func (w *AuditWriter) RecordExecution(rec domain.ExecutionRecord) {
	shard := int(rec.ExecutionID % uint32(len(w.workers)))
	w.enqueue(shard, auditJob{execution: &rec})
}

func (w *AuditWriter) RecordAccess(access domain.HTTPAccess) {
	shard := int(w.next.Add(1) % uint32(len(w.workers)))
	w.enqueue(shard, auditJob{access: &access})
}

func (w *AuditWriter) enqueue(shard int, job auditJob) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		metrics.AuditWritesTotal.WithLabelValues(job.kind(), "dropped").Inc()
		return
	}
	select {
	case w.workers[shard] <- job:
	default:
		metrics.AuditWritesTotal.WithLabelValues(job.kind(), "dropped").Inc()
		w.log.Warn().Str("kind", job.kind()).Msg("audit queue full, row dropped")
	}
}

// Close stops accepting rows and waits for queued rows to be written. When
// ctx ends first, pending retries are abandoned.
func (w *AuditWriter) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, ch := range w.workers {
		close(ch)
	}
	w.mu.Unlock()

	flushed := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
		w.cancel()
		return nil
	case <-ctx.Done():
		w.cancel()
		<-flushed
		return ctx.Err()
	}
}

func (w *AuditWriter) runWorker(id int, ch <-chan auditJob) {
	defer w.wg.Done()
	for job := range ch {
		w.write(id, job)
	}
}

func (w *AuditWriter) write(worker int, job auditJob) {
	kind := job.kind()
	op := func() error {
		if job.execution != nil {
			return w.repo.UpsertExecution(w.ctx, w.runID, *job.execution)
		}
		return w.repo.InsertAccess(w.ctx, *job.access)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.initial
	policy.MaxElapsedTime = w.retryTime
	notify := func(err error, wait time.Duration) {
		metrics.AuditWritesTotal.WithLabelValues(kind, "retry").Inc()
		w.log.Warn().Err(err).Str("kind", kind).Int("worker_id", worker).Dur("retry_in", wait).Msg("audit write failed, retrying")
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(policy, w.ctx), notify); err != nil {
		metrics.AuditWritesTotal.WithLabelValues(kind, "dropped").Inc()
		ev := w.log.Error().Err(err).Str("kind", kind).Int("worker_id", worker)
		if job.execution != nil {
			ev = ev.Uint32("execution_id", job.execution.ExecutionID).Str("status", string(job.execution.Status))
		}
		ev.Msg("audit row dropped")
		return
	}
	metrics.AuditWritesTotal.WithLabelValues(kind, "ok").Inc()
}
