package execution

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orbitalops/fds-service/internal/core/domain"
	"github.com/orbitalops/fds-service/internal/core/ports"
	"github.com/orbitalops/fds-service/internal/metrics"
)

const defaultTTL = 120 * time.Second

var ErrIDSpaceExhausted = errors.New("execution id space exhausted")

// OpenParams identifies who asked for what and which instance serves it.
type OpenParams struct {
	MsgID      string
	MsgCode    string
	UserID     string
	ModuleID   uint32
	InstanceID uint32
	// Timeout is how long the caller waits for the reply. The record does
	// not expire before it.
	Timeout time.Duration
}

type entry struct {
	mu     sync.Mutex
	rec    domain.ExecutionRecord
	handle *Handle
}

// Table is the process-wide index of live executions. The index lock is
// held only to find or insert entries; record fields are guarded by the
// entry lock so operations on different ids do not serialize. No lock is
// held while audit rows are handed off.
type Table struct {
	mu      sync.RWMutex
	entries map[uint32]*entry

	seqMu sync.Mutex
	seq   uint32

	ttl   time.Duration
	audit ports.AuditSink
	now   func() time.Time
	log   zerolog.Logger
}

type Option func(*Table)

// WithAuditSink sends a copy of every record transition to sink.
func WithAuditSink(sink ports.AuditSink) Option {
	return func(t *Table) { t.audit = sink }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

// NewTable creates an empty table. ttl is added to the start time to get a
// record's expiration; ttl <= 0 uses defaultTTL.
func NewTable(ttl time.Duration, log zerolog.Logger, opts ...Option) *Table {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	t := &Table{
		entries: make(map[uint32]*entry),
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
		log:     log,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Table) nextID() (uint32, error) {
	t.seqMu.Lock()
	defer t.seqMu.Unlock()
	if t.seq == math.MaxUint32 {
		return 0, ErrIDSpaceExhausted
	}
	t.seq++
	return t.seq, nil
}

// Open allocates a new execution in state Running and returns its id and
// wait handle.
func (t *Table) Open(p OpenParams) (uint32, *Handle, error) {
	id, err := t.nextID()
	if err != nil {
		return 0, nil, err
	}
	now := t.now()
	ttl := max(t.ttl, p.Timeout)
	e := &entry{
		rec: domain.ExecutionRecord{
			ExecutionID:    id,
			MsgID:          p.MsgID,
			MsgCode:        p.MsgCode,
			UserID:         p.UserID,
			ModuleID:       p.ModuleID,
			InstanceID:     p.InstanceID,
			StartTime:      now,
			Status:         domain.ExecutionIdle,
			ExpirationTime: now.Add(ttl),
		},
		handle: NewHandle(t.log.With().Uint32("execution_id", id).Logger()),
	}
	e.rec.Status = domain.ExecutionRunning
	snapshot := e.rec

	t.mu.Lock()
	t.entries[id] = e
	t.mu.Unlock()

	metrics.ExecutionsOpenedTotal.Inc()
	metrics.ExecutionsInFlight.Inc()
	t.record(snapshot)
	return id, e.handle, nil
}

func (t *Table) lookup(id uint32) (*entry, bool) {
	t.mu.RLock()
	e, ok := t.entries[id]
	t.mu.RUnlock()
	return e, ok
}

// Complete stores the reply payload and wakes the waiter. msgID must match
// the id the execution was opened with.
func (t *Table) Complete(id uint32, msgID, payload string) error {
	e, ok := t.lookup(id)
	if !ok {
		return domain.ErrExecutionNotFound
	}

	e.mu.Lock()
	if e.rec.MsgID != msgID {
		e.mu.Unlock()
		return domain.ErrMsgIDMismatch
	}
	if e.rec.Complete || !e.rec.Status.CanTransitionTo(domain.ExecutionResponseReceived) {
		status := e.rec.Status
		e.mu.Unlock()
		t.log.Warn().
			Uint32("execution_id", id).
			Str("msg_id", msgID).
			Str("status", string(status)).
			Msg("reply for finished execution ignored")
		return domain.ErrAlreadyComplete
	}
	e.rec.Status = domain.ExecutionResponseReceived
	e.rec.Response = payload
	e.rec.Complete = true
	snapshot := e.rec
	e.mu.Unlock()

	t.record(snapshot)
	e.handle.Signal(Result{Payload: payload})
	return nil
}

// Cancel marks a Running execution Cancelled and wakes its waiter with a
// *domain.CancelledError.
func (t *Table) Cancel(id uint32, reason domain.CancelReason) error {
	e, ok := t.lookup(id)
	if !ok {
		return domain.ErrExecutionNotFound
	}
	return t.cancelEntry(e, reason)
}

func (t *Table) cancelEntry(e *entry, reason domain.CancelReason) error {
	e.mu.Lock()
	if !e.rec.Status.CanTransitionTo(domain.ExecutionCancelled) {
		e.mu.Unlock()
		return domain.ErrAlreadyComplete
	}
	e.rec.Status = domain.ExecutionCancelled
	e.rec.CancelReason = reason
	e.rec.StopTime = t.now()
	snapshot := e.rec
	e.mu.Unlock()

	t.record(snapshot)
	e.handle.Signal(Result{Err: &domain.CancelledError{Reason: reason}})
	metrics.ExecutionsCancelledTotal.WithLabelValues(string(reason)).Inc()
	t.log.Info().
		Uint32("execution_id", snapshot.ExecutionID).
		Str("msg_id", snapshot.MsgID).
		Str("reason", string(reason)).
		Msg("execution cancelled")
	return nil
}

// CancelInstance cancels every Running execution assigned to ref and
// returns how many were cancelled.
func (t *Table) CancelInstance(ref domain.InstanceRef, reason domain.CancelReason) int {
	return t.cancelWhere(reason, func(r *domain.ExecutionRecord) bool {
		return r.ModuleID == ref.ModuleID && r.InstanceID == ref.InstanceID
	})
}

// CancelAll cancels every Running execution.
func (t *Table) CancelAll(reason domain.CancelReason) int {
	return t.cancelWhere(reason, func(*domain.ExecutionRecord) bool { return true })
}

func (t *Table) cancelWhere(reason domain.CancelReason, match func(*domain.ExecutionRecord) bool) int {
	var n int
	for _, e := range t.entriesSnapshot() {
		e.mu.Lock()
		ok := e.rec.Status == domain.ExecutionRunning && match(&e.rec)
		e.mu.Unlock()
		if ok && t.cancelEntry(e, reason) == nil {
			n++
		}
	}
	return n
}

func (t *Table) entriesSnapshot() []*entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

// Close removes the execution from the live index and returns its final
// record. A received reply is promoted to Completed; a record still Running
// becomes Stopped.
func (t *Table) Close(id uint32) (domain.ExecutionRecord, error) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if !ok {
		return domain.ExecutionRecord{}, domain.ErrExecutionNotFound
	}

	e.mu.Lock()
	switch e.rec.Status {
	case domain.ExecutionResponseReceived:
		e.rec.Status = domain.ExecutionCompleted
		e.rec.StopTime = t.now()
	case domain.ExecutionRunning:
		e.rec.Status = domain.ExecutionStopped
		e.rec.StopTime = t.now()
	}
	final := e.rec
	e.mu.Unlock()

	metrics.ExecutionsInFlight.Dec()
	metrics.ExecutionsFinishedTotal.WithLabelValues(string(final.Status)).Inc()
	t.record(final)
	return final, nil
}

// Sweep cancels Running executions whose expiration is before now and drops
// finished records nobody closed within one more ttl. It returns the number
// of records cancelled.
func (t *Table) Sweep(now time.Time) int {
	var cancelled int
	var orphans []uint32
	for _, e := range t.entriesSnapshot() {
		e.mu.Lock()
		status, exp, id := e.rec.Status, e.rec.ExpirationTime, e.rec.ExecutionID
		e.mu.Unlock()
		if !now.After(exp) {
			continue
		}
		if status == domain.ExecutionRunning {
			if t.cancelEntry(e, domain.CancelExpired) == nil {
				cancelled++
			}
			continue
		}
		if now.After(exp.Add(t.ttl)) {
			orphans = append(orphans, id)
		}
	}
	for _, id := range orphans {
		if rec, err := t.Close(id); err == nil {
			t.log.Warn().
				Uint32("execution_id", id).
				Str("msg_id", rec.MsgID).
				Str("status", string(rec.Status)).
				Msg("orphaned execution removed")
		}
	}
	return cancelled
}

// RunSweeper calls Sweep every interval until ctx is done.
func (t *Table) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.Sweep(t.now()); n > 0 {
				t.log.Info().Int("count", n).Msg("expired executions cancelled")
			}
		}
	}
}

// Get returns a copy of the live record for id.
func (t *Table) Get(id uint32) (domain.ExecutionRecord, bool) {
	e, ok := t.lookup(id)
	if !ok {
		return domain.ExecutionRecord{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, true
}

// Snapshot returns copies of all live records ordered by execution id.
func (t *Table) Snapshot() []domain.ExecutionRecord {
	entries := t.entriesSnapshot()
	out := make([]domain.ExecutionRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.rec)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutionID < out[j].ExecutionID })
	return out
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *Table) record(rec domain.ExecutionRecord) {
	if t.audit != nil {
		t.audit.RecordExecution(rec)
	}
}
