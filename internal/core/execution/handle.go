// Package execution tracks in-flight request/reply correlations.
//
// A Handle is the one-shot hand-off between the request goroutine waiting for
// a module reply and the reply router that delivers it. A Table owns the live
// records and their handles.
package execution

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orbitalops/fds-service/internal/core/domain"
)

// Result is what a waiter receives: either the reply payload or the error
// that ended the execution.
type Result struct {
	Payload string
	Err     error
}

// Handle is a single-shot completion signal. The zero value is not usable;
// construct with NewHandle.
type Handle struct {
	once   sync.Once
	done   chan struct{}
	result Result
	log    zerolog.Logger
}

func NewHandle(log zerolog.Logger) *Handle {
	return &Handle{done: make(chan struct{}), log: log}
}

// Signal completes the handle with r and wakes every waiter. Only the first
// call has an effect; later calls log a warning and return false.
func (h *Handle) Signal(r Result) bool {
	fired := false
	h.once.Do(func() {
		h.result = r
		close(h.done)
		fired = true
	})
	if !fired {
		h.log.Warn().Msg("wait handle signalled more than once")
	}
	return fired
}

// Wait blocks until the handle is signalled, timeout elapses or ctx ends.
// A non-positive timeout waits on ctx alone. If the handle is already
// complete Wait returns without blocking.
func (h *Handle) Wait(ctx context.Context, timeout time.Duration) (Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-h.done:
		return h.result, nil
	case <-expired:
		// A signal racing the timer wins.
		select {
		case <-h.done:
			return h.result, nil
		default:
		}
		return Result{}, domain.ErrExecutionTimeout
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Done exposes the completion channel for callers that select on several
// events.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) IsComplete() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
