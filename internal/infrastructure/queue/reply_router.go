package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/orbitalops/fds-service/internal/core/domain"
	"github.com/orbitalops/fds-service/internal/core/ports"
	"github.com/orbitalops/fds-service/internal/metrics"
)

const (
	localBuffer       = 256
	defaultRetries    = 3
	defaultRetryDelay = 10 * time.Millisecond
)

// Completer records a module reply against its execution.
type Completer interface {
	Complete(id uint32, msgID, payload string) error
}

// ControlHandler receives the control replies the router intercepts.
type ControlHandler interface {
	HandleReady(domain.ControlStatus)
	HandleStatus(domain.ControlStatus)
}

// ReplyRouter is the single consumer of the reply channel. Frames from the
// subscription socket and frames delivered in-process by internal modules
// are handled one at a time, in arrival order.
type ReplyRouter struct {
	source     ports.ReplySource
	table      Completer
	control    ControlHandler
	local      chan []byte
	done       chan struct{}
	stopOnce   sync.Once
	retries    uint64
	retryDelay time.Duration
	log        zerolog.Logger
}

type RouterOption func(*ReplyRouter)

// WithCompleteRetries sets how often a failing Complete is retried before
// the reply is dropped.
func WithCompleteRetries(n int, delay time.Duration) RouterOption {
	return func(r *ReplyRouter) {
		if n >= 0 {
			r.retries = uint64(n)
		}
		if delay > 0 {
			r.retryDelay = delay
		}
	}
}

// NewReplyRouter creates a router. source may be nil when only internal
// modules publish replies.
func NewReplyRouter(source ports.ReplySource, table Completer, control ControlHandler, log zerolog.Logger, opts ...RouterOption) *ReplyRouter {
	r := &ReplyRouter{
		source:     source,
		table:      table,
		control:    control,
		local:      make(chan []byte, localBuffer),
		done:       make(chan struct{}),
		retries:    defaultRetries,
		retryDelay: defaultRetryDelay,
		log:        log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Deliver queues an in-process reply. It blocks only while the local
// buffer is full and returns immediately once the router has stopped.
func (r *ReplyRouter) Deliver(frame []byte) {
	select {
	case r.local <- frame:
	case <-r.done:
		r.log.Warn().Msg("reply delivered after router stopped, dropped")
	}
}

// Run consumes replies until ctx is done or the source closes. The source
// is closed when Run returns.
func (r *ReplyRouter) Run(ctx context.Context) error {
	var remote chan []byte
	var readerDone chan struct{}
	if r.source != nil {
		remote = make(chan []byte)
		readerDone = make(chan struct{})
		go r.read(remote, readerDone)
	}
	defer func() {
		r.stopOnce.Do(func() { close(r.done) })
		if r.source == nil {
			return
		}
		if err := r.source.Close(); err != nil {
			r.log.Warn().Err(err).Msg("close reply source")
		}
		<-readerDone
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-readerDone:
			r.log.Info().Msg("reply source closed")
			return nil
		case frame := <-remote:
			r.Route(frame)
		case frame := <-r.local:
			r.Route(frame)
		}
	}
}

func (r *ReplyRouter) read(out chan<- []byte, done chan<- struct{}) {
	defer close(done)
	for {
		frame, err := r.source.Recv()
		if err != nil {
			if errors.Is(err, ports.ErrSourceClosed) {
				return
			}
			r.log.Warn().Err(err).Msg("reply receive failed")
			continue
		}
		select {
		case out <- frame:
		case <-r.done:
			return
		}
	}
}

// Route handles one frame. Control replies go to the supervisor, progress
// notes are dropped, everything else completes its execution.
func (r *ReplyRouter) Route(frame []byte) {
	var msg domain.InternalResponseMessage
	if err := json.Unmarshal(frame, &msg); err != nil || len(msg.Response) == 0 {
		metrics.RepliesTotal.WithLabelValues("decode_error").Inc()
		r.log.Warn().Err(err).Int("bytes", len(frame)).Msg("undecodable reply dropped")
		return
	}

	var hdr domain.ResponseHeader
	if err := json.Unmarshal(msg.Response, &hdr); err != nil {
		metrics.RepliesTotal.WithLabelValues("decode_error").Inc()
		r.log.Warn().Err(err).Uint32("execution_id", msg.ExecutionID).Msg("undecodable reply body dropped")
		return
	}

	switch hdr.MsgCode {
	case domain.CodeModuleReady, domain.CodeGetStatusResponse:
		r.routeControl(hdr.MsgCode, msg.Response)
		return
	}

	log := r.log.With().Uint32("execution_id", msg.ExecutionID).Str("msg_id", hdr.MsgID).Logger()
	if msg.WaitFlag {
		metrics.RepliesTotal.WithLabelValues("progress").Inc()
		log.Debug().Msg("progress reply dropped")
		return
	}

	err := r.complete(msg.ExecutionID, hdr.MsgID, string(msg.Response))
	switch {
	case err == nil:
		metrics.RepliesTotal.WithLabelValues("completed").Inc()
		log.Debug().Msg("reply routed")
	case errors.Is(err, domain.ErrExecutionNotFound):
		metrics.RepliesTotal.WithLabelValues("dropped").Inc()
		log.Warn().Msg("execution not found")
	default:
		metrics.RepliesTotal.WithLabelValues("dropped").Inc()
		log.Warn().Err(err).Msg("reply dropped")
	}
}

func (r *ReplyRouter) routeControl(code string, body json.RawMessage) {
	metrics.RepliesTotal.WithLabelValues("control").Inc()
	if r.control == nil {
		return
	}
	var cs domain.ControlStatus
	if err := json.Unmarshal(body, &cs); err != nil {
		r.log.Warn().Err(err).Str("msg_code", code).Msg("undecodable control reply dropped")
		return
	}
	if code == domain.CodeModuleReady {
		r.control.HandleReady(cs)
		return
	}
	r.control.HandleStatus(cs)
}

// complete retries transient table errors a bounded number of times.
func (r *ReplyRouter) complete(id uint32, msgID, payload string) error {
	op := func() error {
		err := r.table.Complete(id, msgID, payload)
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrExecutionNotFound) ||
			errors.Is(err, domain.ErrMsgIDMismatch) ||
			errors.Is(err, domain.ErrAlreadyComplete) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(r.retryDelay), r.retries)
	return backoff.Retry(op, policy)
}
