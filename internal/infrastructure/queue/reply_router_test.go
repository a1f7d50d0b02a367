package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/orbitalops/fds-service/internal/core/domain"
	"github.com/orbitalops/fds-service/internal/core/execution"
	"github.com/orbitalops/fds-service/internal/core/ports"
)

type completeCall struct {
	id      uint32
	msgID   string
	payload string
}

type stubCompleter struct {
	mu    sync.Mutex
	calls []completeCall
	errs  []error
}

func (s *stubCompleter) Complete(id uint32, msgID, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, completeCall{id, msgID, payload})
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return err
	}
	return nil
}

func (s *stubCompleter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type stubControl struct {
	mu     sync.Mutex
	ready  []domain.ControlStatus
	status []domain.ControlStatus
}

func (c *stubControl) HandleReady(cs domain.ControlStatus) {
	c.mu.Lock()
	c.ready = append(c.ready, cs)
	c.mu.Unlock()
}

func (c *stubControl) HandleStatus(cs domain.ControlStatus) {
	c.mu.Lock()
	c.status = append(c.status, cs)
	c.mu.Unlock()
}

type chanSource struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newChanSource() *chanSource {
	return &chanSource{frames: make(chan []byte, 8), closed: make(chan struct{})}
}

func (s *chanSource) Recv() ([]byte, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.closed:
		return nil, ports.ErrSourceClosed
	}
}

func (s *chanSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func newTestRouter(table Completer, control ControlHandler) *ReplyRouter {
	return NewReplyRouter(nil, table, control, zerolog.Nop(), WithCompleteRetries(2, time.Millisecond))
}

func TestRoute_CompletesExecution(t *testing.T) {
	table := &stubCompleter{}
	r := newTestRouter(table, &stubControl{})

	r.Route([]byte(`{"response":{"msg_id":"42","msg_code":"orb_propagation_tle_response","status":200},"execution_id":7,"wait_flag":false}`))

	if table.count() != 1 {
		t.Fatalf("expected 1 complete call, got %d", table.count())
	}
	call := table.calls[0]
	if call.id != 7 || call.msgID != "42" {
		t.Fatalf("unexpected call %+v", call)
	}
	if call.payload != `{"msg_id":"42","msg_code":"orb_propagation_tle_response","status":200}` {
		t.Fatalf("payload not passed verbatim: %s", call.payload)
	}
}

func TestRoute_InterceptsControlReplies(t *testing.T) {
	table := &stubCompleter{}
	control := &stubControl{}
	r := newTestRouter(table, control)

	r.Route([]byte(`{"response":{"msg_code":"module_ready","status":"Ready","module_id":3,"module_instance_id":1},"execution_id":0}`))
	r.Route([]byte(`{"response":{"msg_code":"get_status_response","status":"Running","module_instance_id":1},"execution_id":0}`))

	if table.count() != 0 {
		t.Fatalf("control replies must not reach the table")
	}
	if len(control.ready) != 1 || control.ready[0].ModuleID != 3 || control.ready[0].ModuleInstanceID != 1 {
		t.Fatalf("unexpected ready calls %+v", control.ready)
	}
	if len(control.status) != 1 || control.status[0].Status != domain.ModuleStatusRunning {
		t.Fatalf("unexpected status calls %+v", control.status)
	}
}

func TestRoute_DropsProgressAndGarbage(t *testing.T) {
	table := &stubCompleter{}
	r := newTestRouter(table, nil)

	r.Route([]byte(`{"response":{"msg_id":"1","msg_code":"x_response"},"execution_id":1,"wait_flag":true}`))
	r.Route([]byte(`not json`))
	r.Route([]byte(`{"execution_id":1}`))
	r.Route([]byte(`{"response":"a string","execution_id":1}`))
	r.Route([]byte(`{"response":{"msg_code":"module_ready"},"execution_id":0}`))

	if table.count() != 0 {
		t.Fatalf("expected no complete calls, got %d", table.count())
	}
}

func TestRoute_RetriesTransientErrors(t *testing.T) {
	table := &stubCompleter{errs: []error{errors.New("busy"), errors.New("busy")}}
	r := newTestRouter(table, nil)

	r.Route([]byte(`{"response":{"msg_id":"1"},"execution_id":1}`))

	if table.count() != 3 {
		t.Fatalf("expected 2 retries then success, got %d calls", table.count())
	}
}

func TestRoute_RetriesAreBounded(t *testing.T) {
	busy := errors.New("busy")
	table := &stubCompleter{errs: []error{busy, busy, busy, busy, busy}}
	r := newTestRouter(table, nil)

	r.Route([]byte(`{"response":{"msg_id":"1"},"execution_id":1}`))

	if table.count() != 3 {
		t.Fatalf("expected 1 attempt plus 2 retries, got %d calls", table.count())
	}
}

func TestRoute_PermanentErrorsNotRetried(t *testing.T) {
	for _, err := range []error{domain.ErrExecutionNotFound, domain.ErrMsgIDMismatch, domain.ErrAlreadyComplete} {
		table := &stubCompleter{errs: []error{err}}
		r := newTestRouter(table, nil)
		r.Route([]byte(`{"response":{"msg_id":"1"},"execution_id":1}`))
		if table.count() != 1 {
			t.Fatalf("%v: expected a single attempt, got %d", err, table.count())
		}
	}
}

func TestRoute_LateReplyDoesNotTouchOtherExecutions(t *testing.T) {
	table := execution.NewTable(time.Minute, zerolog.Nop())
	r := newTestRouter(table, nil)

	late, _, _ := table.Open(execution.OpenParams{MsgID: "late", MsgCode: "orb"})
	_ = table.Cancel(late, domain.CancelTimeout)
	_, _ = table.Close(late)

	live, handle, _ := table.Open(execution.OpenParams{MsgID: "live", MsgCode: "orb"})

	r.Route([]byte(`{"response":{"msg_id":"late"},"execution_id":1}`))
	if handle.IsComplete() {
		t.Fatalf("late reply must not affect another execution")
	}

	r.Route([]byte(`{"response":{"msg_id":"live","status":200},"execution_id":2}`))
	res, err := handle.Wait(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Payload != `{"msg_id":"live","status":200}` {
		t.Fatalf("unexpected payload %s", res.Payload)
	}
	if rec, _ := table.Get(live); rec.Status != domain.ExecutionResponseReceived {
		t.Fatalf("expected ResponseReceived, got %s", rec.Status)
	}
}

func TestReplyRouter_RunConsumesSourceAndLocal(t *testing.T) {
	table := &stubCompleter{}
	source := newChanSource()
	r := NewReplyRouter(source, table, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	source.frames <- []byte(`{"response":{"msg_id":"a"},"execution_id":1}`)
	r.Deliver([]byte(`{"response":{"msg_id":"b"},"execution_id":2}`))

	deadline := time.Now().Add(2 * time.Second)
	for table.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if table.count() != 2 {
		t.Fatalf("expected both frames routed, got %d", table.count())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	select {
	case <-source.closed:
	default:
		t.Fatalf("source should be closed when Run returns")
	}

	// Deliver after stop must not block.
	r.Deliver([]byte(`{}`))
}

func TestReplyRouter_StopsWhenSourceCloses(t *testing.T) {
	source := newChanSource()
	r := NewReplyRouter(source, &stubCompleter{}, nil, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		_ = r.Run(context.Background())
		close(done)
	}()

	_ = source.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after source closed")
	}
}
