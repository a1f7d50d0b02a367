package supervisor

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/orbitalops/fds-service/internal/core/ports"
)

type fakeProcess struct {
	pid      int
	pidDelay time.Duration
	done     chan struct{}
	once     sync.Once
	mu       sync.Mutex
	err      error
	killed   bool
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) Pid() int {
	if p.pidDelay > 0 {
		time.Sleep(p.pidDelay)
	}
	return p.pid
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit(errors.New("signal: killed"))
	return nil
}

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

type fakeLauncher struct {
	mu       sync.Mutex
	specs    []ports.ProcessSpec
	procs    []*fakeProcess
	failing  int
	pidDelay time.Duration
}

func (l *fakeLauncher) Start(spec ports.ProcessSpec) (ports.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.specs = append(l.specs, spec)
	if l.failing > 0 {
		l.failing--
		return nil, errors.New("exec format error")
	}
	p := newFakeProcess(1000 + len(l.specs))
	p.pidDelay = l.pidDelay
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) starts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.specs)
}

func (l *fakeLauncher) last() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}

type fakeSocket struct {
	mu      sync.Mutex
	frames  [][]byte
	sendErr error
	closed  bool
}

func (s *fakeSocket) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.frames = append(s.frames, append([]byte(nil), frame...))
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

func (s *fakeSocket) failWith(err error) {
	s.mu.Lock()
	s.sendErr = err
	s.mu.Unlock()
}

type fakeDialer struct {
	mu      sync.Mutex
	sockets []*fakeSocket
	dials   int
	failing int
}

func (d *fakeDialer) Dial(string, time.Duration) (ports.PushSocket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failing > 0 {
		d.failing--
		return nil, errors.New("connection refused")
	}
	s := &fakeSocket{}
	d.sockets = append(d.sockets, s)
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sockets) == 0 {
		return nil
	}
	return d.sockets[len(d.sockets)-1]
}

type fakeSink struct {
	frames chan []byte
}

func (s *fakeSink) Deliver(frame []byte) {
	s.frames <- frame
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
