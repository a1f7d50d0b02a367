// Package supervisor runs module instances: it spawns external modules as
// child processes, connects a push socket once a child reports ready, polls
// instance health and restarts crashed instances within a bounded budget.
//
// All lifecycle decisions (exits, failures, probes, restarts) are taken by a
// single control loop started with Run. HTTP goroutines only read instance
// state and report failures into the loop.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/orbitalops/fds-service/internal/core/domain"
	"github.com/orbitalops/fds-service/internal/core/ports"
	"github.com/orbitalops/fds-service/internal/metrics"
)

const (
	defaultRestartLimit   = 2
	defaultReadyTimeout   = 20 * time.Second
	defaultHealthInterval = 30 * time.Second
	defaultProbeTimeout   = 5 * time.Second
	defaultDialAttempts   = 3
	defaultDialBackoff    = 200 * time.Millisecond
	defaultSendDeadline   = 250 * time.Millisecond
	defaultExitGrace      = 3 * time.Second
	defaultTick           = time.Second
)

// Config holds the supervisor settings. Zero values fall back to defaults.
type Config struct {
	BaseAddress    string // e.g. tcp://127.0.0.1
	BasePort       int
	SubEndpoint    string
	RepEndpoint    string
	PIDDir         string
	RestartLimit   int
	ReadyTimeout   time.Duration
	HealthInterval time.Duration
	ProbeTimeout   time.Duration
	DialAttempts   int
	DialBackoff    time.Duration
	SendDeadline   time.Duration
	ExitGrace      time.Duration
	ExitCode       string
}

func (c *Config) applyDefaults() {
	if c.RestartLimit < 0 {
		c.RestartLimit = 0
	} else if c.RestartLimit == 0 {
		c.RestartLimit = defaultRestartLimit
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = defaultReadyTimeout
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = defaultHealthInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	if c.DialAttempts <= 0 {
		c.DialAttempts = defaultDialAttempts
	}
	if c.DialBackoff <= 0 {
		c.DialBackoff = defaultDialBackoff
	}
	if c.SendDeadline <= 0 {
		c.SendDeadline = defaultSendDeadline
	}
	if c.ExitGrace <= 0 {
		c.ExitGrace = defaultExitGrace
	}
	if c.PIDDir == "" {
		c.PIDDir = "."
	}
}

type instance struct {
	def      domain.ModuleDefinition
	ref      domain.InstanceRef
	endpoint string
	internal ports.InternalModule

	state    domain.InstanceState
	ready    bool
	dialing  bool
	proc     ports.Process
	sock     ports.PushSocket
	gen      uint64
	restarts int
	start    time.Time
	stop     time.Time

	readyDeadline time.Time
	probeDeadline time.Time
}

func (i *instance) available() bool {
	return i.state == domain.InstanceRunning && i.ready
}

func (i *instance) info() domain.InstanceInfo {
	info := domain.InstanceInfo{
		InstanceRef: i.ref,
		ModuleName:  i.def.Name,
		Kind:        i.def.Kind,
		Endpoint:    i.endpoint,
		State:       i.state,
		Ready:       i.ready,
		Restarts:    i.restarts,
		StartTime:   i.start,
		StopTime:    i.stop,
	}
	if i.proc != nil {
		info.PID = i.proc.Pid()
	}
	return info
}

type exitEvent struct {
	ref domain.InstanceRef
	gen uint64
	err error
}

type failure struct {
	ref   domain.InstanceRef
	gen   uint64
	cause error
}

type restartRequest struct {
	moduleID uint32
	reply    chan error
}

// Supervisor owns every module instance.
type Supervisor struct {
	cfg      Config
	launcher ports.ProcessLauncher
	dialer   ports.PushDialer
	sink     ports.ReplySink
	selector Selector
	internal map[string]ports.InternalModule
	onDown   func(domain.InstanceRef)
	now      func() time.Time
	tick     time.Duration

	mu        sync.RWMutex
	order     []domain.InstanceRef
	instances map[domain.InstanceRef]*instance

	exits    chan exitEvent
	failures chan failure
	probes   chan domain.InstanceRef
	restarts chan restartRequest
	done     chan struct{}
	stopping atomic.Bool
	probeSeq atomic.Uint64

	log zerolog.Logger
}

type Option func(*Supervisor)

// WithSelector replaces the FirstMatch instance selector.
func WithSelector(sel Selector) Option {
	return func(s *Supervisor) { s.selector = sel }
}

// WithInternalModule registers the in-process handler for the Internal
// definition called name.
func WithInternalModule(name string, m ports.InternalModule) Option {
	return func(s *Supervisor) { s.internal[name] = m }
}

// WithInstanceDownHook is called from the control loop whenever an instance
// is taken down after a failure or an administrative restart.
func WithInstanceDownHook(fn func(domain.InstanceRef)) Option {
	return func(s *Supervisor) { s.onDown = fn }
}

// WithClock overrides the time source used for deadlines.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// WithTick sets how often deadlines are checked.
func WithTick(d time.Duration) Option {
	return func(s *Supervisor) { s.tick = d }
}

// New builds a supervisor with one Idle instance (instance id 1) per
// definition. Internal definitions must have a registered handler.
func New(cfg Config, defs []domain.ModuleDefinition, launcher ports.ProcessLauncher, dialer ports.PushDialer, sink ports.ReplySink, log zerolog.Logger, opts ...Option) (*Supervisor, error) {
	cfg.applyDefaults()
	s := &Supervisor{
		cfg:       cfg,
		launcher:  launcher,
		dialer:    dialer,
		sink:      sink,
		selector:  FirstMatch{},
		internal:  make(map[string]ports.InternalModule),
		now:       time.Now,
		tick:      defaultTick,
		instances: make(map[domain.InstanceRef]*instance, len(defs)),
		exits:     make(chan exitEvent, len(defs)+1),
		failures:  make(chan failure, 64),
		probes:    make(chan domain.InstanceRef, 64),
		restarts:  make(chan restartRequest),
		done:      make(chan struct{}),
		log:       log,
	}
	for _, opt := range opts {
		opt(s)
	}

	endpoints := make(map[string]string, len(defs))
	for _, def := range defs {
		ref := domain.InstanceRef{ModuleID: def.ID, InstanceID: 1}
		if _, dup := s.instances[ref]; dup {
			return nil, fmt.Errorf("%w: duplicate module id %d", ErrInvalidDefinition, def.ID)
		}
		inst := &instance{def: def, ref: ref, state: domain.InstanceIdle}
		switch def.Kind {
		case domain.ModuleInternal:
			m, ok := s.internal[def.Name]
			if !ok {
				return nil, fmt.Errorf("%w: no handler registered for internal module %q", ErrInvalidDefinition, def.Name)
			}
			inst.internal = m
			inst.endpoint = "internal://" + def.Name
		default:
			inst.endpoint = fmt.Sprintf("%s:%d", cfg.BaseAddress, cfg.BasePort+int(def.ID))
			if other, taken := endpoints[inst.endpoint]; taken {
				return nil, fmt.Errorf("%w: modules %q and %q share endpoint %s", ErrInvalidDefinition, other, def.Name, inst.endpoint)
			}
			endpoints[inst.endpoint] = def.Name
		}
		s.instances[ref] = inst
		s.order = append(s.order, ref)
	}
	return s, nil
}

// Run spawns every instance and then runs the control loop until ctx ends.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.done)

	for _, ref := range s.order {
		s.startWithBudget(ref)
	}

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	lastPoll := s.now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.exits:
			s.handleExit(ev)
		case f := <-s.failures:
			s.recover(f.ref, f.gen, f.cause)
		case ref := <-s.probes:
			s.sendProbe(ref)
		case req := <-s.restarts:
			req.reply <- s.handleRestart(req.moduleID)
		case <-ticker.C:
			now := s.now()
			s.checkDeadlines(now)
			if now.Sub(lastPoll) >= s.cfg.HealthInterval {
				lastPoll = now
				s.pollHealth()
			}
		}
	}
}

func (s *Supervisor) argv(inst *instance) []string {
	args := []string{
		inst.def.ConfigFile,
		strconv.FormatUint(uint64(inst.ref.InstanceID), 10),
		inst.endpoint,
		s.cfg.SubEndpoint,
		s.cfg.RepEndpoint,
	}
	return append(args, strings.Fields(inst.def.Arguments)...)
}

func (s *Supervisor) setState(inst *instance, next domain.InstanceState) error {
	if inst.state == next {
		return nil
	}
	if !inst.state.CanTransitionTo(next) {
		s.log.Warn().
			Str("module", inst.def.Name).
			Str("from", string(inst.state)).
			Str("to", string(next)).
			Msg("invalid instance transition")
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidInstanceTransition, inst.state, next)
	}
	inst.state = next
	return nil
}

// spawn starts the instance. It must only be called from the control loop.
func (s *Supervisor) spawn(ref domain.InstanceRef) error {
	s.mu.Lock()
	inst, ok := s.instances[ref]
	if !ok {
		s.mu.Unlock()
		return domain.ErrInstanceNotFound
	}
	if s.stopping.Load() {
		s.mu.Unlock()
		return domain.ErrShuttingDown
	}
	if inst.def.Kind == domain.ModuleInternal {
		err := s.setState(inst, domain.InstanceRunning)
		if err == nil {
			inst.ready = true
			inst.start = s.now()
		}
		s.mu.Unlock()
		s.updateGauge()
		return err
	}
	spec := ports.ProcessSpec{Path: inst.def.Executable, Args: s.argv(inst), Dir: inst.def.WorkingDirectory}
	s.mu.Unlock()

	proc, err := s.launcher.Start(spec)
	var pid int
	if err == nil {
		pid = proc.Pid()
	}

	s.mu.Lock()
	if err != nil {
		_ = s.setState(inst, domain.InstanceErroneous)
		s.mu.Unlock()
		return err
	}
	// Written under the lock so a concurrent teardown always sees the file.
	pidPath := pidFilePath(s.cfg.PIDDir, inst.def.Name)
	pidErr := writePIDFile(pidPath, pid)
	if s.stopping.Load() {
		_ = removePIDFile(pidPath)
		s.mu.Unlock()
		_ = proc.Kill()
		return domain.ErrShuttingDown
	}
	if err := s.setState(inst, domain.InstanceRunning); err != nil {
		_ = removePIDFile(pidPath)
		s.mu.Unlock()
		_ = proc.Kill()
		return err
	}
	inst.gen++
	gen := inst.gen
	inst.proc = proc
	inst.ready = false
	inst.dialing = false
	inst.start = s.now()
	inst.stop = time.Time{}
	inst.readyDeadline = inst.start.Add(s.cfg.ReadyTimeout)
	inst.probeDeadline = time.Time{}
	name := inst.def.Name
	s.mu.Unlock()

	go s.watch(ref, gen, proc)

	log := s.log.With().Str("module", name).Uint32("module_id", ref.ModuleID).Uint32("instance_id", ref.InstanceID).Int("pid", pid).Logger()
	if pidErr != nil {
		log.Warn().Err(pidErr).Msg("pid file not written")
	}
	log.Info().Msg("module instance spawned")
	return nil
}

// startWithBudget spawns ref, consuming restart budget for each failed
// attempt after the first.
func (s *Supervisor) startWithBudget(ref domain.InstanceRef) {
	for {
		err := s.spawn(ref)
		if err == nil {
			return
		}
		s.mu.Lock()
		inst := s.instances[ref]
		name := inst.def.Name
		retry := !s.stopping.Load() && inst.restarts < s.cfg.RestartLimit
		if retry {
			inst.restarts++
		}
		s.mu.Unlock()

		if !retry {
			s.log.Error().Err(err).Str("module", name).Msg("module instance could not be started, parked")
			return
		}
		metrics.ModuleRestartsTotal.WithLabelValues(name).Inc()
		s.log.Warn().Err(err).Str("module", name).Msg("module spawn failed, retrying")
	}
}

func (s *Supervisor) watch(ref domain.InstanceRef, gen uint64, proc ports.Process) {
	<-proc.Done()
	select {
	case s.exits <- exitEvent{ref: ref, gen: gen, err: proc.Err()}:
	case <-s.done:
	}
}

func (s *Supervisor) handleExit(ev exitEvent) {
	s.mu.RLock()
	inst, ok := s.instances[ev.ref]
	current := ok && inst.gen == ev.gen && inst.proc != nil && inst.state != domain.InstanceStopped
	s.mu.RUnlock()
	if !current {
		return
	}
	cause := errors.New("child exited")
	if ev.err != nil {
		cause = fmt.Errorf("child exited: %w", ev.err)
	}
	s.recover(ev.ref, ev.gen, cause)
}

// recover takes a failed instance down and restarts it while budget
// remains. Reports for an older child generation are ignored.
func (s *Supervisor) recover(ref domain.InstanceRef, gen uint64, cause error) {
	if s.stopping.Load() {
		return
	}
	s.mu.Lock()
	inst, ok := s.instances[ref]
	if !ok || inst.gen != gen || inst.proc == nil || inst.def.Kind == domain.ModuleInternal {
		s.mu.Unlock()
		return
	}
	if inst.state == domain.InstanceRunning {
		_ = s.setState(inst, domain.InstanceErroneous)
	}
	inst.ready = false
	inst.stop = s.now()
	sock, proc := inst.sock, inst.proc
	inst.sock, inst.proc = nil, nil
	name := inst.def.Name
	retry := inst.restarts < s.cfg.RestartLimit
	if retry {
		inst.restarts++
	}
	restarts := inst.restarts
	s.mu.Unlock()

	log := s.log.With().Str("module", name).Uint32("module_id", ref.ModuleID).Uint32("instance_id", ref.InstanceID).Logger()
	log.Warn().Err(cause).Msg("module instance failed")

	if err := s.release(sock, proc, pidFilePath(s.cfg.PIDDir, name)); err != nil {
		log.Warn().Err(err).Msg("release failed instance")
	}
	s.updateGauge()
	if s.onDown != nil {
		s.onDown(ref)
	}

	if !retry {
		log.Error().Int("restarts", restarts).Msg("restart budget exhausted, instance parked")
		return
	}
	metrics.ModuleRestartsTotal.WithLabelValues(name).Inc()
	log.Info().Int("restarts", restarts).Msg("restarting module instance")
	s.startWithBudget(ref)
}

// release closes the push socket, kills the child if it has not exited and
// removes the pid file.
func (s *Supervisor) release(sock ports.PushSocket, proc ports.Process, pidPath string) error {
	var errs *multierror.Error
	if sock != nil {
		if err := sock.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close push socket: %w", err))
		}
	}
	if proc != nil {
		select {
		case <-proc.Done():
		default:
			if err := proc.Kill(); err != nil {
				errs = multierror.Append(errs, err)
			}
			select {
			case <-proc.Done():
			case <-time.After(s.cfg.ExitGrace):
				errs = multierror.Append(errs, fmt.Errorf("pid %d not reaped after kill", proc.Pid()))
			}
		}
		if err := removePIDFile(pidPath); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (s *Supervisor) reportFailure(f failure) {
	select {
	case s.failures <- f:
	default:
		go func() {
			select {
			case s.failures <- f:
			case <-s.done:
			}
		}()
	}
}

// markErroneous takes the instance out of selection immediately; the loop
// does the rest when the failure report arrives.
func (s *Supervisor) markErroneous(ref domain.InstanceRef, gen uint64) {
	s.mu.Lock()
	if inst, ok := s.instances[ref]; ok && inst.gen == gen && inst.state == domain.InstanceRunning {
		_ = s.setState(inst, domain.InstanceErroneous)
		inst.ready = false
	}
	s.mu.Unlock()
	s.updateGauge()
}

// --- Dispatch path ---

// SelectFor returns the instance that should serve msgCode.
func (s *Supervisor) SelectFor(msgCode string) (domain.InstanceInfo, error) {
	s.mu.RLock()
	var declared bool
	var candidates []domain.InstanceInfo
	for _, ref := range s.order {
		inst := s.instances[ref]
		if !inst.def.Handles(msgCode) {
			continue
		}
		declared = true
		if inst.available() {
			candidates = append(candidates, inst.info())
		}
	}
	s.mu.RUnlock()

	if !declared {
		return domain.InstanceInfo{}, domain.ErrHandlerNotFound
	}
	inst, ok := s.selector.Select(msgCode, candidates)
	if !ok {
		return domain.InstanceInfo{}, fmt.Errorf("%w: no instance available for %s", domain.ErrModuleUnavailable, msgCode)
	}
	return inst, nil
}

// Send pushes frame to the instance. A failed send takes the instance down
// for restart and returns an error wrapping domain.ErrSendFailed.
func (s *Supervisor) Send(ref domain.InstanceRef, frame []byte) error {
	s.mu.RLock()
	inst, ok := s.instances[ref]
	if !ok {
		s.mu.RUnlock()
		return domain.ErrInstanceNotFound
	}
	if !inst.available() {
		s.mu.RUnlock()
		return fmt.Errorf("%w: instance %s is %s", domain.ErrModuleUnavailable, ref, inst.state)
	}
	if inst.internal != nil {
		def, handler := inst.def, inst.internal
		s.mu.RUnlock()
		go s.serveInternal(def, handler, frame)
		return nil
	}
	sock, gen := inst.sock, inst.gen
	s.mu.RUnlock()

	if err := sock.Send(frame); err != nil {
		s.markErroneous(ref, gen)
		s.reportFailure(failure{ref: ref, gen: gen, cause: err})
		return fmt.Errorf("%w: %s: %v", domain.ErrSendFailed, ref, err)
	}
	return nil
}

type frameHeader struct {
	ExecutionID uint32 `json:"execution_id"`
	MsgID       string `json:"msg_id"`
	MsgCode     string `json:"msg_code"`
}

func (s *Supervisor) serveInternal(def domain.ModuleDefinition, handler ports.InternalModule, frame []byte) {
	var hdr frameHeader
	_ = json.Unmarshal(frame, &hdr)

	resp, err := handler.Handle(context.Background(), def, frame)
	if err != nil {
		s.log.Error().Err(err).Str("module", def.Name).Uint32("execution_id", hdr.ExecutionID).Msg("internal module failed")
		resp, _ = json.Marshal(domain.RestResponse{
			MsgID:   hdr.MsgID,
			MsgCode: domain.CodeErrorResponse,
			Status:  500,
			Detail:  err.Error(),
		})
	}
	out, err := json.Marshal(domain.InternalResponseMessage{Response: resp, ExecutionID: hdr.ExecutionID})
	if err != nil {
		s.log.Error().Err(err).Str("module", def.Name).Msg("encode internal reply")
		return
	}
	s.sink.Deliver(out)
}

// Probe asks the loop to health-check ref now.
func (s *Supervisor) Probe(ref domain.InstanceRef) {
	select {
	case s.probes <- ref:
	default:
	}
}

// --- Control replies ---

func (s *Supervisor) findLocked(cs domain.ControlStatus, match func(*instance) bool) *instance {
	if cs.ModuleID != 0 {
		inst, ok := s.instances[domain.InstanceRef{ModuleID: cs.ModuleID, InstanceID: cs.ModuleInstanceID}]
		if ok && match(inst) {
			return inst
		}
		return nil
	}
	for _, ref := range s.order {
		inst := s.instances[ref]
		if ref.InstanceID == cs.ModuleInstanceID && match(inst) {
			return inst
		}
	}
	return nil
}

// HandleReady reacts to a module_ready frame by dialing the instance's push
// endpoint in the background.
func (s *Supervisor) HandleReady(cs domain.ControlStatus) {
	s.mu.Lock()
	inst := s.findLocked(cs, func(i *instance) bool {
		return i.internal == nil && i.state == domain.InstanceRunning && !i.ready && !i.dialing
	})
	if inst == nil {
		s.mu.Unlock()
		s.log.Warn().Uint32("module_id", cs.ModuleID).Uint32("instance_id", cs.ModuleInstanceID).Msg("ready from unknown or ready instance ignored")
		return
	}
	inst.dialing = true
	inst.readyDeadline = time.Time{}
	ref, gen, endpoint := inst.ref, inst.gen, inst.endpoint
	s.mu.Unlock()

	go s.connect(ref, gen, endpoint)
}

func (s *Supervisor) connect(ref domain.InstanceRef, gen uint64, endpoint string) {
	var sock ports.PushSocket
	dial := func() error {
		var err error
		sock, err = s.dialer.Dial(endpoint, s.cfg.SendDeadline)
		return err
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(s.cfg.DialBackoff), uint64(s.cfg.DialAttempts-1))
	err := backoff.Retry(dial, policy)

	s.mu.Lock()
	inst := s.instances[ref]
	if inst.gen != gen || inst.state != domain.InstanceRunning || s.stopping.Load() {
		if inst.gen == gen {
			inst.dialing = false
		}
		s.mu.Unlock()
		if err == nil {
			_ = sock.Close()
		}
		return
	}
	inst.dialing = false
	if err != nil {
		s.mu.Unlock()
		s.markErroneous(ref, gen)
		s.reportFailure(failure{ref: ref, gen: gen, cause: fmt.Errorf("dial %s: %w", endpoint, err)})
		return
	}
	inst.sock = sock
	inst.ready = true
	name := inst.def.Name
	s.mu.Unlock()

	s.updateGauge()
	s.log.Info().Str("module", name).Uint32("module_id", ref.ModuleID).Uint32("instance_id", ref.InstanceID).Str("endpoint", endpoint).Msg("module instance ready")
}

// HandleStatus records a get_status_response answer to a health probe.
func (s *Supervisor) HandleStatus(cs domain.ControlStatus) {
	s.mu.Lock()
	inst := s.findLocked(cs, func(i *instance) bool {
		return i.state == domain.InstanceRunning && !i.probeDeadline.IsZero()
	})
	if inst == nil {
		s.mu.Unlock()
		s.log.Debug().Uint32("instance_id", cs.ModuleInstanceID).Msg("unsolicited status reply")
		return
	}
	healthy := cs.Status == domain.ModuleStatusRunning || cs.Status == domain.ModuleStatusReady
	if healthy {
		inst.probeDeadline = time.Time{}
	}
	name := inst.def.Name
	s.mu.Unlock()

	if !healthy {
		s.log.Warn().Str("module", name).Str("status", cs.Status).Msg("module reported unhealthy status")
	}
}

func (s *Supervisor) sendProbe(ref domain.InstanceRef) {
	s.mu.Lock()
	inst, ok := s.instances[ref]
	if !ok || inst.internal != nil || !inst.available() || !inst.probeDeadline.IsZero() {
		s.mu.Unlock()
		return
	}
	sock, gen := inst.sock, inst.gen
	inst.probeDeadline = s.now().Add(s.cfg.ProbeTimeout)
	s.mu.Unlock()

	frame, _ := json.Marshal(domain.ControlRequest{
		Version:          domain.ProtocolVersion,
		MsgCode:          domain.CodeGetStatus,
		MsgID:            "probe-" + strconv.FormatUint(s.probeSeq.Add(1), 10),
		Timestamp:        s.now().Unix(),
		ModuleInstanceID: ref.InstanceID,
	})
	if err := sock.Send(frame); err != nil {
		s.markErroneous(ref, gen)
		s.recover(ref, gen, fmt.Errorf("probe send: %w", err))
	}
}

func (s *Supervisor) pollHealth() {
	for _, ref := range s.order {
		s.sendProbe(ref)
	}
}

func (s *Supervisor) checkDeadlines(now time.Time) {
	var due []failure
	s.mu.Lock()
	for _, ref := range s.order {
		inst := s.instances[ref]
		if inst.internal != nil || inst.state != domain.InstanceRunning || inst.proc == nil {
			continue
		}
		switch {
		case !inst.ready && !inst.dialing && !inst.readyDeadline.IsZero() && now.After(inst.readyDeadline):
			due = append(due, failure{ref: ref, gen: inst.gen, cause: fmt.Errorf("not ready after %s", s.cfg.ReadyTimeout)})
		case inst.ready && !inst.probeDeadline.IsZero() && now.After(inst.probeDeadline):
			due = append(due, failure{ref: ref, gen: inst.gen, cause: errors.New("health probe unanswered")})
		}
	}
	s.mu.Unlock()

	for _, f := range due {
		s.recover(f.ref, f.gen, f.cause)
	}
}

// --- Administration ---

// Restart kills and respawns every instance of moduleID and resets its
// restart budget.
func (s *Supervisor) Restart(ctx context.Context, moduleID uint32) error {
	req := restartRequest{moduleID: moduleID, reply: make(chan error, 1)}
	select {
	case s.restarts <- req:
	case <-s.done:
		return domain.ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) handleRestart(moduleID uint32) error {
	if s.stopping.Load() {
		return domain.ErrShuttingDown
	}
	var refs []domain.InstanceRef
	s.mu.Lock()
	for _, ref := range s.order {
		if ref.ModuleID == moduleID {
			refs = append(refs, ref)
		}
	}
	s.mu.Unlock()
	if len(refs) == 0 {
		return domain.ErrInstanceNotFound
	}

	for _, ref := range refs {
		s.mu.Lock()
		inst := s.instances[ref]
		if inst.state == domain.InstanceStopped {
			s.mu.Unlock()
			return fmt.Errorf("%w: instance %s is stopped", domain.ErrInvalidInstanceTransition, ref)
		}
		if inst.internal != nil {
			s.mu.Unlock()
			continue
		}
		inst.restarts = 0
		if inst.state == domain.InstanceRunning {
			_ = s.setState(inst, domain.InstanceErroneous)
		}
		inst.ready = false
		inst.stop = s.now()
		sock, proc := inst.sock, inst.proc
		inst.sock, inst.proc = nil, nil
		name := inst.def.Name
		s.mu.Unlock()

		if err := s.release(sock, proc, pidFilePath(s.cfg.PIDDir, name)); err != nil {
			s.log.Warn().Err(err).Str("module", name).Msg("release instance for restart")
		}
		s.updateGauge()
		if s.onDown != nil {
			s.onDown(ref)
		}
		s.log.Info().Str("module", name).Msg("module instance restart requested")
		s.startWithBudget(ref)
	}
	return nil
}

// KillInstance stops ref for good: the child is killed if still alive, the
// pid file removed and the endpoint released.
func (s *Supervisor) KillInstance(ref domain.InstanceRef) error {
	s.mu.Lock()
	inst, ok := s.instances[ref]
	if !ok {
		s.mu.Unlock()
		return domain.ErrInstanceNotFound
	}
	sock, proc := inst.sock, inst.proc
	inst.sock, inst.proc = nil, nil
	inst.ready = false
	if inst.state != domain.InstanceIdle {
		_ = s.setState(inst, domain.InstanceStopped)
		inst.stop = s.now()
	}
	name := inst.def.Name
	s.mu.Unlock()

	s.updateGauge()
	if err := s.release(sock, proc, pidFilePath(s.cfg.PIDDir, name)); err != nil {
		return fmt.Errorf("kill instance %s: %w", ref, err)
	}
	return nil
}

// ShutdownAll asks every connected instance to exit, waits up to the exit
// grace period and kills whatever is left. No restarts happen afterwards.
func (s *Supervisor) ShutdownAll(ctx context.Context) error {
	type target struct {
		ref  domain.InstanceRef
		sock ports.PushSocket
		proc ports.Process
	}

	s.mu.Lock()
	s.stopping.Store(true)
	targets := make([]target, 0, len(s.order))
	for _, ref := range s.order {
		inst := s.instances[ref]
		targets = append(targets, target{ref: ref, sock: inst.sock, proc: inst.proc})
	}
	s.mu.Unlock()

	var errs *multierror.Error
	exitFrame, _ := json.Marshal(domain.ControlRequest{
		Version:  domain.ProtocolVersion,
		MsgCode:  domain.CodeExit,
		ExitCode: s.cfg.ExitCode,
	})
	for _, t := range targets {
		if t.sock == nil {
			continue
		}
		if err := t.sock.Send(exitFrame); err != nil {
			s.log.Warn().Err(err).Str("instance", t.ref.String()).Msg("exit message not delivered")
		}
	}

	grace := time.NewTimer(s.cfg.ExitGrace)
	defer grace.Stop()
wait:
	for _, t := range targets {
		if t.proc == nil {
			continue
		}
		select {
		case <-t.proc.Done():
		case <-grace.C:
			break wait
		case <-ctx.Done():
			break wait
		}
	}

	for _, t := range targets {
		if err := s.KillInstance(t.ref); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	s.log.Info().Int("instances", len(targets)).Msg("module instances shut down")
	return errs.ErrorOrNil()
}

// --- Introspection ---

// Instances returns a snapshot of every instance in module-id order.
func (s *Supervisor) Instances() []domain.InstanceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.InstanceInfo, 0, len(s.order))
	for _, ref := range s.order {
		out = append(out, s.instances[ref].info())
	}
	return out
}

// Definitions returns the loaded module definitions in module-id order.
func (s *Supervisor) Definitions() []domain.ModuleDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ModuleDefinition, 0, len(s.order))
	for _, ref := range s.order {
		out = append(out, s.instances[ref].def)
	}
	return out
}

// Definition returns the first definition declaring msgCode.
func (s *Supervisor) Definition(msgCode string) (domain.ModuleDefinition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ref := range s.order {
		if def := s.instances[ref].def; def.Handles(msgCode) {
			return def, true
		}
	}
	return domain.ModuleDefinition{}, false
}

// AvailableCount returns the number of instances accepting dispatches.
func (s *Supervisor) AvailableCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, inst := range s.instances {
		if inst.available() {
			n++
		}
	}
	return n
}

func (s *Supervisor) updateGauge() {
	metrics.ModuleInstancesAvailable.Set(float64(s.AvailableCount()))
}
