// Package app assembles the service from its configuration and owns its
// lifecycle: construction, the running loops and the ordered shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/orbitalops/fds-service/internal/api"
	"github.com/orbitalops/fds-service/internal/api/handler"
	"github.com/orbitalops/fds-service/internal/core/domain"
	"github.com/orbitalops/fds-service/internal/core/execution"
	"github.com/orbitalops/fds-service/internal/core/ports"
	"github.com/orbitalops/fds-service/internal/core/service"
	"github.com/orbitalops/fds-service/internal/core/supervisor"
	"github.com/orbitalops/fds-service/internal/infrastructure/config"
	"github.com/orbitalops/fds-service/internal/infrastructure/db/memory"
	"github.com/orbitalops/fds-service/internal/infrastructure/db/mongo"
	"github.com/orbitalops/fds-service/internal/infrastructure/db/postgres"
	redisdb "github.com/orbitalops/fds-service/internal/infrastructure/db/redis"
	"github.com/orbitalops/fds-service/internal/infrastructure/messaging"
	"github.com/orbitalops/fds-service/internal/infrastructure/queue"
)

// Version is the service version reported on /version and to modules.
// It is overridden at build time with -ldflags.
var Version = "0.1.0"

const (
	shutdownTimeout   = 15 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Option customizes a Service. Production code uses none.
type Option func(*options)

type options struct {
	launcher    ports.ProcessLauncher
	dialer      ports.PushDialer
	defs        []domain.ModuleDefinition
	defsSet     bool
	registerer  prometheus.Registerer
	gatherer    prometheus.Gatherer
	extraModule map[string]ports.InternalModule
}

// WithLauncher replaces the os/exec process launcher.
func WithLauncher(l ports.ProcessLauncher) Option {
	return func(o *options) { o.launcher = l }
}

// WithDialer replaces the mangos push dialer.
func WithDialer(d ports.PushDialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithDefinitions skips the definitions file and uses defs instead.
func WithDefinitions(defs []domain.ModuleDefinition) Option {
	return func(o *options) {
		o.defs = defs
		o.defsSet = true
	}
}

// WithInternalModule registers an in-process handler for the Internal
// definition called name.
func WithInternalModule(name string, m ports.InternalModule) Option {
	return func(o *options) { o.extraModule[name] = m }
}

// WithMetrics sets the registry the HTTP metrics are registered on and
// served from.
func WithMetrics(reg prometheus.Registerer, gatherer prometheus.Gatherer) Option {
	return func(o *options) {
		o.registerer = reg
		o.gatherer = gatherer
	}
}

// sinkFunc adapts a function to ports.ReplySink.
type sinkFunc func([]byte)

func (f sinkFunc) Deliver(frame []byte) { f(frame) }

// Service is one running instance of the dispatch service.
type Service struct {
	cfg   *config.Config
	log   zerolog.Logger
	runID string

	status atomic.Value

	users      ports.CredentialStore
	audit      *queue.AuditWriter
	table      *execution.Table
	sup        *supervisor.Supervisor
	replies    *queue.ReplyRouter
	responder  *messaging.ControlResponder
	dispatcher *service.Dispatcher
	echo       *echo.Echo
	server     *http.Server
	listener   net.Listener
	redis      *goredis.Client
	closers    []func(context.Context) error

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds every component. Failures here are unrecoverable startup
// errors; whatever was opened is closed again.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger, opts ...Option) (_ *Service, err error) {
	o := options{
		launcher:    supervisor.ExecLauncher{},
		dialer:      messaging.PushDialer{},
		registerer:  prometheus.DefaultRegisterer,
		gatherer:    prometheus.DefaultGatherer,
		extraModule: make(map[string]ports.InternalModule),
	}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Service{
		cfg:    cfg,
		runID:  uuid.NewString(),
		stopCh: make(chan struct{}),
	}
	s.log = log.With().Str("run_id", s.runID).Logger()
	s.status.Store(domain.ServiceNone)

	var sockets []func() error
	defer func() {
		if err != nil {
			for _, closeSocket := range sockets {
				_ = closeSocket()
			}
			_ = s.closeResources(context.Background())
		}
	}()

	auditRepo, err := s.openStore(ctx)
	if err != nil {
		return nil, err
	}

	hasher, err := service.NewPasswordHasher(cfg.PasswordScheme)
	if err != nil {
		return nil, err
	}
	tokens := service.NewTokenService(service.TokenConfig{
		Secret:            cfg.SecretKey,
		Issuer:            cfg.Issuer,
		TTL:               cfg.TokenTTL(),
		PermittedLicenses: cfg.Licenses(),
	}, s.users)
	auth := service.NewAuthService(s.users, tokens, hasher, domain.LicenseTier(cfg.DefaultLicense), s.log.With().Str("component", "auth").Logger())

	s.audit = queue.NewAuditWriter(auditRepo, s.runID, s.log.With().Str("component", "audit").Logger())
	s.table = execution.NewTable(cfg.ExecutionTTL(), s.log.With().Str("component", "executions").Logger(), execution.WithAuditSink(s.audit))

	defs := o.defs
	if !o.defsSet {
		if defs, err = supervisor.LoadDefinitions(cfg.ModulesDefinitionFile); err != nil {
			return nil, err
		}
	}
	defs = supervisor.WithCatalog(defs)

	catalog := supervisor.NewCatalog()
	supOpts := []supervisor.Option{
		supervisor.WithInternalModule(supervisor.CatalogModuleName, catalog),
		supervisor.WithInstanceDownHook(func(ref domain.InstanceRef) {
			if n := s.table.CancelInstance(ref, domain.CancelModuleFailure); n > 0 {
				s.log.Warn().Str("instance", ref.String()).Int("count", n).Msg("executions cancelled by module failure")
			}
		}),
	}
	for name, m := range o.extraModule {
		supOpts = append(supOpts, supervisor.WithInternalModule(name, m))
	}
	timings := cfg.SupervisorTimings()
	sup, err := supervisor.New(supervisor.Config{
		BaseAddress:    cfg.ModulesBaseAddress,
		BasePort:       cfg.ModulesBasePort,
		SubEndpoint:    cfg.SubAddress,
		RepEndpoint:    cfg.RepAddress,
		PIDDir:         cfg.PIDDir,
		RestartLimit:   cfg.RestartLimit,
		ReadyTimeout:   timings.ReadyTimeout,
		HealthInterval: timings.HealthInterval,
		DialAttempts:   cfg.DialAttempts,
		DialBackoff:    timings.DialBackoff,
		SendDeadline:   timings.SendDeadline,
		ExitGrace:      timings.ExitGrace,
		ExitCode:       cfg.ModuleExitCode,
	}, defs, o.launcher, o.dialer, sinkFunc(func(frame []byte) { s.replies.Deliver(frame) }),
		s.log.With().Str("component", "supervisor").Logger(), supOpts...)
	if err != nil {
		return nil, err
	}
	catalog.Bind(sup)
	s.sup = sup

	sub, err := messaging.Listen(cfg.SubAddress)
	if err != nil {
		return nil, err
	}
	sockets = append(sockets, sub.Close)
	s.replies = queue.NewReplyRouter(sub, s.table, sup, s.log.With().Str("component", "replies").Logger())

	s.responder, err = messaging.ListenControl(cfg.RepAddress, Version, s.Status, s.log.With().Str("component", "control").Logger())
	if err != nil {
		return nil, err
	}
	sockets = append(sockets, s.responder.Close)

	deps := service.DispatcherDeps{
		Auth:    auth,
		Tokens:  tokens,
		Table:   s.table,
		Modules: sup,
		Status:  s.Status,
	}
	checks := map[string]handler.Pinger{"store": s.users}
	if cfg.Redis.Addr != "" {
		client, err := redisdb.Connect(ctx, redisdb.Config{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		if err != nil {
			return nil, err
		}
		s.redis = client
		dedup := redisdb.NewDedupChecker(client, cfg.DedupTTL())
		deps.Dedup = dedup
		checks["redis"] = dedup
	}
	s.dispatcher = service.NewDispatcher(deps, service.DispatcherConfig{
		Version:         Version,
		Timeout:         cfg.ExecutionTimeout(),
		MessageTimeouts: cfg.MessageTimeoutMap(),
	}, s.log.With().Str("component", "dispatcher").Logger())

	s.echo = api.NewRouter(api.Deps{
		Dispatcher:         s.dispatcher,
		Tokens:             tokens,
		Executions:         s.table,
		Modules:            sup,
		Audit:              s.audit,
		Checks:             checks,
		Status:             s.Status,
		Version:            Version,
		StopWord:           cfg.StopWord,
		Stop:               s.Stop,
		RateLimitPerSecond: float64(cfg.RateLimitPerSecond),
		Registerer:         o.registerer,
		Gatherer:           o.gatherer,
		Log:                s.log.With().Str("component", "http").Logger(),
	})

	s.listener, err = net.Listen("tcp", cfg.HTTPAddress)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.HTTPAddress, err)
	}
	s.server = &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s, nil
}

// openStore sets s.users and returns the audit repository of the
// configured driver.
func (s *Service) openStore(ctx context.Context) (ports.AuditRepository, error) {
	switch s.cfg.Store.Driver {
	case config.DriverPostgres:
		pool, err := postgres.Connect(ctx, postgres.Config{DSN: s.cfg.Store.PostgresDSN})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func(context.Context) error {
			pool.Close()
			return nil
		})
		s.users = postgres.NewUserRepository(pool)
		return postgres.NewAuditRepository(pool), nil
	case config.DriverMongo:
		store, err := mongo.Open(ctx, mongo.Config{URI: s.cfg.Store.MongoURI, Database: s.cfg.Store.MongoDatabase})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, store.Close)
		s.users = store.Users
		return store.Audit, nil
	default:
		store := memory.NewStore()
		s.users = store
		return store, nil
	}
}

// Status reports the coarse service state.
func (s *Service) Status() domain.ServiceStatus {
	return s.status.Load().(domain.ServiceStatus)
}

// Addr returns the bound HTTP address.
func (s *Service) Addr() string {
	return s.listener.Addr().String()
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Service) Handler() http.Handler {
	return s.echo
}

// RunID identifies this process run in the execution audit.
func (s *Service) RunID() string {
	return s.runID
}

// Stop asks Run to shut down. It is safe to call more than once and from
// any goroutine.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Run starts every loop and blocks until ctx ends, Stop is called or a
// loop fails. It then shuts down in order and returns the teardown errors.
func (s *Service) Run(ctx context.Context) error {
	loopCtx, cancelLoops := context.WithCancel(context.Background())
	defer cancelLoops()

	s.audit.Start()

	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error { return s.sup.Run(gctx) })
	g.Go(func() error { return s.replies.Run(gctx) })
	g.Go(func() error { return s.responder.Run(gctx) })
	g.Go(func() error {
		s.table.RunSweeper(gctx, s.cfg.SweepInterval())
		return nil
	})

	serveErr := make(chan error, 1)
	go func() {
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("http server: %w", err)
		}
		close(serveErr)
	}()

	s.status.Store(domain.ServiceRunning)
	s.log.Info().Str("address", s.Addr()).Str("version", Version).Msg("service started")

	var runErr error
	select {
	case <-ctx.Done():
		s.log.Info().Msg("context done, shutting down")
	case <-s.stopCh:
		s.log.Info().Msg("stop requested, shutting down")
	case <-gctx.Done():
		s.log.Error().Msg("service loop ended, shutting down")
	case err := <-serveErr:
		runErr = err
		s.log.Error().Err(err).Msg("http server failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.shutdown(shutdownCtx, runErr, cancelLoops, g)
}

// shutdown stops intake, cancels in-flight executions, stops modules,
// drains the audit queue and closes the stores, in that order.
func (s *Service) shutdown(ctx context.Context, runErr error, cancelLoops context.CancelFunc, g *errgroup.Group) error {
	var errs *multierror.Error
	if runErr != nil {
		errs = multierror.Append(errs, runErr)
	}

	s.dispatcher.Stop()
	if n := s.table.CancelAll(domain.CancelShutdown); n > 0 {
		s.log.Info().Int("count", n).Msg("in-flight executions cancelled")
	}

	if err := s.server.Shutdown(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.sup.ShutdownAll(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("module shutdown: %w", err))
	}

	cancelLoops()
	if err := g.Wait(); err != nil {
		errs = multierror.Append(errs, err)
	}

	if err := s.audit.Close(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("audit flush: %w", err))
	}
	if err := s.closeResources(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}

	s.status.Store(domain.ServiceStopped)
	s.log.Info().Msg("service stopped")
	return errs.ErrorOrNil()
}

func (s *Service) closeResources(ctx context.Context) error {
	var errs *multierror.Error
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("redis close: %w", err))
		}
		s.redis = nil
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	s.closers = nil
	return errs.ErrorOrNil()
}
