package api

import (
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	echoSwagger "github.com/swaggo/echo-swagger"

	_ "github.com/orbitalops/fds-service/docs"
	"github.com/orbitalops/fds-service/internal/api/handler"
	"github.com/orbitalops/fds-service/internal/api/middleware"
	"github.com/orbitalops/fds-service/internal/core/domain"
	"github.com/orbitalops/fds-service/internal/core/ports"
)

const bodyLimit = "2M"

// Modules is the supervisor surface the REST boundary reads.
type Modules interface {
	handler.ModuleAdmin
	handler.DefinitionFinder
	AvailableCount() int
}

// Deps groups what NewRouter wires into the routes. Audit, Checks and
// Registerer are optional.
type Deps struct {
	Dispatcher handler.EnvelopeDispatcher
	Tokens     ports.TokenAuthorizer
	Executions handler.ExecutionLister
	Modules    Modules
	Audit      ports.AuditSink
	Checks     map[string]handler.Pinger

	Status   func() domain.ServiceStatus
	Version  string
	StopWord string
	Stop     func()

	RateLimitPerSecond float64

	// Registerer enables the HTTP metrics middleware and /metrics. Gatherer
	// defaults to prometheus.DefaultGatherer.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	Log zerolog.Logger
}

// NewRouter builds and returns the Echo instance with all routes registered.
func NewRouter(deps Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = NewHTTPErrorHandler(deps.Log)
	e.Validator = handler.NewValidator()

	// --- Global middleware ---
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.RequestID())
	e.Use(echomiddleware.BodyLimit(bodyLimit))
	e.Use(middleware.RequestLogger(deps.Log))
	if deps.Audit != nil {
		e.Use(middleware.AccessAudit(deps.Audit))
	}
	if deps.Registerer != nil {
		e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
			Subsystem:  "fds_http",
			Registerer: deps.Registerer,
		}))
		gatherer := deps.Gatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: gatherer}))
	}

	// --- Dependencies ---
	envelopeHandler := handler.NewEnvelopeHandler(deps.Dispatcher, deps.Log)
	controlHandler := handler.NewControlHandler(deps.Status, deps.Version, deps.StopWord, deps.Stop, deps.Log)
	adminHandler := handler.NewAdminHandler(deps.Executions, deps.Modules, deps.Log)
	usageHandler := handler.NewUsageHandler(deps.Modules)
	authMiddleware := middleware.Auth(deps.Tokens)
	adminOnly := middleware.RBAC(domain.RoleAdministrator, domain.RoleMissionAdministrator)

	// --- Control routes ---
	e.GET("/status", controlHandler.Status)
	e.GET("/version", controlHandler.Version)
	e.POST("/stop/:secret", controlHandler.Stop)
	e.GET("/usage/:operation", usageHandler.Usage)

	// --- Credential routes ---
	limiter := middleware.RateLimit(deps.RateLimitPerSecond)
	e.POST("/register", envelopeHandler.Dispatch, limiter)
	e.POST("/login", envelopeHandler.Dispatch, limiter)
	e.POST("/logout", envelopeHandler.Dispatch)
	e.POST("/deregister", envelopeHandler.Dispatch)

	// --- Module dispatch ---
	e.POST("/:code", envelopeHandler.Dispatch)

	// --- Administration ---
	admin := e.Group("/admin", authMiddleware, adminOnly)
	admin.GET("/executions", adminHandler.Executions)
	admin.GET("/modules", adminHandler.Modules)
	admin.POST("/modules/:module_id/restart", adminHandler.Restart)

	// --- Health probes (no auth required) ---
	healthHandler := handler.NewHealthHandler()
	healthDepsHandler := handler.NewHealthDependenciesHandler(deps.Checks, deps.Modules.AvailableCount)

	e.GET("/health", healthHandler.Liveness)            // liveness  – is the process alive?
	e.GET("/health/ready", healthDepsHandler.Readiness) // readiness – are dependencies up?

	e.GET("/swagger/*", echoSwagger.WrapHandler)

	return e
}
