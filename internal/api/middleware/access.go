package middleware

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/orbitalops/fds-service/internal/core/domain"
	"github.com/orbitalops/fds-service/internal/core/ports"
)

// AccessAudit records one audit row per request before handling it. The
// sink never blocks.
func AccessAudit(sink ports.AuditSink) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			sink.RecordAccess(domain.HTTPAccess{
				Timestamp: time.Now().UTC(),
				PeerIP:    c.RealIP(),
				Hostname:  req.Host,
				Operation: req.Method + " " + req.URL.Path,
			})
			return next(c)
		}
	}
}
