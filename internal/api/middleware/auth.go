package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/orbitalops/fds-service/internal/core/domain"
	"github.com/orbitalops/fds-service/internal/core/ports"
)

// Context keys set by Auth.
const (
	ContextUser = "user"
	ContextRole = "role"
)

// Auth resolves the bearer token through authorizer and injects the user
// and its role into the context.
func Auth(authorizer ports.TokenAuthorizer) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization header")
			}

			user, err := authorizer.Authorize(c.Request().Context(), parts[1])
			if err != nil {
				var ae *domain.AuthError
				if errors.As(err, &ae) {
					return echo.NewHTTPError(ae.Reason.Status(), ae.Error())
				}
				return err
			}

			c.Set(ContextUser, user)
			c.Set(ContextRole, string(user.Role))

			return next(c)
		}
	}
}
