package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/orbitalops/fds-service/internal/api/middleware"
	"github.com/orbitalops/fds-service/internal/core/domain"
)

// ctxUser extracts the user injected by the Auth middleware. A missing user
// means the route was registered without Auth.
func ctxUser(c echo.Context) (*domain.User, error) {
	user, ok := c.Get(middleware.ContextUser).(*domain.User)
	if !ok || user == nil {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "missing authentication claims")
	}
	return user, nil
}
