package handler

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/orbitalops/fds-service/internal/core/domain"
)

// ControlHandler serves the service-level routes that need no module.
type ControlHandler struct {
	status   func() domain.ServiceStatus
	version  string
	stopWord string
	stop     func()
	log      zerolog.Logger
}

// NewControlHandler creates the handler. stop is invoked once, in its own
// goroutine, when /stop receives the configured word.
func NewControlHandler(status func() domain.ServiceStatus, version, stopWord string, stop func(), log zerolog.Logger) *ControlHandler {
	return &ControlHandler{status: status, version: version, stopWord: stopWord, stop: stop, log: log}
}

type statusResponse struct {
	Status string `json:"status"`
}

type versionResponse struct {
	Version string `json:"version"`
}

// Status reports the coarse service state.
//
// @Summary  Service status
// @Tags     control
// @Produce  json
// @Success  200  {object}  statusResponse
// @Router   /status [get]
func (h *ControlHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{Status: string(h.status())})
}

// Version reports the service version.
//
// @Summary  Service version
// @Tags     control
// @Produce  json
// @Success  200  {object}  versionResponse
// @Router   /version [get]
func (h *ControlHandler) Version(c echo.Context) error {
	return c.JSON(http.StatusOK, versionResponse{Version: h.version})
}

// Stop halts the service when the secret matches the stop word.
//
// @Summary  Halt the service
// @Tags     control
// @Produce  json
// @Param    secret  path      string  true  "Stop word"
// @Success  202     {object}  statusResponse
// @Failure  403     {object}  domain.RestResponse
// @Router   /stop/{secret} [post]
func (h *ControlHandler) Stop(c echo.Context) error {
	secret := c.Param("secret")
	if h.stopWord == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(h.stopWord)) != 1 {
		h.log.Warn().Str("remote_ip", c.RealIP()).Msg("stop requested with wrong secret")
		return echo.NewHTTPError(http.StatusForbidden, "invalid stop secret")
	}

	h.log.Info().Str("remote_ip", c.RealIP()).Msg("stop requested")
	if h.stop != nil {
		go h.stop()
	}
	return c.JSON(http.StatusAccepted, statusResponse{Status: "Stopping"})
}
