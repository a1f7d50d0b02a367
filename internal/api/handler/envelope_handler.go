package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/orbitalops/fds-service/internal/core/domain"
)

// EnvelopeDispatcher serves one request envelope.
type EnvelopeDispatcher interface {
	Handle(ctx context.Context, req *domain.RestRequest) domain.RestResponse
}

type EnvelopeHandler struct {
	dispatcher EnvelopeDispatcher
	log        zerolog.Logger
}

func NewEnvelopeHandler(dispatcher EnvelopeDispatcher, log zerolog.Logger) *EnvelopeHandler {
	return &EnvelopeHandler{dispatcher: dispatcher, log: log}
}

// Dispatch runs the envelope posted to /<code>. The HTTP status mirrors the
// status field of the response envelope.
//
// @Summary      Dispatch an operation
// @Description  Built-in codes (register, login, logout, deregister) are served locally; every other code is routed to the module that declares it.
// @Tags         dispatch
// @Accept       json
// @Produce      json
// @Param        code  path      string               true  "Operation code, must equal msg_code"
// @Param        body  body      domain.RestRequest   true  "Request envelope"
// @Success      200   {object}  domain.RestResponse
// @Failure      400   {object}  domain.RestResponse
// @Failure      401   {object}  domain.RestResponse
// @Failure      403   {object}  domain.RestResponse
// @Failure      404   {object}  domain.RestResponse
// @Failure      503   {object}  domain.RestResponse
// @Failure      504   {object}  domain.RestResponse
// @Router       /{code} [post]
func (h *EnvelopeHandler) Dispatch(c echo.Context) error {
	code := c.Param("code")
	if code == "" {
		code = strings.TrimPrefix(c.Path(), "/")
	}

	var req domain.RestRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return echo.NewHTTPError(http.StatusBadRequest, "empty request body")
		}
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload").SetInternal(err)
	}
	if req.MsgCode == "" {
		req.MsgCode = code
	}
	if req.MsgCode != code {
		return c.JSON(http.StatusBadRequest, domain.RestResponse{
			MsgID:   req.MsgID,
			MsgCode: domain.CodeErrorResponse,
			Status:  http.StatusBadRequest,
			Detail:  "msg_code does not match route",
		})
	}

	ctx := c.Request().Context()
	resp := h.dispatcher.Handle(ctx, &req)
	if ctx.Err() != nil {
		h.log.Debug().Str("msg_id", req.MsgID).Str("msg_code", req.MsgCode).Msg("client gone, response discarded")
		return nil
	}
	return c.JSON(resp.Status, resp)
}
