package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/orbitalops/fds-service/internal/core/domain"
)

// ExecutionLister exposes the live execution table.
type ExecutionLister interface {
	Snapshot() []domain.ExecutionRecord
}

// ModuleAdmin exposes the supervisor operations the admin routes need.
type ModuleAdmin interface {
	Instances() []domain.InstanceInfo
	Restart(ctx context.Context, moduleID uint32) error
}

type AdminHandler struct {
	executions ExecutionLister
	modules    ModuleAdmin
	log        zerolog.Logger
}

func NewAdminHandler(executions ExecutionLister, modules ModuleAdmin, log zerolog.Logger) *AdminHandler {
	return &AdminHandler{executions: executions, modules: modules, log: log}
}

type executionsResponse struct {
	Count      int                      `json:"count"`
	Executions []domain.ExecutionRecord `json:"executions"`
}

type modulesResponse struct {
	Count     int                   `json:"count"`
	Instances []domain.InstanceInfo `json:"instances"`
}

type restartRequest struct {
	ModuleID uint32 `param:"module_id" validate:"gt=0"`
}

// Executions lists the executions currently in the table.
//
// @Summary   Live executions
// @Tags      admin
// @Produce   json
// @Security  BearerAuth
// @Success   200  {object}  executionsResponse
// @Failure   401  {object}  domain.RestResponse
// @Failure   403  {object}  domain.RestResponse
// @Router    /admin/executions [get]
func (h *AdminHandler) Executions(c echo.Context) error {
	recs := h.executions.Snapshot()
	if recs == nil {
		recs = []domain.ExecutionRecord{}
	}
	return c.JSON(http.StatusOK, executionsResponse{Count: len(recs), Executions: recs})
}

// Modules lists every module instance.
//
// @Summary   Module instances
// @Tags      admin
// @Produce   json
// @Security  BearerAuth
// @Success   200  {object}  modulesResponse
// @Failure   401  {object}  domain.RestResponse
// @Failure   403  {object}  domain.RestResponse
// @Router    /admin/modules [get]
func (h *AdminHandler) Modules(c echo.Context) error {
	infos := h.modules.Instances()
	if infos == nil {
		infos = []domain.InstanceInfo{}
	}
	return c.JSON(http.StatusOK, modulesResponse{Count: len(infos), Instances: infos})
}

// Restart kills and respawns the instances of a module with a fresh
// restart budget.
//
// @Summary   Restart a module
// @Tags      admin
// @Produce   json
// @Security  BearerAuth
// @Param     module_id  path  int  true  "Module id"
// @Success   202
// @Failure   400  {object}  domain.RestResponse
// @Failure   404  {object}  domain.RestResponse
// @Router    /admin/modules/{module_id}/restart [post]
func (h *AdminHandler) Restart(c echo.Context) error {
	var req restartRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid module id")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	user, err := ctxUser(c)
	if err != nil {
		return err
	}

	if err := h.modules.Restart(c.Request().Context(), req.ModuleID); err != nil {
		return err
	}
	h.log.Info().Uint32("module_id", req.ModuleID).Str("user_id", user.ID).Msg("module restart requested")
	return c.NoContent(http.StatusAccepted)
}
