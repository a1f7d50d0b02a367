package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/orbitalops/fds-service/internal/core/domain"
	"github.com/orbitalops/fds-service/internal/core/execution"
	"github.com/orbitalops/fds-service/internal/core/ports"
	"github.com/orbitalops/fds-service/internal/metrics"
	"github.com/orbitalops/fds-service/pkg/validation"
)

const defaultExecutionTimeout = 60 * time.Second

// ModuleRouter is the part of the module supervisor the dispatcher needs.
type ModuleRouter interface {
	SelectFor(msgCode string) (domain.InstanceInfo, error)
	Send(ref domain.InstanceRef, frame []byte) error
	// Probe asks the supervisor to check the instance health out of band.
	Probe(ref domain.InstanceRef)
}

// Deduplicator reports whether (user, code, msg id) was already dispatched
// and marks it as seen.
type Deduplicator interface {
	IsDuplicate(ctx context.Context, userID, msgCode, msgID string) (bool, error)
}

// DispatcherConfig holds the request-path settings.
type DispatcherConfig struct {
	Version         string
	Timeout         time.Duration
	MessageTimeouts map[string]time.Duration
}

// DispatcherDeps groups the collaborators of a Dispatcher. Dedup may be nil.
type DispatcherDeps struct {
	Auth    ports.AuthService
	Tokens  ports.TokenAuthorizer
	Table   *execution.Table
	Modules ModuleRouter
	Dedup   Deduplicator
	Status  func() domain.ServiceStatus
}

// Dispatcher runs one REST envelope through validation, authorization and
// either a built-in handler or a module round trip.
type Dispatcher struct {
	deps     DispatcherDeps
	cfg      DispatcherConfig
	validate *validator.Validate
	stopping atomic.Bool
	log      zerolog.Logger
}

func NewDispatcher(deps DispatcherDeps, cfg DispatcherConfig, log zerolog.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultExecutionTimeout
	}
	if deps.Status == nil {
		deps.Status = func() domain.ServiceStatus { return domain.ServiceRunning }
	}
	return &Dispatcher{deps: deps, cfg: cfg, validate: validation.New(), log: log}
}

// Stop makes the dispatcher refuse every new request except get_status.
func (d *Dispatcher) Stop() {
	d.stopping.Store(true)
}

// TimeoutFor returns the wait timeout applied to msgCode.
func (d *Dispatcher) TimeoutFor(msgCode string) time.Duration {
	if t, ok := d.cfg.MessageTimeouts[msgCode]; ok && t > 0 {
		return t
	}
	return d.cfg.Timeout
}

// Handle serves req. It always returns an envelope; when ctx ended before
// the reply arrived the envelope carries a client_gone cancellation and
// should not be written.
func (d *Dispatcher) Handle(ctx context.Context, req *domain.RestRequest) domain.RestResponse {
	if err := d.validateEnvelope(req); err != nil {
		return d.fail(req, err)
	}
	if d.stopping.Load() && req.MsgCode != domain.CodeGetStatus {
		return d.fail(req, domain.ErrShuttingDown)
	}

	switch req.MsgCode {
	case domain.CodeRegister:
		return d.register(ctx, req)
	case domain.CodeLogin:
		return d.login(ctx, req)
	}

	user, err := d.deps.Tokens.Authorize(ctx, req.AuthenticationKey)
	if err != nil {
		return d.fail(req, err)
	}

	switch req.MsgCode {
	case domain.CodeLogout:
		if err := d.deps.Auth.Logout(ctx, user.ID); err != nil {
			return d.fail(req, err)
		}
		return d.ok(req, nil)
	case domain.CodeDeregister:
		if err := d.deps.Auth.Deregister(ctx, user.ID); err != nil {
			return d.fail(req, err)
		}
		return d.ok(req, nil)
	case domain.CodeGetStatus:
		return d.ok(req, map[string]string{"status": string(d.deps.Status())})
	case domain.CodeGetVersion:
		return d.ok(req, map[string]string{"version": d.cfg.Version})
	}
	return d.dispatch(ctx, req, user)
}

func (d *Dispatcher) validateEnvelope(req *domain.RestRequest) error {
	if err := d.validate.Struct(req); err != nil {
		return invalidEnvelope(err)
	}
	if domain.RequiresAuth(req.MsgCode) && req.AuthenticationKey == "" {
		return &domain.AuthError{Reason: domain.AuthMissingToken, Detail: "missing authentication key"}
	}
	return nil
}

func invalidEnvelope(err error) error {
	if msg, ok := validation.Message(err); ok {
		return fmt.Errorf("%w: %s", domain.ErrInvalidEnvelope, msg)
	}
	return fmt.Errorf("%w: %v", domain.ErrInvalidEnvelope, err)
}

// --- Built-ins ---

type registerParams struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
	Email    string `json:"email"    validate:"required,email"`
}

type loginParams struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (d *Dispatcher) decodeParams(req *domain.RestRequest, dst any) error {
	if err := req.DecodeParams(dst); err != nil {
		return err
	}
	if err := d.validate.Struct(dst); err != nil {
		return invalidEnvelope(err)
	}
	return nil
}

func (d *Dispatcher) register(ctx context.Context, req *domain.RestRequest) domain.RestResponse {
	var p registerParams
	if err := d.decodeParams(req, &p); err != nil {
		return d.fail(req, err)
	}
	user, err := d.deps.Auth.Register(ctx, p.Username, p.Password, p.Email)
	if err != nil {
		return d.fail(req, err)
	}
	resp := d.ok(req, nil)
	resp.UserID = user.ID
	return resp
}

func (d *Dispatcher) login(ctx context.Context, req *domain.RestRequest) domain.RestResponse {
	var p loginParams
	if err := d.decodeParams(req, &p); err != nil {
		return d.fail(req, err)
	}
	token, user, err := d.deps.Auth.Login(ctx, p.Username, p.Password)
	if err != nil {
		return d.fail(req, err)
	}
	resp := d.ok(req, nil)
	resp.AuthenticationKey = token
	resp.UserID = user.ID
	return resp
}

// --- Module round trip ---

func (d *Dispatcher) dispatch(ctx context.Context, req *domain.RestRequest, user *domain.User) domain.RestResponse {
	inst, err := d.deps.Modules.SelectFor(req.MsgCode)
	if err != nil {
		return d.fail(req, err)
	}

	if d.deps.Dedup != nil {
		dup, err := d.deps.Dedup.IsDuplicate(ctx, user.ID, req.MsgCode, req.MsgID)
		switch {
		case err != nil:
			d.log.Warn().Err(err).Str("msg_id", req.MsgID).Msg("dedup check failed, continuing")
		case dup:
			return d.fail(req, domain.ErrDuplicateMessage)
		}
	}

	id, handle, err := d.deps.Table.Open(execution.OpenParams{
		MsgID:      req.MsgID,
		MsgCode:    req.MsgCode,
		UserID:     user.ID,
		ModuleID:   inst.ModuleID,
		InstanceID: inst.InstanceID,
		Timeout:    d.TimeoutFor(req.MsgCode),
	})
	if err != nil {
		return d.fail(req, err)
	}
	log := d.log.With().
		Uint32("execution_id", id).
		Str("msg_id", req.MsgID).
		Str("msg_code", req.MsgCode).
		Str("module", inst.ModuleName).
		Uint32("instance_id", inst.InstanceID).
		Str("user_id", user.ID).
		Logger()

	start := time.Now()
	defer func() {
		final, err := d.deps.Table.Close(id)
		if err != nil {
			log.Warn().Err(err).Msg("close execution")
			return
		}
		metrics.DispatchDuration.WithLabelValues(req.MsgCode).Observe(time.Since(start).Seconds())
		log.Debug().Str("status", string(final.Status)).Msg("execution closed")
	}()

	// Stop can land between the intake check and Open.
	if d.stopping.Load() {
		_ = d.deps.Table.Cancel(id, domain.CancelShutdown)
		return d.fail(req, domain.ErrShuttingDown)
	}

	frame, err := req.ModuleFrame(user.ID, id)
	if err != nil {
		_ = d.deps.Table.Cancel(id, domain.CancelSendFailure)
		return d.fail(req, fmt.Errorf("%w: %v", domain.ErrInvalidEnvelope, err))
	}
	if err := d.deps.Modules.Send(inst.InstanceRef, frame); err != nil {
		_ = d.deps.Table.Cancel(id, domain.CancelSendFailure)
		log.Error().Err(err).Msg("send to module failed")
		return d.fail(req, err)
	}
	log.Debug().Msg("execution dispatched")

	res, err := handle.Wait(ctx, d.TimeoutFor(req.MsgCode))
	if errors.Is(err, domain.ErrExecutionTimeout) {
		if d.deps.Table.Cancel(id, domain.CancelTimeout) == nil {
			log.Warn().Dur("timeout", d.TimeoutFor(req.MsgCode)).Msg("execution timed out")
			d.deps.Modules.Probe(inst.InstanceRef)
			return d.fail(req, domain.ErrExecutionTimeout)
		}
		// The reply won the race against the timer.
		res, err = handle.Wait(ctx, 0)
	}
	if err != nil {
		_ = d.deps.Table.Cancel(id, domain.CancelClientGone)
		log.Info().Err(err).Msg("caller went away before reply")
		return d.fail(req, &domain.CancelledError{Reason: domain.CancelClientGone})
	}
	if res.Err != nil {
		return d.fail(req, res.Err)
	}

	resp, err := decodeModuleResponse(req, res.Payload)
	if err != nil {
		log.Error().Err(err).Msg("undecodable module response")
		return d.fail(req, err)
	}
	return resp
}

var lockedResponseFields = map[string]struct{}{
	"msg_id":             {},
	"msg_code":           {},
	"status":             {},
	"detail":             {},
	"result":             {},
	"authentication_key": {},
	"user_id":            {},
}

// decodeModuleResponse turns a module's response object into the outbound
// envelope. msg_id always echoes the caller; fields outside the envelope
// are folded into result when the module did not set one.
func decodeModuleResponse(req *domain.RestRequest, payload string) (domain.RestResponse, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return domain.RestResponse{}, fmt.Errorf("decode module response: %w", err)
	}

	var resp domain.RestResponse
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		return domain.RestResponse{}, fmt.Errorf("decode module response: %w", err)
	}
	resp.MsgID = req.MsgID
	resp.AuthenticationKey = ""
	resp.UserID = ""
	if resp.MsgCode == "" {
		resp.MsgCode = domain.ResponseCode(req.MsgCode)
	}
	if resp.Status == 0 {
		resp.Status = 200
	}

	if len(resp.Result) == 0 {
		extra := make(map[string]json.RawMessage)
		for k, v := range raw {
			if _, ok := lockedResponseFields[k]; !ok {
				extra[k] = v
			}
		}
		if len(extra) > 0 {
			b, err := json.Marshal(extra)
			if err != nil {
				return domain.RestResponse{}, err
			}
			resp.Result = b
		}
	}
	return resp, nil
}

// --- Envelopes ---

func (d *Dispatcher) ok(req *domain.RestRequest, result any) domain.RestResponse {
	resp := domain.RestResponse{
		MsgID:   req.MsgID,
		MsgCode: domain.ResponseCode(req.MsgCode),
		Status:  200,
	}
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return d.fail(req, err)
		}
		resp.Result = b
	}
	return resp
}

func (d *Dispatcher) fail(req *domain.RestRequest, err error) domain.RestResponse {
	status, detail := StatusFor(err)
	if status >= 500 && status != 503 && status != 504 {
		d.log.Error().Err(err).Str("msg_id", req.MsgID).Str("msg_code", req.MsgCode).Msg("request failed")
	}
	return domain.RestResponse{
		MsgID:   req.MsgID,
		MsgCode: domain.CodeErrorResponse,
		Status:  status,
		Detail:  detail,
	}
}
