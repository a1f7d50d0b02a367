package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/rep"

	"github.com/orbitalops/fds-service/internal/core/domain"
)

type controlReply struct {
	MsgID   string `json:"msg_id,omitempty"`
	MsgCode string `json:"msg_code"`
	Status  string `json:"status,omitempty"`
	Version string `json:"version,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// ControlResponder answers get_status and get_version requests sent by
// modules on the request-reply endpoint.
type ControlResponder struct {
	sock    mangos.Socket
	version string
	status  func() domain.ServiceStatus
	log     zerolog.Logger
}

// ListenControl binds the rep socket on endpoint.
func ListenControl(endpoint, version string, status func() domain.ServiceStatus, log zerolog.Logger) (*ControlResponder, error) {
	sock, err := rep.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("new rep socket: %w", err)
	}
	if err := sock.Listen(endpoint); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("listen %s: %w", endpoint, err)
	}
	return &ControlResponder{sock: sock, version: version, status: status, log: log}, nil
}

// Run answers requests until ctx is done. The socket is closed on return.
func (c *ControlResponder) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = c.sock.Close() })
	defer stop()
	defer c.sock.Close()

	for {
		req, err := c.sock.Recv()
		if err != nil {
			if errors.Is(err, mangos.ErrClosed) {
				return nil
			}
			c.log.Warn().Err(err).Msg("control receive failed")
			continue
		}
		out, err := json.Marshal(c.answer(req))
		if err != nil {
			c.log.Error().Err(err).Msg("encode control reply")
			continue
		}
		if err := c.sock.Send(out); err != nil {
			if errors.Is(err, mangos.ErrClosed) {
				return nil
			}
			c.log.Warn().Err(err).Msg("control reply not sent")
		}
	}
}

func (c *ControlResponder) answer(frame []byte) controlReply {
	var req domain.ControlRequest
	if err := json.Unmarshal(frame, &req); err != nil {
		return controlReply{MsgCode: domain.CodeErrorResponse, Detail: "malformed control request"}
	}
	switch req.MsgCode {
	case domain.CodeGetStatus:
		return controlReply{MsgID: req.MsgID, MsgCode: domain.ResponseCode(domain.CodeGetStatus), Status: string(c.status())}
	case domain.CodeGetVersion:
		return controlReply{MsgID: req.MsgID, MsgCode: domain.ResponseCode(domain.CodeGetVersion), Version: c.version}
	default:
		c.log.Debug().Str("msg_code", req.MsgCode).Msg("unsupported control request")
		return controlReply{MsgID: req.MsgID, MsgCode: domain.CodeErrorResponse, Detail: domain.ErrHandlerNotFound.Error()}
	}
}

// Close releases the socket of a responder that never ran.
func (c *ControlResponder) Close() error {
	if err := c.sock.Close(); err != nil && !errors.Is(err, mangos.ErrClosed) {
		return err
	}
	return nil
}
