package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the only envelope version accepted on the wire.
const ProtocolVersion = "1.0"

// Built-in message codes served without a module.
const (
	CodeRegister   = "register"
	CodeLogin      = "login"
	CodeLogout     = "logout"
	CodeDeregister = "deregister"
	CodeGetStatus  = "get_status"
	CodeGetVersion = "get_version"
)

// Control message codes exchanged with module instances.
const (
	CodeModuleReady       = "module_ready"
	CodeGetStatusResponse = "get_status_response"
	CodeExit              = "exit"
	CodeErrorResponse     = "error_response"
)

// ResponseCode returns the msg_code of a successful reply to msgCode.
func ResponseCode(msgCode string) string {
	return msgCode + "_response"
}

// IsBuiltin reports whether msgCode is served locally.
func IsBuiltin(msgCode string) bool {
	switch msgCode {
	case CodeRegister, CodeLogin, CodeLogout, CodeDeregister, CodeGetStatus, CodeGetVersion:
		return true
	}
	return false
}

// RequiresAuth reports whether msgCode needs an authentication key.
func RequiresAuth(msgCode string) bool {
	return msgCode != CodeRegister && msgCode != CodeLogin
}

var ErrInvalidEnvelope = errors.New("invalid request envelope")

var envelopeFields = map[string]struct{}{
	"version":            {},
	"msg_code":           {},
	"authentication_key": {},
	"msg_id":             {},
	"timestamp":          {},
}

// RestRequest is the inbound JSON envelope. Operation-specific fields are
// kept raw in Params so they can be forwarded untouched to a module.
type RestRequest struct {
	Version           string `json:"version"            validate:"required,eq=1.0"`
	MsgCode           string `json:"msg_code"           validate:"required"`
	AuthenticationKey string `json:"authentication_key"`
	MsgID             string `json:"msg_id"             validate:"required"`
	Timestamp         int64  `json:"timestamp"`

	Params map[string]json.RawMessage `json:"-"`
}

func (r *RestRequest) UnmarshalJSON(data []byte) error {
	type envelope RestRequest
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	*r = RestRequest(env)
	for k, v := range all {
		if _, ok := envelopeFields[k]; ok {
			continue
		}
		if r.Params == nil {
			r.Params = make(map[string]json.RawMessage)
		}
		r.Params[k] = v
	}
	return nil
}

// DecodeParams unmarshals the operation-specific fields into dst.
func (r *RestRequest) DecodeParams(dst any) error {
	raw, err := json.Marshal(r.Params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return nil
}

// ModuleFrame renders the message pushed to a module instance: the original
// envelope augmented with the caller's user id and the execution id.
func (r *RestRequest) ModuleFrame(userID string, executionID uint32) ([]byte, error) {
	out := make(map[string]any, len(r.Params)+7)
	for k, v := range r.Params {
		out[k] = v
	}
	out["version"] = r.Version
	out["msg_code"] = r.MsgCode
	out["authentication_key"] = r.AuthenticationKey
	out["msg_id"] = r.MsgID
	out["timestamp"] = r.Timestamp
	out["user_id"] = userID
	out["execution_id"] = executionID
	return json.Marshal(out)
}

// RestResponse is the outbound JSON envelope. The set of fields is fixed.
type RestResponse struct {
	MsgID             string          `json:"msg_id"`
	MsgCode           string          `json:"msg_code"`
	Status            int             `json:"status"`
	Detail            string          `json:"detail"`
	AuthenticationKey string          `json:"authentication_key,omitempty"`
	UserID            string          `json:"user_id,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
}

// InternalResponseMessage is what module instances publish on the
// subscription channel.
type InternalResponseMessage struct {
	Response    json.RawMessage `json:"response"`
	ExecutionID uint32          `json:"execution_id"`
	WaitFlag    bool            `json:"wait_flag"`
}

// ResponseHeader is the part of a module response the router needs to
// decide where a frame goes.
type ResponseHeader struct {
	MsgID   string `json:"msg_id"`
	MsgCode string `json:"msg_code"`
}

// ControlStatus is carried by module_ready and get_status_response frames.
type ControlStatus struct {
	MsgCode          string `json:"msg_code"`
	Status           string `json:"status"`
	ModuleID         uint32 `json:"module_id,omitempty"`
	ModuleInstanceID uint32 `json:"module_instance_id"`
}

// Module status strings reported in control frames.
const (
	ModuleStatusReady   = "Ready"
	ModuleStatusRunning = "Running"
)

// ControlRequest is a control frame sent from the service to a module.
type ControlRequest struct {
	Version          string `json:"version"`
	MsgCode          string `json:"msg_code"`
	MsgID            string `json:"msg_id,omitempty"`
	Timestamp        int64  `json:"timestamp,omitempty"`
	ModuleInstanceID uint32 `json:"module_instance_id,omitempty"`
	ExitCode         string `json:"exit_code,omitempty"`
}

// ServiceStatus is the coarse state reported on GET /status.
type ServiceStatus string

const (
	ServiceNone    ServiceStatus = "None"
	ServiceRunning ServiceStatus = "Running"
	ServiceStopped ServiceStatus = "Stopped"
)

var (
	ErrShuttingDown     = errors.New("service is shutting down")
	ErrDuplicateMessage = errors.New("duplicate msg_id")
	ErrStorage          = errors.New("storage failure")
)
