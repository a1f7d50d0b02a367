package domain

import (
	"errors"
	"fmt"
	"time"
)

// ModuleKind tells the supervisor whether a module runs as a child process
// or is served by a handler inside this process.
type ModuleKind string

const (
	ModuleInternal ModuleKind = "Internal"
	ModuleExternal ModuleKind = "External"
)

// Variable is a declared input or output of a module.
type Variable struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Default any    `json:"default,omitempty"`
}

// ModuleDefinition is the static description of a module loaded at startup.
type ModuleDefinition struct {
	ID               uint32     `json:"id"`
	Name             string     `json:"name"`
	Description      string     `json:"description"`
	Kind             ModuleKind `json:"kind"`
	Executable       string     `json:"executable"`
	WorkingDirectory string     `json:"working_directory"`
	ConfigFile       string     `json:"config_file"`
	Arguments        string     `json:"arguments"`
	MessageCodes     []string   `json:"message_codes"`
	Inputs           []Variable `json:"inputs"`
	Outputs          []Variable `json:"outputs"`
}

// Handles reports whether the module declares msgCode.
func (d ModuleDefinition) Handles(msgCode string) bool {
	for _, c := range d.MessageCodes {
		if c == msgCode {
			return true
		}
	}
	return false
}

// InstanceState is the lifecycle state of a module instance.
type InstanceState string

const (
	InstanceIdle      InstanceState = "Idle"
	InstanceRunning   InstanceState = "Running"
	InstanceErroneous InstanceState = "Erroneous"
	InstanceStopped   InstanceState = "Stopped"
)

var instanceTransitions = map[InstanceState][]InstanceState{
	InstanceIdle:      {InstanceRunning, InstanceErroneous},
	InstanceRunning:   {InstanceErroneous, InstanceStopped},
	InstanceErroneous: {InstanceRunning, InstanceStopped},
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s InstanceState) CanTransitionTo(next InstanceState) bool {
	for _, allowed := range instanceTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

var (
	ErrInvalidInstanceTransition = errors.New("invalid instance state transition")
	ErrHandlerNotFound           = errors.New("handler not found")
	ErrModuleUnavailable         = errors.New("module unavailable")
	ErrSendFailed                = errors.New("send to module failed")
	ErrInstanceNotFound          = errors.New("module instance not found")
	ErrRestartBudgetExhausted    = errors.New("restart budget exhausted")
)

// InstanceRef identifies a module instance. Everything about an instance is
// looked up by this value.
type InstanceRef struct {
	ModuleID   uint32 `json:"module_id"`
	InstanceID uint32 `json:"module_instance_id"`
}

func (r InstanceRef) String() string {
	return fmt.Sprintf("%d/%d", r.ModuleID, r.InstanceID)
}

// InstanceInfo is a read-only snapshot of a module instance.
type InstanceInfo struct {
	InstanceRef
	ModuleName string        `json:"module_name"`
	Kind       ModuleKind    `json:"kind"`
	Endpoint   string        `json:"endpoint"`
	State      InstanceState `json:"state"`
	Ready      bool          `json:"ready"`
	PID        int           `json:"pid,omitempty"`
	Restarts   int           `json:"restarts"`
	StartTime  time.Time     `json:"start_time,omitempty"`
	StopTime   time.Time     `json:"stop_time,omitempty"`
}

// Available reports whether the instance can accept a dispatch.
func (i InstanceInfo) Available() bool {
	return i.State == InstanceRunning && i.Ready
}
