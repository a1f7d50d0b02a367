package domain

import (
	"errors"
	"time"
)

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionIdle             ExecutionStatus = "Idle"
	ExecutionRunning          ExecutionStatus = "Running"
	ExecutionResponseReceived ExecutionStatus = "ResponseReceived"
	ExecutionCompleted        ExecutionStatus = "Completed"
	ExecutionStopped          ExecutionStatus = "Stopped"
	ExecutionCancelled        ExecutionStatus = "Cancelled"
)

var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionIdle:             {ExecutionRunning},
	ExecutionRunning:          {ExecutionResponseReceived, ExecutionCancelled, ExecutionStopped},
	ExecutionResponseReceived: {ExecutionCompleted},
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	for _, allowed := range executionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s ExecutionStatus) Terminal() bool {
	return len(executionTransitions[s]) == 0
}

// CancelReason explains why an execution was cancelled.
type CancelReason string

const (
	CancelTimeout       CancelReason = "timeout"
	CancelExpired       CancelReason = "expired"
	CancelModuleFailure CancelReason = "module_failure"
	CancelSendFailure   CancelReason = "send_failure"
	CancelShutdown      CancelReason = "shutdown"
	CancelClientGone    CancelReason = "client_gone"
)

var (
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrExecutionTimeout   = errors.New("execution timed out")
	ErrExecutionCancelled = errors.New("execution cancelled")
	ErrAlreadyComplete    = errors.New("execution already complete")
	ErrMsgIDMismatch      = errors.New("msg_id does not match execution")
)

// CancelledError is the error a waiter receives when its execution was
// cancelled by someone else.
type CancelledError struct {
	Reason CancelReason
}

func (e *CancelledError) Error() string {
	return "execution cancelled: " + string(e.Reason)
}

func (e *CancelledError) Unwrap() error {
	return ErrExecutionCancelled
}

// ExecutionRecord is a snapshot of one request/reply correlation.
type ExecutionRecord struct {
	ExecutionID    uint32          `json:"execution_id"`
	MsgID          string          `json:"msg_id"`
	MsgCode        string          `json:"msg_code"`
	UserID         string          `json:"user_id"`
	ModuleID       uint32          `json:"module_id"`
	InstanceID     uint32          `json:"module_instance_id"`
	StartTime      time.Time       `json:"start_time"`
	StopTime       time.Time       `json:"stop_time,omitempty"`
	Status         ExecutionStatus `json:"status"`
	Response       string          `json:"-"`
	Complete       bool            `json:"complete_flag"`
	ExpirationTime time.Time       `json:"expiration_time"`
	CancelReason   CancelReason    `json:"cancel_reason,omitempty"`
}
