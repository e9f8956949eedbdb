package rpc

import (
	"errors"
	"fmt"
	"time"

	"github.com/51f0x/personal-kanban/messaging"
)

var (
	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("rpc: timeout")
	// ErrHandlerFailed matches every *HandlerError.
	ErrHandlerFailed = errors.New("rpc: handler failed")
	// ErrTransportUnavailable is returned when the request could not be enqueued.
	ErrTransportUnavailable = messaging.ErrTransportUnavailable

	ErrDuplicateHandler = errors.New("rpc: handler already registered for kind")
	ErrTooManyPending   = errors.New("rpc: too many pending calls")
	ErrCallerClosed     = errors.New("rpc: caller closed")
	ErrNotStarted       = errors.New("rpc: caller not started")

	errDuplicateCall = errors.New("rpc: correlation id already pending")
)

// Error codes carried in error replies.
const (
	CodeHandlerError   = "handler_error"
	CodeUnknownKind    = "unknown_kind"
	CodeInvalidPayload = "invalid_payload"
)

// TimeoutError is returned when no response arrived before the call deadline.
type TimeoutError struct {
	Kind          string
	CorrelationID string
	After         time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpc: %s call %s timed out after %v", e.Kind, e.CorrelationID, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// HandlerError is a failure the responder reported explicitly. Handlers return it
// (see Fail) to answer with an error instead of having the request retried.
type HandlerError struct {
	Kind    string
	Code    string
	Message string
}

func (e *HandlerError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("rpc: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("rpc: %s failed (%s): %s", e.Kind, e.Code, e.Message)
}

func (e *HandlerError) Is(target error) bool { return target == ErrHandlerFailed }

// Fail builds a HandlerError with the generic handler code.
func Fail(format string, args ...any) *HandlerError {
	return &HandlerError{Code: CodeHandlerError, Message: fmt.Sprintf(format, args...)}
}

// FailCode builds a HandlerError with an application specific code.
func FailCode(code, format string, args ...any) *HandlerError {
	return &HandlerError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrorReply is the payload of a response with status "error".
type ErrorReply struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
