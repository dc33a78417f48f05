// Package relayerr defines the closed set of error kinds the relay surfaces
// to clients (§7) and a RelayError type that carries one of them through the
// normal Go error-wrapping chain.
package relayerr

import "fmt"

// Kind is a closed enum of the error kinds a client may see, either in a
// REST {data, error} envelope or a WS response's error.code.
type Kind string

const (
	NotConnected         Kind = "not_connected"
	ConnectionFailed     Kind = "connection_failed"
	ConnectionLost       Kind = "connection_lost"
	Timeout              Kind = "timeout"
	InvalidRequest       Kind = "invalid_request"
	UnknownMethod        Kind = "unknown_method"
	HandlerError         Kind = "handler_error"
	SandboxUnavailable   Kind = "sandbox_unavailable"
	SandboxStateMismatch Kind = "sandbox_state_mismatch"
	ProviderError        Kind = "provider_error"
	ImageUnavailable     Kind = "image_unavailable"
	ResumeOutOfWindow    Kind = "resume_out_of_window"
	ToolCallAborted      Kind = "tool_call_aborted"
	ToolCallOwnerLost    Kind = "tool_call_owner_lost"
)

// RelayError is the error type attached to every client-facing failure.
// It unwraps to Cause so internal code can keep using errors.Is/errors.As.
type RelayError struct {
	Kind    Kind
	Message string
	Details map[string]any
	Cause   error
}

func New(kind Kind, message string) *RelayError {
	return &RelayError{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *RelayError {
	return &RelayError{Kind: kind, Message: message, Cause: cause}
}

func (e *RelayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RelayError) Unwrap() error {
	return e.Cause
}

// As extracts a *RelayError from err, falling back to a generic
// handler_error that never leaks internal error text verbatim.
func As(err error) *RelayError {
	if err == nil {
		return nil
	}
	var re *RelayError
	if ok := asRelayError(err, &re); ok {
		return re
	}
	return &RelayError{Kind: HandlerError, Message: "internal error"}
}

func asRelayError(err error, target **RelayError) bool {
	for err != nil {
		if re, ok := err.(*RelayError); ok {
			*target = re
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
