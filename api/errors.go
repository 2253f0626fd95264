// Package api
// Author: momentics <momentics@gmail.com>
//
// Error taxonomy shared by the protocol engine, the server and the client.

package api

import (
	"fmt"

	"github.com/pkg/errors"
)

// Common errors used across the library.
var (
	ErrTransportClosed  = errors.New("transport is closed")
	ErrInvalidCloseCode = errors.New("invalid close status code")
	ErrReasonTooLong    = errors.New("close reason exceeds 123 bytes")
	ErrInvalidReason    = errors.New("close reason is not valid UTF-8")
	ErrInvalidUTF8      = errors.New("text payload is not valid UTF-8")
	ErrInvalidOpcode    = errors.New("opcode is not a data opcode")
	ErrKeepaliveTimeout = errors.New("no pong received within wait window")
	ErrCloseTimeout     = errors.New("close handshake timed out")
	ErrNotFound         = errors.New("resource not found")
)

// ErrorCode classifies errors raised by the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeProtocol
	ErrCodeHandshake
	ErrCodeInvalidState
	ErrCodeConfiguration
	ErrCodeTransport
	ErrCodeInternal
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeProtocol:
		return "protocol"
	case ErrCodeHandshake:
		return "handshake"
	case ErrCodeInvalidState:
		return "invalid_state"
	case ErrCodeConfiguration:
		return "configuration"
	case ErrCodeTransport:
		return "transport"
	default:
		return "internal"
	}
}

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (context: %+v)", e.Message, e.Context)
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// ProtocolError reports a malformed or illegal frame, message or header.
// It is always fatal to the connection; Code is the status sent in the
// close frame that tears the connection down.
type ProtocolError struct {
	Code   uint16
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("websocket: protocol error %d: %s", e.Code, e.Reason)
}

// NewProtocolError builds a ProtocolError with status 1002.
func NewProtocolError(format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: CloseProtocolError, Reason: fmt.Sprintf(format, args...)}
}

// HandshakeError reports a failed upgrade negotiation. Status is the HTTP
// status the rejecting side answers with (server) or received (client).
type HandshakeError struct {
	Status int
	Reason string
}

func (e *HandshakeError) Error() string {
	if e.Status == 0 {
		return "websocket: handshake failed: " + e.Reason
	}
	return fmt.Sprintf("websocket: handshake failed (%d): %s", e.Status, e.Reason)
}

// InvalidStateError reports API misuse against the current connection or
// host state. The connection itself is unaffected.
type InvalidStateError struct {
	Op    string
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("websocket: %s not allowed in state %s", e.Op, e.State)
}

// ConfigurationError is raised at setup time, before anything is started.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("websocket: invalid configuration %s: %s", e.Field, e.Reason)
}

// TransportError wraps a failure of the underlying byte stream.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("websocket: transport %s: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying stream error.
func (e *TransportError) Unwrap() error { return e.Err }

// Cause is the github.com/pkg/errors counterpart of Unwrap.
func (e *TransportError) Cause() error { return e.Err }

// Code classifies any error produced by this library.
func Code(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var (
		pe *ProtocolError
		he *HandshakeError
		ie *InvalidStateError
		ce *ConfigurationError
		te *TransportError
		se *Error
	)
	switch {
	case errors.As(err, &pe):
		return ErrCodeProtocol
	case errors.As(err, &he):
		return ErrCodeHandshake
	case errors.As(err, &ie):
		return ErrCodeInvalidState
	case errors.As(err, &ce):
		return ErrCodeConfiguration
	case errors.As(err, &te):
		return ErrCodeTransport
	case errors.As(err, &se):
		return se.Code
	}
	return ErrCodeInternal
}
