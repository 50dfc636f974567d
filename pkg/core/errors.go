// Package core holds the shared error taxonomy for the call-handling engine.
package core

import (
	"errors"
	"fmt"
)

// Kind categorizes engine errors. Every error that crosses a component
// boundary is one of these; the dialog orchestrator is the only place that
// turns a Kind into a retry/degrade/terminate decision.
type Kind string

const (
	// KindTransport covers socket or media-stream failures. Bounded retry,
	// then session-fatal.
	KindTransport Kind = "transport_error"
	// KindCodec covers malformed or short audio frames. Dropped and counted,
	// never fatal.
	KindCodec Kind = "codec_error"
	// KindProviderProtocol covers rejected handshakes and malformed provider
	// events. One reconnect, then session-fatal with a fallback farewell.
	KindProviderProtocol Kind = "provider_protocol_error"
	// KindToolExecution covers tool failures. Surfaced to the model as a
	// result so the conversation can recover.
	KindToolExecution Kind = "tool_execution_error"
	// KindTimeout is treated like KindProviderProtocol at decision points.
	KindTimeout Kind = "timeout_error"
)

// Error is the engine's typed error.
type Error struct {
	Kind      Kind   `json:"kind"`
	Component string `json:"component,omitempty"` // "transport", "codec", "stt", "llm", "tts", ...
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	cause     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Component, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// IsRetryable reports whether the orchestrator should attempt a retry or
// reconnect before giving up on the session.
func (e *Error) IsRetryable() bool { return e.Retryable }

// SessionFatal reports whether this error, once retries are exhausted, ends
// the call session.
func (e *Error) SessionFatal() bool {
	switch e.Kind {
	case KindTransport, KindProviderProtocol, KindTimeout:
		return true
	default:
		return false
	}
}

// NewTransportError wraps a transport failure.
func NewTransportError(component string, retryable bool, cause error) *Error {
	return &Error{
		Kind:      KindTransport,
		Component: component,
		Message:   cause.Error(),
		Retryable: retryable,
		cause:     cause,
	}
}

// NewCodecError describes a malformed or short frame.
func NewCodecError(message string) *Error {
	return &Error{Kind: KindCodec, Component: "codec", Message: message}
}

// NewProviderProtocolError wraps a provider handshake or event failure.
func NewProviderProtocolError(component, message string, retryable bool) *Error {
	return &Error{
		Kind:      KindProviderProtocol,
		Component: component,
		Message:   message,
		Retryable: retryable,
	}
}

// NewToolExecutionError wraps a tool failure.
func NewToolExecutionError(tool string, cause error) *Error {
	return &Error{
		Kind:      KindToolExecution,
		Component: tool,
		Message:   cause.Error(),
		cause:     cause,
	}
}

// NewTimeoutError wraps a deadline expiry. Treated as a provider protocol
// failure by the orchestrator.
func NewTimeoutError(component string, cause error) *Error {
	return &Error{
		Kind:      KindTimeout,
		Component: component,
		Message:   cause.Error(),
		Retryable: true,
		cause:     cause,
	}
}

// KindOf extracts the Kind from err, unwrapping as needed. Returns "" when
// err is not an engine *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is an engine error marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
