// Package wire defines the dialect-independent pieces of the gateway's HTTP
// surface: server-sent event frames and the error taxonomy that every
// failure is classified into before it reaches a client.
package wire

import (
	"errors"
	"fmt"
	"net/http"
)

type (
	// Frame is one server-sent event. Event is empty for dialects that use
	// bare data frames.
	Frame struct {
		// Event is the SSE event name.
		Event string
		// Data is the SSE payload, without the "data: " prefix.
		Data []byte
	}

	// Kind classifies a gateway failure. Every error surfaced to a client
	// maps to exactly one kind.
	Kind string

	// Error is a classified gateway failure. It carries the HTTP status and
	// client-safe message; formatters render it in the requesting dialect.
	Error struct {
		// Kind is the failure class.
		Kind Kind
		// Status is the HTTP status code.
		Status int
		// Message is the client-facing description.
		Message string
		// Cause is the underlying error, never shown to clients.
		Cause error
	}

	// InvalidRequestError reports a schema violation found while parsing a
	// client request.
	InvalidRequestError struct {
		// Path locates the offending field, e.g. "messages[2].role".
		Path string
		// Reason explains the violation.
		Reason string
	}
)

const (
	// KindInvalidRequest marks malformed client input.
	KindInvalidRequest Kind = "invalid_request"
	// KindUnauthorized marks missing or wrong credentials.
	KindUnauthorized Kind = "unauthorized"
	// KindRequestTooLarge marks an oversized request body.
	KindRequestTooLarge Kind = "request_too_large"
	// KindPolicyRejection marks a request declined by a policy.
	KindPolicyRejection Kind = "policy_rejection"
	// KindPolicyTimeout marks a stalled pipeline or exceeded deadline.
	KindPolicyTimeout Kind = "policy_timeout"
	// KindPolicyError marks an unexpected policy hook failure.
	KindPolicyError Kind = "policy_error"
	// KindUpstreamError marks a non-retryable provider failure.
	KindUpstreamError Kind = "upstream_error"
	// KindUpstreamUnavailable marks a retryable provider failure that
	// exhausted its retries.
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	// KindClientDisconnected marks a client that went away mid-request.
	KindClientDisconnected Kind = "client_disconnected"
	// KindInternal marks everything else.
	KindInternal Kind = "internal"
)

// StatusClientClosedRequest is the nginx convention for a client that
// disconnected before the response completed. Used in access logs only.
const StatusClientClosedRequest = 499

// Error implements error.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.Cause }

// Error implements error.
func (e *InvalidRequestError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("invalid request: %s", e.Reason)
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Path, e.Reason)
}

// NewError builds an Error of the given kind with its canonical HTTP status.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Status: statusFor(kind), Message: message}
}

// WrapError builds an Error of the given kind wrapping a cause.
func WrapError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Status: statusFor(kind), Message: message, Cause: cause}
}

// Classify maps an arbitrary error to the taxonomy. Already classified
// errors pass through; parse failures become invalid_request; everything
// else is internal.
func Classify(err error) *Error {
	var we *Error
	if errors.As(err, &we) {
		return we
	}
	var ire *InvalidRequestError
	if errors.As(err, &ire) {
		return &Error{Kind: KindInvalidRequest, Status: http.StatusBadRequest, Message: ire.Error(), Cause: err}
	}
	return &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Message: "internal error", Cause: err}
}

func statusFor(kind Kind) int {
	switch kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindRequestTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindPolicyRejection:
		return http.StatusBadRequest
	case KindPolicyTimeout:
		return http.StatusRequestTimeout
	case KindUpstreamError:
		return http.StatusBadGateway
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case KindClientDisconnected:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// Encode renders the frame as SSE bytes, trailing blank line included.
func (f Frame) Encode() []byte {
	var buf []byte
	if f.Event != "" {
		buf = append(buf, "event: "...)
		buf = append(buf, f.Event...)
		buf = append(buf, '\n')
	}
	buf = append(buf, "data: "...)
	buf = append(buf, f.Data...)
	buf = append(buf, '\n', '\n')
	return buf
}
