package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the top-level error category surfaced to callers.
type Kind string

const (
	KindValidation       Kind = "validation_error"
	KindConnect          Kind = "connect_error"
	KindFrameParse       Kind = "frame_parse_error"
	KindProvider         Kind = "provider_error"
	KindSinkDisconnected Kind = "sink_disconnected"
	KindInternal         Kind = "internal_error"
)

// Provider error codes Dify reports in a response body's "code" (or
// "error") field. Anything else maps to KindInternal.
const (
	CodeInvalidParam           = "invalid_param"
	CodeAppUnavailable         = "app_unavailable"
	CodeProviderNotInitialize  = "provider_not_initialize"
	CodeProviderQuotaExceeded  = "provider_quota_exceeded"
	CodeModelNotSupported      = "model_currently_not_support"
	CodeWorkflowRequestError   = "workflow_request_error"
	CodeCompletionRequestError = "completion_request_error"
)

// Codes for errors raised locally rather than by the provider.
const (
	CodeTimeout     = "upstream_timeout"
	CodeUnreachable = "upstream_unreachable"
	CodeStreamRead  = "upstream_stream_interrupted"
	CodeBadFrame    = "malformed_frame"
	CodeInternal    = "internal_error"
)

var providerCodes = map[string]bool{
	CodeInvalidParam:           true,
	CodeAppUnavailable:         true,
	CodeProviderNotInitialize:  true,
	CodeProviderQuotaExceeded:  true,
	CodeModelNotSupported:      true,
	CodeWorkflowRequestError:   true,
	CodeCompletionRequestError: true,
}

// IsProviderCode reports whether code is one of the recognized provider
// business error codes.
func IsProviderCode(code string) bool {
	return providerCodes[code]
}

// Error is the typed failure every relay path returns.
type Error struct {
	Kind    Kind
	Code    string
	Message string

	// Status is the upstream HTTP status when one was received.
	Status int

	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable is always false. The relay makes exactly one attempt and
// leaves retry policy to the caller.
func (e *Error) Retryable() bool { return false }

// HTTPStatus maps the error onto the status a blocking endpoint returns.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindProvider:
		switch e.Code {
		case CodeInvalidParam:
			return http.StatusBadRequest
		case CodeAppUnavailable:
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	case KindConnect:
		if e.Code == CodeTimeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// NewValidationError reports malformed caller input.
func NewValidationError(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

// NewConnectError reports an unreachable upstream or failed handshake.
func NewConnectError(code string, err error) *Error {
	return &Error{Kind: KindConnect, Code: code, Message: fmt.Sprintf("upstream request failed: %v", err), Err: err}
}

// NewFrameParseError reports a non-empty frame that is not valid JSON.
func NewFrameParseError(raw string) *Error {
	return &Error{Kind: KindFrameParse, Code: CodeBadFrame, Message: fmt.Sprintf("unparsable upstream frame: %.120q", raw)}
}

// NewProviderError reports a structured business error from upstream.
func NewProviderError(code, msg string, status int) *Error {
	return &Error{Kind: KindProvider, Code: code, Message: msg, Status: status}
}

// NewInternalError is the catch-all.
func NewInternalError(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: msg, Err: err}
}

// ErrSinkDisconnected is returned by sinks once the caller is gone. It is
// logged, never delivered.
var ErrSinkDisconnected = &Error{Kind: KindSinkDisconnected, Message: "downstream client disconnected"}

// AsError extracts an *Error from err's chain, wrapping anything else as
// an internal error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewInternalError(err.Error(), err)
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
