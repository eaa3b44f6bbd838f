package types

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable wire identifier for a failure kind. Codes are protocol
// tokens, not Go error text; transports map them to JSON-RPC error codes
// or HTTP statuses but never invent new ones.
type Code string

const (
	CodeBadSlug          Code = "EBADSLUG"
	CodePathEscape       Code = "EPATH_ESCAPE"
	CodeNoChange         Code = "ENOCHANGE"
	CodeArchived         Code = "EARCHIVED"
	CodeLocked           Code = "ELOCKED"
	CodeMissingProposal  Code = "EBADSHAPE_MISSING_PROPOSAL"
	CodeMissingTasks     Code = "EBADSHAPE_MISSING_TASKS"
	CodeIO               Code = "EIO"
	CodeInvalidToolName  Code = "INVALID_TOOL_NAME"
	CodeToolNotFound     Code = "TOOL_NOT_FOUND"
	CodeInvalidInput     Code = "INVALID_INPUT"
	CodeInvalidFormat    Code = "INVALID_FORMAT"
	CodeInvalidScheme    Code = "INVALID_SCHEME"
	CodeAuthFailed       Code = "AUTHENTICATION_FAILED"
	CodeRateLimited      Code = "RATE_LIMIT_EXCEEDED"
	CodeResponseTooLarge Code = "RESPONSE_TOO_LARGE"
	CodeRequestTimeout   Code = "REQUEST_TIMEOUT"
	CodeInvalidCursor    Code = "INVALID_CURSOR_TOKEN"
	CodeExpiredCursor    Code = "EXPIRED_CURSOR_TOKEN"
	CodeStreamPressure   Code = "STREAM_PRESSURE"
)

// WorkflowError is the result-like error value every operation returns on
// failure: a taxonomy code plus a human message, an optional hint naming
// the next step, and optional structured details. It is the only error
// shape the transports know how to project onto the wire.
type WorkflowError struct {
	Code       Code           `json:"code"`
	Message    string         `json:"message"`
	Hint       string         `json:"hint,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	RetryAfter int            `json:"retryAfter,omitempty"` // seconds
}

func (e *WorkflowError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a WorkflowError with a formatted message.
func NewError(code Code, format string, args ...any) *WorkflowError {
	return &WorkflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithHint attaches a recommended next step and returns the error.
func (e *WorkflowError) WithHint(format string, args ...any) *WorkflowError {
	e.Hint = fmt.Sprintf(format, args...)
	return e
}

// WithDetail records one structured detail field and returns the error.
func (e *WorkflowError) WithDetail(key string, value any) *WorkflowError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithRetryAfter records the advisory retry delay in seconds.
func (e *WorkflowError) WithRetryAfter(seconds int) *WorkflowError {
	e.RetryAfter = seconds
	return e
}

// AsWorkflowError unwraps err into a *WorkflowError if one is in the chain.
func AsWorkflowError(err error) (*WorkflowError, bool) {
	var we *WorkflowError
	if errors.As(err, &we) {
		return we, true
	}
	return nil, false
}

// Wrap converts an arbitrary error into a WorkflowError, preserving an
// existing one; anything else becomes the given code.
func Wrap(err error, code Code) *WorkflowError {
	if we, ok := AsWorkflowError(err); ok {
		return we
	}
	return NewError(code, "%v", err)
}

// ErrCode extracts the taxonomy code from err; plain errors count as EIO.
func ErrCode(err error) Code {
	if we, ok := AsWorkflowError(err); ok {
		return we.Code
	}
	return CodeIO
}

// ToolLevel reports whether the code surfaces inside the tool-result
// envelope rather than as a JSON-RPC protocol error. Lifecycle conflicts
// are tool results; validation and plumbing failures are protocol errors.
func (c Code) ToolLevel() bool {
	switch c {
	case CodeNoChange, CodeArchived, CodeLocked, CodeMissingProposal, CodeMissingTasks:
		return true
	}
	return false
}

// JSON-RPC 2.0 error codes used by the dispatcher.
const (
	RPCParseError     = -32700
	RPCInvalidRequest = -32600
	RPCMethodNotFound = -32601
	RPCInvalidParams  = -32602
	RPCInternalError  = -32603
	RPCNotInitialized = -32002
)

// JSONRPCCode maps a taxonomy code to its JSON-RPC error code.
func (c Code) JSONRPCCode() int {
	switch c {
	case CodeIO, CodeStreamPressure, CodeResponseTooLarge, CodeRequestTimeout:
		return RPCInternalError
	case CodeToolNotFound:
		return RPCMethodNotFound
	default:
		return RPCInvalidParams
	}
}

// HTTPStatus maps a taxonomy code to its HTTP status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeBadSlug, CodePathEscape, CodeInvalidInput, CodeInvalidToolName,
		CodeInvalidFormat, CodeInvalidScheme, CodeInvalidCursor, CodeExpiredCursor:
		return http.StatusBadRequest
	case CodeNoChange, CodeToolNotFound:
		return http.StatusNotFound
	case CodeArchived, CodeLocked:
		return http.StatusConflict
	case CodeMissingProposal, CodeMissingTasks:
		return http.StatusUnprocessableEntity
	case CodeAuthFailed:
		return http.StatusUnauthorized
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeResponseTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeRequestTimeout:
		return http.StatusRequestTimeout
	case CodeStreamPressure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPWireCode returns the code string used in HTTP error envelopes. Most
// codes pass through; slug and existence failures are renamed to the
// HTTP-facing identifiers.
func (c Code) HTTPWireCode() string {
	switch c {
	case CodeBadSlug:
		return string(CodeInvalidInput)
	case CodeNoChange:
		return "CHANGE_NOT_FOUND"
	default:
		return string(c)
	}
}
