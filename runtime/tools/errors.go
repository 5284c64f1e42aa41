package tools

import (
	"errors"
	"fmt"

	"stratagem/runtime/strategy"
	"stratagem/runtime/wdk"
)

// Stable failure codes the registry itself produces. Handlers report their
// own domain codes through strategy.Error; everything else collapses to
// TOOL_FAILED.
const (
	CodeUnknownTool      = "UNKNOWN_TOOL"
	CodeInvalidArguments = "INVALID_ARGUMENTS"
	CodePlatformError    = "PLATFORM_ERROR"
	CodeToolFailed       = "TOOL_FAILED"
)

// Error is the structured failure a tool invocation reports. It is what
// tool_call_end events and tool result blocks carry back to the model, so
// the code and details must be stable and serializable.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	cause error
}

// NewError constructs an Error with the given code and message.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf constructs an Error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// FromError normalizes any handler error into a tool Error. Strategy errors
// keep their code and details, platform errors surface the HTTP status, and
// anything else becomes TOOL_FAILED.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	var se *strategy.Error
	if errors.As(err, &se) {
		return &Error{Code: string(se.Code), Message: se.Message, Details: se.Details, cause: err}
	}
	var we *wdk.Error
	if errors.As(err, &we) {
		return &Error{
			Code:    CodePlatformError,
			Message: we.Message,
			Details: map[string]any{"status": we.Status},
			cause:   err,
		}
	}
	return &Error{Code: CodeToolFailed, Message: err.Error(), cause: err}
}

// AsError extracts a tool Error from err, normalizing if needed.
func AsError(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	return FromError(err), true
}
