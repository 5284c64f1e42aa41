package strategy

import (
	"errors"
	"fmt"
)

// Code identifies a class of strategy operation failure. Codes are stable
// strings: the tool surface forwards them verbatim so clients can render
// failures without parsing messages.
type Code string

const (
	// CodeInvalidInputRef indicates a step input referenced an id that does
	// not exist in the graph.
	CodeInvalidInputRef Code = "INVALID_INPUT_REF"
	// CodeInvalidKind indicates the combination of inputs and operator does
	// not form a valid leaf, transform, or combine step.
	CodeInvalidKind Code = "INVALID_KIND"
	// CodeNotFound indicates the referenced step does not exist.
	CodeNotFound Code = "NOT_FOUND"
	// CodeWouldEmptyGraph indicates a delete cascade would remove every step.
	// Callers must use Clear with confirmation instead.
	CodeWouldEmptyGraph Code = "WOULD_EMPTY_GRAPH"
	// CodeConfirmationRequired indicates a destructive operation was invoked
	// without explicit confirmation.
	CodeConfirmationRequired Code = "CONFIRMATION_REQUIRED"
	// CodeNoRoots indicates an operation that needs at least one output step
	// ran against an empty graph.
	CodeNoRoots Code = "NO_ROOTS"
	// CodeMultipleRoots indicates an operation that needs a single output
	// step found more than one.
	CodeMultipleRoots Code = "MULTIPLE_ROOTS"
	// CodeCycle indicates an edit would make the input relation cyclic.
	CodeCycle Code = "CYCLE"
	// CodeNotARoot indicates a combine operand is already consumed by
	// another step and therefore is not a subtree root.
	CodeNotARoot Code = "NOT_A_ROOT"
	// CodeGraphNotFound indicates the session has no graph with the given id.
	CodeGraphNotFound Code = "GRAPH_NOT_FOUND"
)

// Error is the structured failure returned by graph and session operations.
// It carries a stable code, a human-readable message, and optional structured
// details the tool surface serializes for clients.
type Error struct {
	// Code classifies the failure.
	Code Code
	// Message is the human-readable summary.
	Message string
	// Details holds optional structured context such as the offending ids.
	Details map[string]any
}

// NewError constructs an Error with the given code and message.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf constructs an Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches a structured detail and returns the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf extracts the strategy error code from err. Returns the empty code
// when err is nil or does not wrap a strategy Error.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
