package engine

import (
	"errors"
	"fmt"
)

// Code classifies an engine failure for the HTTP layer and for tool-call
// error reporting.
type Code string

const (
	CodeUnauthorized        Code = "unauthorized"
	CodeForbidden           Code = "forbidden"
	CodeNotFound            Code = "not_found"
	CodeInvalidEvent        Code = "invalid_event"
	CodeUnknownButton       Code = "unknown_button"
	CodeUnknownNode         Code = "unknown_node"
	CodeSchemaMismatch      Code = "schema_mismatch"
	CodeForbiddenWrite      Code = "forbidden_write"
	CodeNoBranchMatched     Code = "no_branch_matched"
	CodeMatchmakingConflict Code = "matchmaking_conflict"
	CodeGone                Code = "gone"
	CodeInternal            Code = "internal"
)

// Error is a classified engine failure. Client mistakes (bad button id,
// schema violations) and lifecycle conditions (session ended) are all
// Errors; infrastructure faults wrap as CodeInternal.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds a classified error.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the engine code from an error chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
