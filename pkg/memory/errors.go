package memory

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies an error for collaborators. Codes appear on the wire as the
// "code" member of an {error, code} pair.
type Code string

const (
	CodeNotFound          Code = "NOT_FOUND"
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeEmbedding         Code = "EMBEDDING_ERROR"
	CodeStore             Code = "STORE_ERROR"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
)

// Sentinels for errors.Is. Any *Error with the same Code matches.
var (
	ErrNotFound          = &Error{Code: CodeNotFound}
	ErrValidation        = &Error{Code: CodeValidation}
	ErrEmbedding         = &Error{Code: CodeEmbedding}
	ErrStore             = &Error{Code: CodeStore}
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition}
)

// Error is a classified engine error. Msg, ID and Field are safe to show to
// callers; Err holds the internal cause and is only reachable via Unwrap.
type Error struct {
	Code  Code
	Op    string
	ID    string
	Field string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	switch {
	case e.Msg != "":
		sb.WriteString(e.Msg)
	default:
		sb.WriteString(strings.ToLower(strings.ReplaceAll(string(e.Code), "_", " ")))
	}
	if e.ID != "" {
		fmt.Fprintf(&sb, " (id=%s)", e.ID)
	}
	if e.Field != "" {
		fmt.Fprintf(&sb, " (field=%s)", e.Field)
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NotFound reports a missing or tombstoned id.
func NotFound(op, id string) *Error {
	return &Error{Code: CodeNotFound, Op: op, ID: id, Msg: "not found"}
}

// Validation reports malformed input on field.
func Validation(op, field, format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Op: op, Field: field, Msg: fmt.Sprintf(format, args...)}
}

// EmbeddingFailure wraps a provider failure.
func EmbeddingFailure(op string, err error) *Error {
	return &Error{Code: CodeEmbedding, Op: op, Msg: "embedding provider unavailable", Err: err}
}

// StoreFailure wraps a persistence or index failure. The cause stays internal.
func StoreFailure(op, id string, err error) *Error {
	return &Error{Code: CodeStore, Op: op, ID: id, Msg: "storage failure", Err: err}
}

// InvalidTransition reports a Task Ledger state machine violation.
func InvalidTransition(op, id string, from, to TaskStatus) *Error {
	return &Error{
		Code: CodeInvalidTransition,
		Op:   op,
		ID:   id,
		Msg:  fmt.Sprintf("cannot move task from %s to %s", from, to),
	}
}

// CodeOf returns the classification of err. Unclassified errors are StoreError.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeStore
}

// Public returns the caller-facing message for err. Unclassified errors are
// reduced to a generic message so internals do not leak.
func Public(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Error()
	}
	return "storage failure"
}
