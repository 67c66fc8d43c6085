package model

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error independent of where it was raised.
type Kind string

const (
	KindNotFound           Kind = "NOT_FOUND"
	KindAlreadyExists      Kind = "ALREADY_EXISTS"
	KindInvalidState       Kind = "INVALID_STATE"
	KindInvalidArgument    Kind = "INVALID_ARGUMENT"
	KindTimedOut           Kind = "TIMED_OUT"
	KindResourceExhausted  Kind = "RESOURCE_EXHAUSTED"
	KindDependencyFailure  Kind = "DEPENDENCY_FAILURE"
	KindCircularDependency Kind = "CIRCULAR_DEPENDENCY"
	KindNoHealthyInstance  Kind = "NO_HEALTHY_INSTANCE"
	KindCPUOffline         Kind = "CPU_OFFLINE"
	KindInternal           Kind = "INTERNAL_ERROR"
)

// Sentinels for errors.Is; any *Error of the same kind matches.
var (
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrAlreadyExists      = &Error{Kind: KindAlreadyExists}
	ErrInvalidState       = &Error{Kind: KindInvalidState}
	ErrInvalidArgument    = &Error{Kind: KindInvalidArgument}
	ErrTimedOut           = &Error{Kind: KindTimedOut}
	ErrResourceExhausted  = &Error{Kind: KindResourceExhausted}
	ErrDependencyFailure  = &Error{Kind: KindDependencyFailure}
	ErrCircularDependency = &Error{Kind: KindCircularDependency}
	ErrNoHealthyInstance  = &Error{Kind: KindNoHealthyInstance}
	ErrCPUOffline         = &Error{Kind: KindCPUOffline}
	ErrInternal           = &Error{Kind: KindInternal}
)

// Error is the structured error carried across component boundaries.
// Subject names the thread, service or cpu the error is about.
type Error struct {
	Kind    Kind
	Op      string
	Subject string
	Detail  string
	Err     error
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(strings.ToLower(strings.ReplaceAll(string(e.Kind), "_", " ")))
	if e.Subject != "" {
		fmt.Fprintf(&sb, " (%s)", e.Subject)
	}
	if e.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Detail)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so callers can write errors.Is(err, model.ErrNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Errorf builds an *Error with a formatted detail.
func Errorf(kind Kind, op, subject, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Subject: subject,
		Detail:  fmt.Sprintf(format, args...),
	}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, op, subject string, err error) *Error {
	return &Error{Kind: kind, Op: op, Subject: subject, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var ve *ValidationErrors
	if errors.As(err, &ve) {
		return KindInvalidArgument
	}
	return KindInternal
}

// ExitCode maps an error to the CLI exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return ExitCodeForKind(KindOf(err))
}

func ExitCodeForKind(k Kind) int {
	switch k {
	case "":
		return 0
	case KindNotFound, KindInvalidArgument, KindAlreadyExists:
		return 1
	case KindInvalidState, KindCircularDependency, KindDependencyFailure,
		KindCPUOffline, KindNoHealthyInstance, KindResourceExhausted:
		return 2
	case KindTimedOut:
		return 3
	default:
		return 4
	}
}

type ValidationError struct {
	FieldPath string
	Message   string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.FieldPath, e.Message)
}

// ValidationErrors collects field-level problems found in a descriptor or config.
type ValidationErrors struct {
	Errors []ValidationError
}

func (ve *ValidationErrors) Add(fieldPath, message string) {
	ve.Errors = append(ve.Errors, ValidationError{FieldPath: fieldPath, Message: message})
}

func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

func (ve *ValidationErrors) Error() string {
	msgs := make([]string, 0, len(ve.Errors))
	for _, e := range ve.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "\n")
}

func (ve *ValidationErrors) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == KindInvalidArgument
}

// OrNil returns nil when no errors were collected, so callers can return it directly.
func (ve *ValidationErrors) OrNil() error {
	if ve == nil || !ve.HasErrors() {
		return nil
	}
	return ve
}
