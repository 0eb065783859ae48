// Package failure defines the error kinds shared by the transport, auth,
// task polling and step execution layers.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies why an operation did not succeed.
type Kind int

const (
	Unknown Kind = iota
	// TransportExhausted means every attempt ended in a connection-level failure.
	TransportExhausted
	// SubmissionRejected means an operation's immediate response was not the expected code.
	SubmissionRejected
	// TaskFailed means a polled task reached the FAILED state.
	TaskFailed
	// TaskTimeout means the wait budget elapsed while the task was still running.
	TaskTimeout
	// AuthFailure means no token could be obtained.
	AuthFailure
	// MalformedReference means a task locator could not be built from a response.
	MalformedReference
	// DecodeError means a response body did not match the expected shape.
	DecodeError
	// UnexpectedStatus means a poll returned a status with no defined handling.
	UnexpectedStatus
	// KnownDefectExhausted means the known INTERNAL_ERROR workaround ran out of retries.
	KnownDefectExhausted
)

var kindNames = map[Kind]string{
	Unknown:              "unknown",
	TransportExhausted:   "transport_exhausted",
	SubmissionRejected:   "submission_rejected",
	TaskFailed:           "task_failed",
	TaskTimeout:          "task_timeout",
	AuthFailure:          "auth_failure",
	MalformedReference:   "malformed_reference",
	DecodeError:          "decode_error",
	UnexpectedStatus:     "unexpected_status",
	KnownDefectExhausted: "known_defect_exhausted",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Expected reports whether the kind is an operational outcome of the
// system under test rather than an integration or infrastructure fault.
func (k Kind) Expected() bool {
	switch k {
	case SubmissionRejected, TaskFailed, TaskTimeout, UnexpectedStatus, KnownDefectExhausted:
		return true
	default:
		return false
	}
}

// Error is the concrete error returned by the core layers.
type Error struct {
	Kind    Kind
	Op      string
	Status  int
	Message string
	Logs    []string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Logs) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(e.Logs, "; "))
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an Error of the given kind.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an Error of the given kind around err.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// LogsOf returns the task log messages attached to err, if any.
func LogsOf(err error) []string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Logs
	}
	return nil
}
