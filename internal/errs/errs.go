// Package errs classifies failures of the backup engine into a small set of
// machine-readable kinds.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the machine-readable class of an error.
type Kind string

const (
	NotFound         Kind = "NOT_FOUND"
	AlreadyExists    Kind = "ALREADY_EXISTS"
	InvalidFormat    Kind = "INVALID_FORMAT"
	InvalidArgument  Kind = "INVALID_ARGUMENT"
	PermissionDenied Kind = "PERMISSION_DENIED"
	// Upstream covers collaborator failures (provider, filesystem, planner)
	// that are not attributable to absence.
	Upstream Kind = "UPSTREAM"
)

// Error is the structured error returned by the registry and orchestrators.
type Error struct {
	Kind Kind
	Job  string // job name or id, when known
	Step string // failing step, when known
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var parts []string
	if e.Job != "" {
		parts = append(parts, "backup "+e.Job)
	}
	if e.Step != "" {
		parts = append(parts, e.Step)
	}
	if e.Msg != "" {
		parts = append(parts, e.Msg)
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	if len(parts) == 0 {
		return string(e.Kind)
	}
	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error { return e.Err }

func newf(kind Kind, format string, a ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, a...)}
}

func NotFoundf(format string, a ...any) error        { return newf(NotFound, format, a...) }
func AlreadyExistsf(format string, a ...any) error   { return newf(AlreadyExists, format, a...) }
func InvalidFormatf(format string, a ...any) error   { return newf(InvalidFormat, format, a...) }
func InvalidArgumentf(format string, a ...any) error { return newf(InvalidArgument, format, a...) }

// Wrap attaches kind and message to err. A nil err yields nil.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Annotate names the job and the failing step. The kind of err is kept when
// it is already classified, otherwise it becomes Upstream. An error that
// already names a job only gains the step, unless that step is already the
// outermost one.
func Annotate(err error, job, step string) error {
	if err == nil {
		return nil
	}
	if annotated(err) {
		var top *Error
		if step == "" || (errors.As(err, &top) && top.Step == step) {
			return err
		}
		return &Error{Kind: KindOf(err), Step: step, Err: err}
	}
	return &Error{Kind: KindOf(err), Job: job, Step: step, Err: err}
}

// annotated reports whether any *Error in the chain names a job.
func annotated(err error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Job != "" {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// KindOf returns the kind of the outermost classified error in the chain,
// Upstream for unclassified errors and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Upstream
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
