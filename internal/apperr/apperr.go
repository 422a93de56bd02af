// Package apperr defines the error kinds shared by the upload, storage and
// processing layers and how they surface to HTTP clients.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and client reporting.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindValidation       Kind = "validation_error"
	KindTransientStorage Kind = "transient_storage_error"
	KindPageProcessing   Kind = "page_processing_error"
	KindFatal            Kind = "fatal_job_error"
	KindInternal         Kind = "internal_error"
)

// Error carries a Kind plus the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func NotFound(op, format string, args ...any) *Error {
	return New(KindNotFound, op, format, args...)
}

func Validation(op, format string, args ...any) *Error {
	return New(KindValidation, op, format, args...)
}

func Fatal(op string, err error) error { return Wrap(KindFatal, op, err) }

func PageProcessing(op string, err error) error { return Wrap(KindPageProcessing, op, err) }

// KindOf returns the outermost Kind in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether any error in err's chain carries kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// HTTPStatus maps an error to the response code clients see.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindTransientStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
