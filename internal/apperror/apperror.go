// Package apperror classifies failures of the upload pipeline so transport
// layers can map them without string matching.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthorization
	KindConflict
	KindNotFound
	KindTransientInfra
	// KindInconsistency marks an object assembled in storage whose bookkeeping
	// failed afterwards. It is never repaired automatically.
	KindInconsistency
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindAuthorization:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindTransientInfra:
		return "storage_unavailable"
	case KindInconsistency:
		return "inconsistent_state"
	default:
		return "internal_error"
	}
}

type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

func Validation(op, message string) *Error {
	return newError(KindValidation, op, message, nil)
}

func Authorization(op string) *Error {
	return newError(KindAuthorization, op, "you did not create this upload", nil)
}

func Conflict(op, message string) *Error {
	return newError(KindConflict, op, message, nil)
}

func NotFound(op, message string) *Error {
	return newError(KindNotFound, op, message, nil)
}

func TransientInfra(op string, err error) *Error {
	return newError(KindTransientInfra, op, "object storage request failed", err)
}

func Inconsistency(op string, err error) *Error {
	return newError(KindInconsistency, op, "object assembled but bookkeeping failed", err)
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// MessageOf returns the client-safe message of err. Wrapped causes are not
// included.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "internal error"
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindTransientInfra:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
