package services

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrUnavailable     = errors.New("unavailable")
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrAlreadyExists   = errors.New("already exists")
)

// BackendError describes a failed call against one of the backend services.
// Kind is one of the sentinel errors above and is what errors.Is matches.
type BackendError struct {
	Service string
	Op      string
	Status  int
	Kind    error
	Detail  string
}

func (e *BackendError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *BackendError) Unwrap() error {
	return e.Kind
}

func invalidInput(op, format string, args ...any) error {
	return &BackendError{Service: "task-view", Op: op, Kind: ErrInvalidInput, Detail: fmt.Sprintf(format, args...)}
}

// kindForStatus maps a backend response status onto the error taxonomy.
func kindForStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized:
		return ErrUnauthenticated
	case status == http.StatusNotFound, status == http.StatusForbidden:
		return ErrNotFound
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return ErrInvalidInput
	case status == http.StatusConflict:
		return ErrAlreadyExists
	default:
		return ErrUnavailable
	}
}

// HTTPStatus is the status the intent surface answers with for err.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "UNAUTHENTICATED"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrInvalidInput):
		return "INVALID_INPUT"
	case errors.Is(err, ErrAlreadyExists):
		return "ALREADY_EXISTS"
	case errors.Is(err, ErrUnavailable):
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}
