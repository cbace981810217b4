package apperr

import (
	"errors"
	"net/http"
)

// Sentinel errors shared by every service. Services wrap them so callers can
// classify failures with errors.Is.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrExpired         = errors.New("credential expired")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrConflict        = errors.New("conflict")
	ErrInternal        = errors.New("internal error")
)

// Kind names the taxonomy entry an error belongs to.
type Kind string

const (
	KindUnauthenticated Kind = "unauthenticated"
	KindExpired         Kind = "expired"
	KindForbidden       Kind = "forbidden"
	KindNotFound        Kind = "not_found"
	KindInvalidInput    Kind = "invalid_input"
	KindConflict        Kind = "conflict"
	KindInternal        Kind = "internal"
)

var kinds = []struct {
	sentinel error
	kind     Kind
	status   int
}{
	{ErrUnauthenticated, KindUnauthenticated, http.StatusUnauthorized},
	{ErrExpired, KindExpired, http.StatusForbidden},
	{ErrForbidden, KindForbidden, http.StatusForbidden},
	{ErrNotFound, KindNotFound, http.StatusNotFound},
	{ErrInvalidInput, KindInvalidInput, http.StatusBadRequest},
	{ErrConflict, KindConflict, http.StatusConflict},
}

// KindOf classifies err. Unknown errors are internal.
func KindOf(err error) Kind {
	for _, entry := range kinds {
		if errors.Is(err, entry.sentinel) {
			return entry.kind
		}
	}
	return KindInternal
}

// HTTPStatus maps err onto the status code returned by the request/response API.
func HTTPStatus(err error) int {
	for _, entry := range kinds {
		if errors.Is(err, entry.sentinel) {
			return entry.status
		}
	}
	return http.StatusInternalServerError
}

// FromStatus maps a response status back onto a sentinel. It returns nil
// below 400. A 403 maps to ErrForbidden since the status alone cannot tell an
// expired credential apart.
func FromStatus(status int) error {
	switch {
	case status < http.StatusBadRequest:
		return nil
	case status == http.StatusUnauthorized:
		return ErrUnauthenticated
	case status == http.StatusForbidden:
		return ErrForbidden
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusConflict:
		return ErrConflict
	case status < http.StatusInternalServerError:
		return ErrInvalidInput
	default:
		return ErrInternal
	}
}
