// Package apperr declares the error kinds shared by the trading core.
//
// Packages declare their own errors by wrapping one of these kinds:
//
//	var ErrUnknownInstrument = fmt.Errorf("%w: unsupported instrument", apperr.ErrValidation)
//
// so callers can classify any returned error with errors.Is.
package apperr

import (
	"errors"
	"net/http"
)

var (
	// ErrValidation marks bad input: order size, unsupported instrument or
	// contract parameters, invalid state transitions requested by a caller.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks an unknown order, contract or margin call id.
	ErrNotFound = errors.New("not found")

	// ErrConfiguration marks a request the engine is not configured to
	// handle, e.g. an unsupported contract type given to the calculator.
	ErrConfiguration = errors.New("configuration error")
)

// HTTPStatus maps an error to the status code the API layer returns.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConfiguration):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
