package main

import (
	"errors"
	"net/http"

	"golang.org/x/xerrors"

	"github.com/brandur/fadeboard/internal/fblifecycle"
)

var (
	ErrInternalError    = xerrors.New("An internal error has occurred. Please report this to the server operator.")
	ErrRequestTooLarge  = xerrors.New("Request body is larger than the maximum allowed size.")
	ErrRequestMalformed = xerrors.New("Request body could not be parsed.")
)

type ServerError struct {
	Message    string
	StatusCode int
}

func NewServerError(statusCode int, message string) *ServerError {
	return &ServerError{StatusCode: statusCode, Message: message}
}

func (e *ServerError) Error() string {
	return e.Message
}

// translateError maps errors from the lifecycle manager to responses. Anything
// not recognized is returned as is and becomes a generic 500.
func translateError(err error) error {
	var (
		maxBytesErr   *http.MaxBytesError
		validationErr *fblifecycle.ValidationError
	)

	switch {
	case errors.As(err, &validationErr):
		return NewServerError(http.StatusBadRequest, validationErr.Message)

	case errors.Is(err, fblifecycle.ErrNotFound):
		return NewServerError(http.StatusNotFound, err.Error())

	case errors.Is(err, fblifecycle.ErrForbidden):
		return NewServerError(http.StatusForbidden, err.Error())

	case errors.As(err, &maxBytesErr):
		return NewServerError(http.StatusRequestEntityTooLarge, ErrRequestTooLarge.Error())
	}

	return err
}
