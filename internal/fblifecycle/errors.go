package fblifecycle

import (
	"fmt"

	"golang.org/x/xerrors"
)

var (
	ErrForbidden = xerrors.New("Delete token doesn't match.")
	ErrNotFound  = xerrors.New("Not found.")
)

// NotFoundError identifies what couldn't be found. It matches ErrNotFound with
// errors.Is.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s not found: %q.", e.Resource, e.ID) }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ValidationError is a problem with input that the caller needs to fix before
// trying again.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }
