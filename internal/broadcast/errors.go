package broadcast

import (
	"errors"
	"fmt"
)

// ErrNotFound reports a missing broadcast.
var ErrNotFound = errors.New("broadcast not found")

// AuthorizationError is a rejected actor: wrong scope, missing capability or
// bad PIN. It is always audited.
type AuthorizationError struct {
	UserID int64
	Reason string
}

func (e *AuthorizationError) Error() string {
	return "not authorized: " + e.Reason
}

// PreconditionError is an operation attempted in the wrong lifecycle state.
// Nothing was changed.
type PreconditionError struct {
	Op     string
	Status Status
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("cannot %s broadcast in status %q", e.Op, e.Status)
}

type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string { return e.Field + " " + e.Msg }

func IsAuthorization(err error) bool {
	var ae *AuthorizationError
	return errors.As(err, &ae)
}

func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
