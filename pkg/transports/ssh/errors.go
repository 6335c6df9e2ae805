package ssh

import (
	"errors"
	"fmt"
)

// TransportError classifies an SSH transport failure.
type TransportError struct {
	// Op is the operation that failed (connect, session, write-file).
	Op string

	// Err is the underlying error.
	Err error

	// IsTemporary indicates the operation may succeed on retry.
	IsTemporary bool

	// IsAuthError indicates an authentication failure; retrying with the
	// same credentials will not help.
	IsAuthError bool
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("ssh %s: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *TransportError) Unwrap() error { return e.Err }

// IsTemporaryError reports whether err is a transport error marked temporary.
func IsTemporaryError(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsTemporary
}

// IsAuthenticationError reports whether err is a transport error caused by
// failed authentication.
func IsAuthenticationError(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsAuthError
}
