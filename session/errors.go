package session

import "errors"

// ValidationError reports the first unmet sign-on requirement. No
// connection is attempted while one of these is returned.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "sign-on validation failed: " + e.Reason
}

// IsValidationError reports whether err is a sign-on validation failure.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

var (
	// ErrNotSignedOn is returned by operations that need a live session.
	ErrNotSignedOn = errors.New("not signed on")

	// ErrSignOnInProgress is returned when a sign-on races another.
	ErrSignOnInProgress = errors.New("sign-on already in progress")
)
