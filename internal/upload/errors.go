package upload

import "errors"

// Validation failures. They are reported before any store call is made.
var (
	ErrOptionsNotProvided    = errors.New("Options not provided")
	ErrOperationNotSupported = errors.New("Operation not supported")
	ErrNoFile                = errors.New("No file attached to post")
	ErrFileNameNotSpecified  = errors.New("File name not specified")
)

// IsValidation reports whether err is one of the request validation
// failures rather than a store error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrOptionsNotProvided) ||
		errors.Is(err, ErrOperationNotSupported) ||
		errors.Is(err, ErrNoFile) ||
		errors.Is(err, ErrFileNameNotSpecified)
}
