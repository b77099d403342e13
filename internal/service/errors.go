package service

import (
	"errors"

	"mailtriage/internal/mail"
)

var (
	// ErrSetupFailed wraps failures that stop a run before any message is touched.
	ErrSetupFailed   = errors.New("pipeline setup failed")
	ErrRunInProgress = errors.New("a run is already in progress for this session")
	ErrInvalidInput  = errors.New("invalid input")
)

// IsAuthError reports whether err comes from rejected provider credentials.
func IsAuthError(err error) bool {
	return mail.IsAuth(err)
}
