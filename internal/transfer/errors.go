package transfer

import (
	"errors"
	"fmt"

	"github.com/Wajid2001/Free-Download-Manager/internal/download"
)

// ErrResumeRejected is wrapped by source errors raised when a server refuses to continue from the
// requested offset. The record must restart from zero.
var ErrResumeRejected = errors.New("resume rejected")

// InvalidContentError represents torrent metadata that could not be parsed or loaded.
type InvalidContentError struct {
	Source string // URL or path of the rejected content
	Reason string // Human-readable explanation of why the content is invalid
	Err    error  // Underlying error, if any
}

func (e *InvalidContentError) Error() string {
	return fmt.Sprintf("invalid torrent content in %s: %s", e.Source, e.Reason)
}

func (e *InvalidContentError) Unwrap() error {
	return e.Err
}

func (e *InvalidContentError) Is(target error) bool {
	return target == download.ErrSourceUnavailable
}

// AuthenticationError represents 401 Unauthorized and 403 Forbidden responses from a session backend.
type AuthenticationError struct {
	Operation string // The operation that required authentication
	Err       error  // Underlying error, if any
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

func (e *AuthenticationError) Is(target error) bool {
	return target == download.ErrSourceUnavailable
}
