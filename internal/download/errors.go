package download

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no record exists for an id.
	ErrNotFound = errors.New("download not found")
	// ErrIllegalTransition is returned when a command is not legal in the record's current status.
	ErrIllegalTransition = errors.New("illegal transition")
	// ErrInvalidInput is returned for malformed commands (bad URL, unknown kind, negative limits).
	ErrInvalidInput = errors.New("invalid input")
	// ErrSourceUnavailable is returned when a transfer source cannot be opened or read.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrStorage is returned when the filesystem or the durable store refuses an operation.
	ErrStorage = errors.New("storage error")
)

// TransitionError describes a rejected lifecycle command.
type TransitionError struct {
	ID      string  // Record id, empty when not yet known
	From    Status  // Status the record was in
	Trigger Trigger // Command that was rejected
}

func (e *TransitionError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: cannot %s a %s download", ErrIllegalTransition, e.Trigger, e.From)
	}

	return fmt.Sprintf("%s: cannot %s download %s while %s", ErrIllegalTransition, e.Trigger, e.ID, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// InputError represents a rejected command argument.
type InputError struct {
	Field  string // Name of the offending argument
	Reason string // Human-readable explanation
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InputError) Is(target error) bool {
	return target == ErrInvalidInput
}

// SourceError represents network failures and unexpected responses from a transfer source.
type SourceError struct {
	Operation  string // The operation that failed (e.g., "open", "read", "poll")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Message    string // Error message from the remote side or the network layer
	Err        error  // Underlying error, if any
}

func (e *SourceError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("source error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("source error during %s: %s", e.Operation, e.Message)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

func (e *SourceError) Is(target error) bool {
	return target == ErrSourceUnavailable
}

// StorageError represents filesystem and database failures.
type StorageError struct {
	Op   string // e.g. "rename", "create_dir", "save_record"
	Path string // File or database path involved, if any
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("storage error during %s on '%s': %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// Message returns the text shown to the user for err, stripping wrapping noise from source errors.
func Message(err error) string {
	var se *SourceError
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}

	return err.Error()
}
