package download

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

// TestSourceError_Error verifies error message formatting
func TestSourceError_Error(t *testing.T) {
	tests := []struct {
		name       string
		err        *SourceError
		wantFormat string
	}{
		{
			name: "with HTTP status code",
			err: &SourceError{
				Operation:  "open",
				StatusCode: 503,
				Message:    "service unavailable",
			},
			wantFormat: "source error during open (HTTP 503): service unavailable",
		},
		{
			name: "without HTTP status code",
			err: &SourceError{
				Operation: "read",
				Message:   "connection reset",
			},
			wantFormat: "source error during read: connection reset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantFormat {
				t.Errorf("Error() = %q, want %q", got, tt.wantFormat)
			}
		})
	}
}

// TestStorageError_Error verifies error message formatting
func TestStorageError_Error(t *testing.T) {
	err := &StorageError{Op: "rename", Path: "/tmp/a.part", Err: io.ErrShortWrite}

	expected := "storage error during rename on '/tmp/a.part': short write"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}

	noPath := &StorageError{Op: "save_record", Err: io.ErrShortWrite}
	if noPath.Error() != "storage error during save_record: short write" {
		t.Errorf("Error() = %q", noPath.Error())
	}
}

// TestTransitionError_Error verifies error message formatting
func TestTransitionError_Error(t *testing.T) {
	err := &TransitionError{ID: "42", From: StatusQueued, Trigger: TriggerPause}

	expected := "illegal transition: cannot pause download 42 while queued"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

// TestErrorSentinels verifies every typed error matches its sentinel, even when wrapped
func TestErrorSentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"transition", &TransitionError{From: StatusRunning, Trigger: TriggerResume}, ErrIllegalTransition},
		{"input", &InputError{Field: "url", Reason: "empty"}, ErrInvalidInput},
		{"source", &SourceError{Operation: "open", Message: "boom"}, ErrSourceUnavailable},
		{"storage", &StorageError{Op: "rename", Err: io.EOF}, ErrStorage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("failed to pause: %w", tt.err)
			if !errors.Is(wrapped, tt.sentinel) {
				t.Errorf("errors.Is(%v, %v) = false", wrapped, tt.sentinel)
			}
		})
	}
}

// TestErrorUnwrap verifies the underlying cause stays reachable
func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")

	srcErr := &SourceError{Operation: "open", Message: "dial failed", Err: cause}
	if !errors.Is(srcErr, cause) {
		t.Error("SourceError should unwrap to its cause")
	}

	storeErr := &StorageError{Op: "rename", Err: cause}
	if !errors.Is(storeErr, cause) {
		t.Error("StorageError should unwrap to its cause")
	}

	var target *SourceError
	if !errors.As(fmt.Errorf("outer: %w", srcErr), &target) {
		t.Fatal("errors.As should find SourceError")
	}

	if target.Operation != "open" {
		t.Errorf("Operation = %q, want open", target.Operation)
	}
}

func TestMessage(t *testing.T) {
	src := fmt.Errorf("failed to open: %w", &SourceError{Operation: "open", StatusCode: 404, Message: "Download failed: 404 Not Found"})
	if got := Message(src); got != "Download failed: 404 Not Found" {
		t.Errorf("Message() = %q", got)
	}

	if got := Message(errors.New("plain")); got != "plain" {
		t.Errorf("Message() = %q", got)
	}
}
