package transfer

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"
)

// TestAlreadyActiveError_Error verifies error message formatting
func TestAlreadyActiveError_Error(t *testing.T) {
	err := &AlreadyActiveError{ID: "t1", State: StatePaused}

	expected := "transfer t1 is already active (paused)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

// TestTransportError_Error verifies error message formatting
func TestTransportError_Error(t *testing.T) {
	tests := []struct {
		name       string
		err        *TransportError
		wantFormat string
	}{
		{
			name:       "with cause",
			err:        &TransportError{ID: "t2", URL: "https://x/b.mp3", Err: errors.New("connection reset")},
			wantFormat: "transfer t2 failed fetching https://x/b.mp3: connection reset",
		},
		{
			name:       "without cause",
			err:        &TransportError{ID: "t2", URL: "https://x/b.mp3"},
			wantFormat: "transfer t2 failed fetching https://x/b.mp3",
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

// TestTransportError_Unwrap verifies error chain traversal
func TestTransportError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := &TransportError{ID: "t2", URL: "https://x/b.mp3", Err: cause}

	if unwrapped := errors.Unwrap(err); unwrapped != cause {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, cause)
	}

	wrapped := fmt.Errorf("context: %w", err)
	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is() should find cause in wrapped chain")
	}
}

// TestPlacementError_As verifies programmatic error type detection
func TestPlacementError_As(t *testing.T) {
	originalErr := &PlacementError{ID: "t3", TempPath: "/tmp/x", Err: fs.ErrPermission}

	wrapped := fmt.Errorf("context: %w", originalErr)

	var target *PlacementError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As() should extract PlacementError from wrapped chain")
	}

	if target.ID != "t3" {
		t.Errorf("ID = %q, want %q", target.ID, "t3")
	}

	if !errors.Is(wrapped, fs.ErrPermission) {
		t.Error("errors.Is() should find fs.ErrPermission in wrapped chain")
	}
}

// TestErrorTypes_Nil verifies nil error handling
func TestErrorTypes_Nil(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "TransportError with nil Err", err: &TransportError{ID: "a", URL: "u"}},
		{name: "PlacementError with nil Err", err: &PlacementError{ID: "a", TempPath: "p"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if unwrapped := errors.Unwrap(tt.err); unwrapped != nil {
				t.Errorf("Unwrap() = %v, want nil", unwrapped)
			}

			if errMsg := tt.err.Error(); errMsg == "" {
				t.Error("Error() should return non-empty string even when Err is nil")
			}
		})
	}
}
