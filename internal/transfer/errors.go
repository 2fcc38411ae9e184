package transfer

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an operation names a transfer the registry does not hold.
var ErrNotFound = errors.New("transfer not found")

// AlreadyActiveError is returned by Start when the id already maps to a live entry.
// The existing entry is left untouched; callers must cancel or resume it first.
type AlreadyActiveError struct {
	ID    string // Identifier that is already registered
	State State  // State of the existing entry
}

func (e *AlreadyActiveError) Error() string {
	return fmt.Sprintf("transfer %s is already active (%s)", e.ID, e.State)
}

// TransportError represents a failure reported by the transport for a running
// transfer. It is surfaced once through the sink's OnFailed and never retried.
type TransportError struct {
	ID  string // Identifier of the failed transfer
	URL string // Address the transport was fetching
	Err error  // Error reported by the transport
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transfer %s failed fetching %s", e.ID, e.URL)
	}

	return fmt.Sprintf("transfer %s failed fetching %s: %v", e.ID, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// PlacementError represents a local filesystem failure while moving a finished
// download into the artifact store. It is logged and counted, not surfaced.
type PlacementError struct {
	ID       string // Identifier of the completed transfer
	TempPath string // Location the transport left the data in
	Err      error  // Underlying filesystem error
}

func (e *PlacementError) Error() string {
	return fmt.Sprintf("failed to place %s from %s: %v", e.ID, e.TempPath, e.Err)
}

func (e *PlacementError) Unwrap() error {
	return e.Err
}
