package resumetoken

import "fmt"

// CorruptError reports a continuation token that cannot be decoded or repaired.
// Callers treat it as "start over": the transfer is restarted from byte zero.
type CorruptError struct {
	Stage  string // Processing step that failed (e.g., "decode", "repair", "encode")
	Reason string // Human-readable explanation
	Err    error  // Underlying error, if any
}

func (e *CorruptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt continuation token (%s): %s: %v", e.Stage, e.Reason, e.Err)
	}

	return fmt.Sprintf("corrupt continuation token (%s): %s", e.Stage, e.Reason)
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}

func corrupt(stage, reason string, err error) *CorruptError {
	return &CorruptError{Stage: stage, Reason: reason, Err: err}
}
