package codemem

import "fmt"

// ValidationError reports a rejected input. Field names the offending
// input field and Reason says what was wrong with it.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConcurrentVersionConflict reports that a version append lost the
// race for its number and the bounded retry also lost. The caller can
// re-read the chain and retry with fresh state.
type ConcurrentVersionConflict struct {
	AlgorithmID string
	Version     int
}

func (e *ConcurrentVersionConflict) Error() string {
	return fmt.Sprintf("concurrent write conflict on version %d of algorithm %s", e.Version, e.AlgorithmID)
}

// BackendUnavailableError reports that one of the underlying stores
// could not be reached or opened.
type BackendUnavailableError struct {
	Backend string
	Err     error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("%s backend unavailable: %v", e.Backend, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error {
	return e.Err
}
