package replication

import "fmt"

// SyncError represents a failed replication attempt with the phase it
// died in and how many attempts preceded it.
type SyncError struct {
	Phase   string // "connect", "handshake", "streaming"
	Err     error
	Retries int
}

// Error implements the error interface
func (e *SyncError) Error() string {
	return fmt.Sprintf("sync error in phase %s after %d retries: %v", e.Phase, e.Retries, e.Err)
}

// Unwrap returns the wrapped error
func (e *SyncError) Unwrap() error {
	return e.Err
}
