package session

import "fmt"

// CapacityError rejects a connection when the active session count has
// reached the configured maximum. No session is constructed.
type CapacityError struct {
	Active int
	Max    int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("server busy: %d/%d sessions", e.Active, e.Max)
}

// Load renders the current load as "n/max".
func (e *CapacityError) Load() string {
	return fmt.Sprintf("%d/%d", e.Active, e.Max)
}

// InitError means the session's automation context could not be prepared.
type InitError struct {
	Err error
}

func (e *InitError) Error() string {
	return "session init failed: " + e.Err.Error()
}

func (e *InitError) Unwrap() error {
	return e.Err
}
