package matching

import "fmt"

// ValidationError rejects a malformed request before any pipeline work.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("matching: invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError signals that a required entity does not exist in the store.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("matching: %s %q not found", e.Resource, e.ID)
}
