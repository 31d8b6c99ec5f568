package store

import (
	"errors"
	"fmt"
	"time"
)

// ErrPoolClosed is returned for any operation against a closed pool.
var ErrPoolClosed = errors.New("store: pool closed")

// ErrCircuitOpen short-circuits backing-store calls while the breaker is open.
var ErrCircuitOpen = errors.New("store: circuit open")

// ErrQueryTimeout marks a query abandoned after racing its timer. The
// underlying operation may still complete in the background; its result is
// discarded.
var ErrQueryTimeout = errors.New("store: query timeout")

// ConfigurationError reports a missing or unusable store configuration. It is
// raised at first use and never retried.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("store: configuration: %s", e.Reason)
}

// AcquireTimeoutError signals pool exhaustion under load. It is distinct from
// query errors so callers can retry acquisition without assuming the backing
// store itself failed.
type AcquireTimeoutError struct {
	Waited time.Duration
}

func (e *AcquireTimeoutError) Error() string {
	return fmt.Sprintf("store: acquire timed out after %s", e.Waited)
}

// QueryError wraps the last failure of a query whose retry budget is
// exhausted.
type QueryError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("store: query %q failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }
