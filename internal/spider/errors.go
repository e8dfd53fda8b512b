package spider

import (
	"errors"
	"fmt"
)

var (
	// ErrDropped marks an ad that normalizes to nothing (e.g. a ROOT placeholder task).
	ErrDropped = errors.New("ad dropped")
	// ErrNotFound is returned by lookups that have no entry.
	ErrNotFound = errors.New("not found")
	// ErrClosed is returned when writing to a component that has shut down.
	ErrClosed = errors.New("closed")
)

// QueryError wraps a failure to query a source. Temporary failures are
// eligible for retry by the task distributor; all others are final.
type QueryError struct {
	Source    string
	Err       error
	Temporary bool
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query source %s: %v", e.Source, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// IsTemporary reports whether err carries a temporary QueryError.
func IsTemporary(err error) bool {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Temporary
	}
	return false
}
