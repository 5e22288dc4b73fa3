package storage

import (
	"errors"
	"fmt"
)

// Common storage errors.
var (
	// ErrNotFound is returned when a persisted artifact is not found.
	ErrNotFound = errors.New("artifact not found")
)

// CorruptError reports a state file whose contents cannot be decoded.
// Callers back the file up and reinitialize or refuse to proceed;
// counters are never silently zeroed.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt state file %s: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}

// SchemaMismatchError reports a state file written by a different
// schema version. Callers migrate or reject depending on the artifact.
type SchemaMismatchError struct {
	Path string
	Got  string
	Want string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("state file %s has schema %q, want %q", e.Path, e.Got, e.Want)
}
