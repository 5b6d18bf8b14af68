// Package tracerr defines the failure kinds of a trace merge and the
// wrapper that attributes a failure to a pipeline stage and input.
//
// Components return errors wrapping one of the sentinel kinds with %w; the
// pipeline wraps them once more in *Error so the caller learns which stage
// and which file (guest, host or output) was implicated. Kinds are checked
// with errors.Is through both layers.
package tracerr

import (
	"errors"
	"fmt"
)

// Failure kinds.
var (
	ErrMalformedTrace            = errors.New("malformed trace")
	ErrEmptyTrace                = errors.New("empty trace")
	ErrIO                        = errors.New("i/o failure")
	ErrClockReconciliationFailed = errors.New("clock reconciliation failed")
	ErrTimestampOverflow         = errors.New("timestamp overflow")
	ErrIdentifierSpaceExhausted  = errors.New("identifier space exhausted")
	ErrPartialWriteDetected      = errors.New("partial write detected")
)

var kinds = []error{
	ErrMalformedTrace,
	ErrEmptyTrace,
	ErrIO,
	ErrClockReconciliationFailed,
	ErrTimestampOverflow,
	ErrIdentifierSpaceExhausted,
	ErrPartialWriteDetected,
}

// Stage names a pipeline step.
type Stage string

const (
	StageRead      Stage = "read"
	StageReconcile Stage = "reconcile"
	StageMerge     Stage = "merge"
	StageWrite     Stage = "write"
)

// Inputs and output a failure can be attributed to.
const (
	SourceGuest  = "guest"
	SourceHost   = "host"
	SourceOutput = "output"
)

// Error attributes a failure to a stage and a file.
type Error struct {
	Stage  Stage
	Source string
	Path   string
	Err    error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s %s trace: %v", e.Stage, e.Source, e.Err)
	}
	return fmt.Sprintf("%s %s trace %s: %v", e.Stage, e.Source, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap attributes err to stage, source and path. It returns nil for a nil err.
func Wrap(stage Stage, source, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Stage: stage, Source: source, Path: path, Err: err}
}

// Kind returns the failure kind err wraps, or nil if it wraps none.
func Kind(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
