package trace

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedRecord = errors.New("malformed record")
	ErrTraceUnreliable = errors.New("trace unreliable")
	ErrEmptyTrace      = errors.New("empty trace")
)

// MalformedRecordError describes one skipped line.
type MalformedRecordError struct {
	Source string
	Line   int
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("%s:%d: malformed record: %s", e.Source, e.Line, e.Reason)
}

func (e *MalformedRecordError) Unwrap() error { return ErrMalformedRecord }

// LoadError is a fatal load failure with the offending file and, when one
// line is to blame, its position.
type LoadError struct {
	Source string
	Line   int
	Err    error
}

func (e *LoadError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %v", e.Source, e.Line, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
