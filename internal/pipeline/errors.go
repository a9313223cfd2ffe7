package pipeline

import (
	"fmt"
	"strings"
)

// UnsupportedTargetError is returned when no target is registered under a name.
type UnsupportedTargetError struct {
	Target string
	Known  []string
}

func (e *UnsupportedTargetError) Error() string {
	if len(e.Known) == 0 {
		return fmt.Sprintf("unsupported import target '%s'", e.Target)
	}
	return fmt.Sprintf("unsupported import target '%s' (known: %s)", e.Target, strings.Join(e.Known, ", "))
}

// RowValidationError reports the rules one row violated. It is recorded, not returned.
type RowValidationError struct {
	Row        int
	Violations []string
}

func (e *RowValidationError) Error() string {
	return fmt.Sprintf("row %d: %s", e.Row, strings.Join(e.Violations, "; "))
}

// MappingError reports a row that passed validation but could not be converted.
type MappingError struct {
	Row   int
	Field string
	Err   error
}

func (e *MappingError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("row %d: %s: %v", e.Row, e.Field, e.Err)
	}
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

func (e *MappingError) Unwrap() error {
	return e.Err
}

// BatchWriteError is fatal to a run. Batches before Batch stay committed.
type BatchWriteError struct {
	Batch    int
	Rows     int
	FirstRow int
	LastRow  int
	Err      error
}

func (e *BatchWriteError) Error() string {
	return fmt.Sprintf("writing batch %d (%d records, rows %d-%d): %v", e.Batch, e.Rows, e.FirstRow, e.LastRow, e.Err)
}

func (e *BatchWriteError) Unwrap() error {
	return e.Err
}

// State is a step of an import run.
type State int

// Run states. Failed is reachable from every other state.
const (
	StateInitializing State = iota
	StateStreaming
	StateFlushing
	StateFinalizing
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateStreaming:
		return "streaming"
	case StateFlushing:
		return "flushing"
	case StateFinalizing:
		return "finalizing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
