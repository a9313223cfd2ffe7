// Package pipeline drives imports: it pulls raw rows from a feed, validates and
// maps them through a target's rules, buffers the resulting records and flushes
// them in bounded batches to the target's writer.
package pipeline

import (
	"context"

	"feed-loader/internal/feed"
)

// Record is a canonical row ready for storage: an ordered set of columns and
// their typed values. Columns and Values must have equal length, and every
// record produced by one target must report the same columns.
type Record interface {
	Columns() []string
	Values() []any
}

// Field is one named value of a Fields record.
type Field struct {
	Name  string
	Value any
}

// Fields is an ordered Record for targets without a dedicated struct.
type Fields []Field

// Columns returns the field names in order.
func (f Fields) Columns() []string {
	cols := make([]string, len(f))
	for i, field := range f {
		cols[i] = field.Name
	}
	return cols
}

// Values returns the field values in order.
func (f Fields) Values() []any {
	vals := make([]any, len(f))
	for i, field := range f {
		vals[i] = field.Value
	}
	return vals
}

// Get returns the value of the named field.
func (f Fields) Get(name string) (any, bool) {
	for _, field := range f {
		if field.Name == name {
			return field.Value, true
		}
	}
	return nil, false
}

// ValidationOutcome is the verdict for one row together with every violated rule.
type ValidationOutcome struct {
	Valid      bool
	Violations []string
}

// Outcome builds a ValidationOutcome that is valid when violations is empty.
func Outcome(violations []string) ValidationOutcome {
	return ValidationOutcome{Valid: len(violations) == 0, Violations: violations}
}

// Validator checks a raw row. Implementations must not keep state between calls.
type Validator interface {
	Validate(row feed.RawRow) ValidationOutcome
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(row feed.RawRow) ValidationOutcome

// Validate calls f(row).
func (f ValidatorFunc) Validate(row feed.RawRow) ValidationOutcome { return f(row) }

// Mapper converts a validated raw row into a Record.
type Mapper interface {
	Map(row feed.RawRow) (Record, error)
}

// MapperFunc adapts a function to Mapper.
type MapperFunc func(row feed.RawRow) (Record, error)

// Map calls f(row).
func (f MapperFunc) Map(row feed.RawRow) (Record, error) { return f(row) }

// BatchWriter persists one batch atomically. records is non-empty and
// schema-homogeneous. The slice is reused after the call returns, so
// implementations must not retain it.
type BatchWriter interface {
	SaveBatch(ctx context.Context, records []Record) error
}
