// Package feed turns feed files into lazy, forward-only streams of raw rows.
//
// Every source applies the same structural policy: the first record is the
// header, its names are normalized once (leading byte-order mark stripped,
// whitespace trimmed, lower-cased), and data records whose field count differs
// from the header, or whose fields are all blank, are dropped without being
// handed to the caller. Dropped records are counted and logged at warning
// level but never reach validation.
package feed

import (
	"context"
	"strings"

	"feed-loader/internal/logging"
)

// Format identifies a feed encoding.
type Format string

// Built-in formats.
const (
	FormatCSV   Format = "csv"
	FormatTSV   Format = "tsv"
	FormatXLSX  Format = "xlsx"
	FormatJSONL Format = "jsonl"
)

// ParseFormat normalizes a user supplied format name.
func ParseFormat(s string) Format {
	return Format(strings.ToLower(strings.TrimSpace(s)))
}

// Source opens feeds of one format.
type Source interface {
	Format() Format
	// Open prepares a stream over path. A missing or unreadable path fails with
	// *FileAccessError before any row is produced.
	Open(ctx context.Context, path string) (Stream, error)
}

// Stream yields rows one at a time. Next returns io.EOF once the feed is exhausted.
type Stream interface {
	Next() (RawRow, error)
	// Header returns the normalized column names.
	Header() []string
	// Dropped returns the number of structurally malformed records skipped so far.
	Dropped() int
	Close() error
}

const byteOrderMark = "\ufeff"

// NormalizeHeaderName trims and lower-cases one header cell.
func NormalizeHeaderName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Header is the normalized, fixed column set of one feed.
type Header struct {
	names []string
	index map[string]int
}

// NewHeader normalizes raw header cells. A leading byte-order mark on the
// first cell is removed. When names repeat, lookups resolve to the last column.
func NewHeader(raw []string) *Header {
	h := &Header{
		names: make([]string, len(raw)),
		index: make(map[string]int, len(raw)),
	}
	for i, cell := range raw {
		if i == 0 {
			cell = strings.TrimPrefix(cell, byteOrderMark)
		}
		name := NormalizeHeaderName(cell)
		h.names[i] = name
		if name != "" {
			h.index[name] = i
		}
	}
	return h
}

// Names returns a copy of the column names in file order.
func (h *Header) Names() []string {
	if h == nil {
		return nil
	}
	out := make([]string, len(h.names))
	copy(out, h.names)
	return out
}

// Len is the expected field count of every data record.
func (h *Header) Len() int {
	if h == nil {
		return 0
	}
	return len(h.names)
}

// RawRow is one data record keyed by normalized column name.
// Number is the 1-based ordinal of the record among the feed's data records.
type RawRow struct {
	Number int
	header *Header
	values []string
}

// NewRawRow builds a row over header. values must not be modified afterwards.
func NewRawRow(number int, header *Header, values []string) RawRow {
	return RawRow{Number: number, header: header, values: values}
}

// Get returns the value of column and whether the column exists.
func (r RawRow) Get(column string) (string, bool) {
	if r.header == nil {
		return "", false
	}
	i, ok := r.header.index[NormalizeHeaderName(column)]
	if !ok || i >= len(r.values) {
		return "", false
	}
	return r.values[i], true
}

// Value returns the value of column, or "" when absent.
func (r RawRow) Value(column string) string {
	v, _ := r.Get(column)
	return v
}

// Columns returns the header names in file order.
func (r RawRow) Columns() []string {
	return r.header.Names()
}

// Values returns a copy of the field values in file order.
func (r RawRow) Values() []string {
	out := make([]string, len(r.values))
	copy(out, r.values)
	return out
}

// Map returns the row as a column to value map. Columns with a blank header are omitted.
func (r RawRow) Map() map[string]string {
	m := make(map[string]string, len(r.values))
	if r.header == nil {
		return m
	}
	for name, i := range r.header.index {
		if i < len(r.values) {
			m[name] = r.values[i]
		}
	}
	return m
}

func isBlank(values []string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// rowShaper applies the per-record structural policy shared by all sources.
type rowShaper struct {
	path    string
	header  *Header
	seen    int
	dropped int
}

// accept numbers the record and reports whether it is well formed.
func (s *rowShaper) accept(values []string) (RawRow, bool) {
	s.seen++
	if isBlank(values) {
		s.dropped++
		logging.Logf(logging.Warning, "%s: record %d is empty; dropping", s.path, s.seen)
		return RawRow{}, false
	}
	if len(values) != s.header.Len() {
		s.dropped++
		logging.Logf(logging.Warning, "%s: record %d has %d fields, expected %d; dropping", s.path, s.seen, len(values), s.header.Len())
		return RawRow{}, false
	}
	return NewRawRow(s.seen, s.header, values), true
}
