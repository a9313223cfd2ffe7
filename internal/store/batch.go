// Package store holds the batch writers behind import targets: a Postgres
// upsert writer and an in-memory store with the same conflict semantics.
package store

import (
	"fmt"
	"slices"
	"strings"

	"feed-loader/internal/pipeline"
)

// MaxBindParameters is the Postgres limit on parameters in one statement.
const MaxBindParameters = 65535

// preparedBatch is a validated batch ready to be written.
type preparedBatch struct {
	columns []string
	keyIdx  []int
	rows    [][]any
	// collapsed counts rows replaced by a later row with the same key.
	collapsed int
}

// prepareBatch checks that records share one column set containing the
// conflict key and collapses rows with equal keys to their last occurrence.
func prepareBatch(records []pipeline.Record, conflictKey []string) (*preparedBatch, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	columns := records[0].Columns()
	if len(columns) == 0 {
		return nil, fmt.Errorf("records have no columns")
	}

	keyIdx := make([]int, len(conflictKey))
	for i, key := range conflictKey {
		idx := slices.Index(columns, key)
		if idx < 0 {
			return nil, fmt.Errorf("conflict key column '%s' missing from record columns %v", key, columns)
		}
		keyIdx[i] = idx
	}

	rows := make([][]any, 0, len(records))
	position := make(map[string]int, len(records))
	collapsed := 0
	for i, rec := range records {
		if i > 0 && !slices.Equal(rec.Columns(), columns) {
			return nil, fmt.Errorf("record %d has columns %v, batch columns are %v", i+1, rec.Columns(), columns)
		}
		values := rec.Values()
		if len(values) != len(columns) {
			return nil, fmt.Errorf("record %d has %d values for %d columns", i+1, len(values), len(columns))
		}
		key := keyString(values, keyIdx)
		if at, seen := position[key]; seen {
			rows[at] = nil
			collapsed++
		}
		position[key] = len(rows)
		rows = append(rows, values)
	}
	if collapsed > 0 {
		rows = slices.DeleteFunc(rows, func(r []any) bool { return r == nil })
	}
	return &preparedBatch{columns: columns, keyIdx: keyIdx, rows: rows, collapsed: collapsed}, nil
}

func keyString(values []any, keyIdx []int) string {
	parts := make([]string, len(keyIdx))
	for i, idx := range keyIdx {
		parts[i] = fmt.Sprintf("%v", values[idx])
	}
	return strings.Join(parts, "\x00")
}
