package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"feed-loader/internal/pipeline"
)

// Memory is an in-process table store with upsert semantics. It backs dry
// runs and tests.
type Memory struct {
	mu     sync.Mutex
	tables map[string]*memTable
	writes int
}

type memTable struct {
	columns []string
	order   []string
	rows    map[string][]any
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string]*memTable)}
}

// Writer returns a batch writer for table. Its signature matches pipeline.WriterFactory.
func (m *Memory) Writer(table string, conflictKey []string) (pipeline.BatchWriter, error) {
	if table == "" || len(conflictKey) == 0 {
		return nil, fmt.Errorf("memory writer requires a table and a conflict key")
	}
	return &memoryWriter{m: m, table: table, conflictKey: slices.Clone(conflictKey)}, nil
}

// Rows returns copies of the rows of table in first-insert order.
func (m *Memory) Rows(table string) []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tables[table]
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(t.order))
	for _, key := range t.order {
		values := t.rows[key]
		row := make(map[string]any, len(t.columns))
		for i, c := range t.columns {
			row[c] = values[i]
		}
		out = append(out, row)
	}
	return out
}

// Count returns the number of rows in table.
func (m *Memory) Count(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tables[table]; ok {
		return len(t.rows)
	}
	return 0
}

// Writes returns the number of batches applied.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

type memoryWriter struct {
	m           *Memory
	table       string
	conflictKey []string
}

// SaveBatch applies the batch under the store lock, so it is atomic with
// respect to other writers.
func (w *memoryWriter) SaveBatch(ctx context.Context, records []pipeline.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch, err := prepareBatch(records, w.conflictKey)
	if err != nil {
		return fmt.Errorf("memory writer (%s): %w", w.table, err)
	}
	if n := len(batch.rows) * len(batch.columns); n > MaxBindParameters {
		return fmt.Errorf("memory writer (%s): batch needs %d bind parameters, limit is %d", w.table, n, MaxBindParameters)
	}

	w.m.mu.Lock()
	defer w.m.mu.Unlock()

	t, ok := w.m.tables[w.table]
	if !ok {
		t = &memTable{columns: slices.Clone(batch.columns), rows: make(map[string][]any)}
		w.m.tables[w.table] = t
	} else if !slices.Equal(t.columns, batch.columns) {
		return fmt.Errorf("memory writer (%s): columns %v do not match table columns %v", w.table, batch.columns, t.columns)
	}

	for _, row := range batch.rows {
		key := keyString(row, batch.keyIdx)
		if _, exists := t.rows[key]; !exists {
			t.order = append(t.order, key)
		}
		t.rows[key] = slices.Clone(row)
	}
	w.m.writes++
	return nil
}
