package feed

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"

	"feed-loader/internal/logging"
)

// Reject file columns surrounding the feed's own columns.
const (
	RejectRowColumn   = "feed_row"
	RejectErrorColumn = "feed_error"
)

// RejectWriter writes the skipped rows of one run to a CSV file together with
// their row number and error message. The header comes from the first row.
type RejectWriter struct {
	filePath string
	mu       sync.Mutex
	file     *os.File
	writer   *csv.Writer
	columns  []string
	closed   bool
	count    int
}

// NewRejectWriter creates or truncates filePath, creating parent directories.
// Every run starts a fresh file, so the header always matches its rows.
func NewRejectWriter(filePath string) (*RejectWriter, error) {
	dir := filepath.Dir(filePath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("RejectWriter failed to create directory for '%s': %w", filePath, err)
		}
	}
	f, err := os.OpenFile(filePath, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("RejectWriter failed to open/create file '%s': %w", filePath, err)
	}
	return &RejectWriter{filePath: filePath, file: f, writer: csv.NewWriter(f)}, nil
}

// Write appends one rejected row. Rows must share the first row's columns.
func (rw *RejectWriter) Write(row RawRow, message string) error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.closed {
		return errors.New("RejectWriter: write called on closed writer")
	}

	if rw.columns == nil {
		rw.columns = row.Columns()
		header := append([]string{RejectRowColumn}, rw.columns...)
		header = append(header, RejectErrorColumn)
		if err := rw.writer.Write(header); err != nil {
			return fmt.Errorf("RejectWriter failed to write header to '%s': %w", rw.filePath, err)
		}
	} else if !slices.Equal(rw.columns, row.Columns()) {
		return fmt.Errorf("RejectWriter: row %d has columns %v, file '%s' has %v", row.Number, row.Columns(), rw.filePath, rw.columns)
	}

	record := append([]string{strconv.Itoa(row.Number)}, row.Values()...)
	record = append(record, message)
	if err := rw.writer.Write(record); err != nil {
		return fmt.Errorf("RejectWriter failed to write row %d to '%s': %w", row.Number, rw.filePath, err)
	}
	rw.writer.Flush()
	if err := rw.writer.Error(); err != nil {
		return fmt.Errorf("RejectWriter error after flushing row %d to '%s': %w", row.Number, rw.filePath, err)
	}
	rw.count++
	return nil
}

// Path returns the file being written.
func (rw *RejectWriter) Path() string {
	return rw.filePath
}

// Count returns the number of rows written by this writer.
func (rw *RejectWriter) Count() int {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.count
}

// Close flushes and closes the file. Safe to call more than once.
func (rw *RejectWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.closed {
		return nil
	}
	rw.closed = true
	logging.Logf(logging.Debug, "RejectWriter closing %s after %d rows", rw.filePath, rw.count)

	rw.writer.Flush()
	flushErr := rw.writer.Error()
	closeErr := rw.file.Close()
	if flushErr != nil {
		return fmt.Errorf("RejectWriter flush error on close for '%s': %w", rw.filePath, flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("RejectWriter file close error for '%s': %w", rw.filePath, closeErr)
	}
	return nil
}
