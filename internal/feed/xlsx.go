package feed

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"feed-loader/internal/logging"
)

// XLSXSource reads one worksheet of an Excel workbook with excelize's row
// iterator, so sheet data is decoded one row at a time.
type XLSXSource struct {
	sheetName string
	opener    Opener
}

// NewXLSXSource reads sheetName, or the active sheet when empty.
func NewXLSXSource(sheetName string, opener Opener) *XLSXSource {
	if opener == nil {
		opener = LocalOpener{}
	}
	return &XLSXSource{sheetName: sheetName, opener: opener}
}

// Format returns FormatXLSX.
func (xs *XLSXSource) Format() Format {
	return FormatXLSX
}

// Open opens the workbook and reads the header row. Leading empty rows are
// skipped; the first row with content is the header.
func (xs *XLSXSource) Open(ctx context.Context, path string) (Stream, error) {
	rc, err := xs.opener.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	f, err := excelize.OpenReader(rc)
	if err != nil {
		return nil, &FileAccessError{Path: path, Err: fmt.Errorf("opening workbook: %w", err)}
	}

	sheet, err := xs.resolveSheet(f)
	if err != nil {
		f.Close()
		return nil, &FileAccessError{Path: path, Err: err}
	}
	logging.Logf(logging.Debug, "XLSXSource: reading sheet '%s' of %s", sheet, path)

	rows, err := f.Rows(sheet)
	if err != nil {
		f.Close()
		return nil, &FileAccessError{Path: path, Err: fmt.Errorf("reading sheet '%s': %w", sheet, err)}
	}

	s := &xlsxStream{file: f, rows: rows, shaper: rowShaper{path: path}}
	for rows.Next() {
		cols, err := rows.Columns()
		if err != nil {
			s.Close()
			return nil, &FileAccessError{Path: path, Err: fmt.Errorf("reading header row: %w", err)}
		}
		if !isBlank(cols) {
			s.shaper.header = NewHeader(trimTrailingBlank(cols))
			return s, nil
		}
	}
	if err := rows.Error(); err != nil {
		s.Close()
		return nil, &FileAccessError{Path: path, Err: err}
	}
	logging.Logf(logging.Warning, "XLSX sheet '%s' in '%s' is empty", sheet, path)
	s.shaper.header = NewHeader(nil)
	s.done = true
	return s, nil
}

func (xs *XLSXSource) resolveSheet(f *excelize.File) (string, error) {
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return "", fmt.Errorf("workbook contains no sheets")
	}
	if xs.sheetName != "" {
		for _, name := range sheets {
			if strings.EqualFold(name, xs.sheetName) {
				return name, nil
			}
		}
		return "", fmt.Errorf("sheet '%s' not found (available: %v)", xs.sheetName, sheets)
	}
	if name := f.GetSheetName(f.GetActiveSheetIndex()); name != "" {
		return name, nil
	}
	return sheets[0], nil
}

// trimTrailingBlank drops empty cells at the end of a row.
func trimTrailingBlank(cols []string) []string {
	end := len(cols)
	for end > 0 && strings.TrimSpace(cols[end-1]) == "" {
		end--
	}
	return cols[:end]
}

type xlsxStream struct {
	file   *excelize.File
	rows   *excelize.Rows
	shaper rowShaper
	done   bool
}

// Next pads rows that end early, since the sheet format omits trailing empty cells.
func (s *xlsxStream) Next() (RawRow, error) {
	for !s.done && s.rows.Next() {
		cols, err := s.rows.Columns()
		if err != nil {
			return RawRow{}, fmt.Errorf("reading '%s': %w", s.shaper.path, err)
		}
		width := s.shaper.header.Len()
		if len(cols) > width {
			cols = trimTrailingBlank(cols)
		}
		if len(cols) < width && len(cols) > 0 {
			padded := make([]string, width)
			copy(padded, cols)
			cols = padded
		}
		if row, ok := s.shaper.accept(cols); ok {
			return row, nil
		}
	}
	if !s.done {
		s.done = true
		if err := s.rows.Error(); err != nil {
			return RawRow{}, fmt.Errorf("reading '%s': %w", s.shaper.path, err)
		}
	}
	return RawRow{}, io.EOF
}

func (s *xlsxStream) Header() []string { return s.shaper.header.Names() }

func (s *xlsxStream) Dropped() int { return s.shaper.dropped }

func (s *xlsxStream) Close() error {
	if s.file == nil {
		return nil
	}
	var firstErr error
	if err := s.rows.Close(); err != nil {
		firstErr = err
	}
	if err := s.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.file = nil
	s.done = true
	return firstErr
}
