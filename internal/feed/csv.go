package feed

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"feed-loader/internal/logging"
)

// CSVSource reads delimited text feeds: comma separated for FormatCSV, tab
// separated for FormatTSV, or any single-rune delimiter.
type CSVSource struct {
	format      Format
	Delimiter   rune // Field delimiter.
	CommentChar rune // Lines starting with it are ignored. 0 disables.
	opener      Opener
}

// NewCSVSource creates a source for format with optional delimiter and comment
// overrides. An empty delimiter selects ',' for csv and '\t' for tsv.
func NewCSVSource(format Format, delimiter, commentChar string, opener Opener) (*CSVSource, error) {
	delim := ','
	if format == FormatTSV {
		delim = '\t'
	}
	var comment rune

	if delimiter != "" {
		if utf8.RuneCountInString(delimiter) != 1 {
			return nil, fmt.Errorf("invalid delimiter '%s': must be a single character", delimiter)
		}
		delim = []rune(delimiter)[0]
	}
	if commentChar != "" {
		if utf8.RuneCountInString(commentChar) != 1 {
			return nil, fmt.Errorf("invalid comment character '%s': must be a single character or empty", commentChar)
		}
		comment = []rune(commentChar)[0]
	}
	if delim == comment {
		return nil, fmt.Errorf("delimiter and comment character must differ")
	}
	if opener == nil {
		opener = LocalOpener{}
	}

	return &CSVSource{format: format, Delimiter: delim, CommentChar: comment, opener: opener}, nil
}

// Format returns the format this source was registered for.
func (cs *CSVSource) Format() Format {
	return cs.format
}

// Open reads the header record and returns a stream positioned at the first data record.
func (cs *CSVSource) Open(ctx context.Context, path string) (Stream, error) {
	logging.Logf(logging.Debug, "CSVSource opening %s (Delimiter: '%c', Comment: '%c')", path, cs.Delimiter, cs.CommentChar)

	rc, err := cs.opener.Open(ctx, path)
	if err != nil {
		return nil, err
	}

	body := bufio.NewReader(rc)
	if err := skipByteOrderMark(body); err != nil {
		rc.Close()
		return nil, &FileAccessError{Path: path, Err: err}
	}

	reader := csv.NewReader(body)
	reader.Comma = cs.Delimiter
	reader.Comment = cs.CommentChar
	reader.FieldsPerRecord = -1

	s := &csvStream{closer: rc, reader: reader, shaper: rowShaper{path: path}}

	rawHeader, err := reader.Read()
	switch {
	case errors.Is(err, io.EOF):
		logging.Logf(logging.Warning, "CSV feed '%s' is empty", path)
		s.done = true
		s.shaper.header = NewHeader(nil)
		return s, nil
	case err != nil:
		rc.Close()
		return nil, &FileAccessError{Path: path, Err: fmt.Errorf("reading header: %w", err)}
	}
	s.shaper.header = NewHeader(rawHeader)
	return s, nil
}

// skipByteOrderMark consumes a leading UTF-8 byte-order mark, if any.
func skipByteOrderMark(r *bufio.Reader) error {
	peek, err := r.Peek(len(byteOrderMark))
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if string(peek) == byteOrderMark {
		_, err = r.Discard(len(byteOrderMark))
		return err
	}
	return nil
}

type csvStream struct {
	closer io.Closer
	reader *csv.Reader
	shaper rowShaper
	done   bool
}

func (s *csvStream) Next() (RawRow, error) {
	for !s.done {
		values, err := s.reader.Read()
		if errors.Is(err, io.EOF) {
			s.done = true
			break
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			s.shaper.seen++
			s.shaper.dropped++
			logging.Logf(logging.Warning, "%s: record %d is malformed (line %d, column %d: %v); dropping",
				s.shaper.path, s.shaper.seen, parseErr.StartLine, parseErr.Column, parseErr.Err)
			continue
		}
		if err != nil {
			return RawRow{}, fmt.Errorf("reading '%s': %w", s.shaper.path, err)
		}
		if row, ok := s.shaper.accept(values); ok {
			return row, nil
		}
	}
	return RawRow{}, io.EOF
}

func (s *csvStream) Header() []string { return s.shaper.header.Names() }

func (s *csvStream) Dropped() int { return s.shaper.dropped }

func (s *csvStream) Close() error {
	if s.closer == nil {
		return nil
	}
	err := s.closer.Close()
	s.closer = nil
	s.done = true
	return err
}
