package feed

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"

	"feed-loader/internal/logging"
)

// maxJSONLineBytes bounds a single JSONL record.
const maxJSONLineBytes = 16 * 1024 * 1024

// JSONLSource reads newline-delimited JSON objects. The sorted, normalized key
// set of the first object becomes the header; later objects must carry the same keys.
type JSONLSource struct {
	opener Opener
}

// NewJSONLSource creates a JSONL source.
func NewJSONLSource(opener Opener) *JSONLSource {
	if opener == nil {
		opener = LocalOpener{}
	}
	return &JSONLSource{opener: opener}
}

// Format returns FormatJSONL.
func (js *JSONLSource) Format() Format {
	return FormatJSONL
}

// Open returns a stream whose header is taken from the first object.
func (js *JSONLSource) Open(ctx context.Context, path string) (Stream, error) {
	rc, err := js.opener.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), maxJSONLineBytes)

	s := &jsonlStream{closer: rc, scanner: scanner, shaper: rowShaper{path: path}}
	if err := s.readHeader(); err != nil {
		rc.Close()
		return nil, &FileAccessError{Path: path, Err: err}
	}
	return s, nil
}

type jsonlStream struct {
	closer  io.Closer
	scanner *bufio.Scanner
	shaper  rowShaper
	pending map[string]interface{}
	done    bool
}

// readHeader scans to the first object. Lines before it that are not objects
// count as dropped records.
func (s *jsonlStream) readHeader() error {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		obj, err := decodeObject(line)
		if err != nil {
			s.shaper.seen++
			s.shaper.dropped++
			logging.Logf(logging.Warning, "%s: record %d is not a JSON object (%v); dropping", s.shaper.path, s.shaper.seen, err)
			continue
		}
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, NormalizeHeaderName(k))
		}
		sort.Strings(keys)
		s.shaper.header = NewHeader(keys)
		s.pending = obj
		return nil
	}
	if err := s.scanner.Err(); err != nil {
		return err
	}
	logging.Logf(logging.Warning, "JSONL feed '%s' is empty", s.shaper.path)
	s.shaper.header = NewHeader(nil)
	s.done = true
	return nil
}

func (s *jsonlStream) Next() (RawRow, error) {
	for !s.done {
		obj := s.pending
		s.pending = nil
		if obj == nil {
			if !s.scanner.Scan() {
				s.done = true
				if err := s.scanner.Err(); err != nil {
					return RawRow{}, fmt.Errorf("reading '%s': %w", s.shaper.path, err)
				}
				break
			}
			line := bytes.TrimSpace(s.scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var err error
			obj, err = decodeObject(line)
			if err != nil {
				s.shaper.seen++
				s.shaper.dropped++
				logging.Logf(logging.Warning, "%s: record %d is not a JSON object (%v); dropping", s.shaper.path, s.shaper.seen, err)
				continue
			}
		}
		values, ok := s.project(obj)
		if !ok {
			s.shaper.seen++
			s.shaper.dropped++
			logging.Logf(logging.Warning, "%s: record %d has keys that differ from the header; dropping", s.shaper.path, s.shaper.seen)
			continue
		}
		if row, ok := s.shaper.accept(values); ok {
			return row, nil
		}
	}
	return RawRow{}, io.EOF
}

// project orders obj's values by the header. It fails when the key sets differ.
func (s *jsonlStream) project(obj map[string]interface{}) ([]string, bool) {
	names := s.shaper.header.names
	if len(obj) != len(names) {
		return nil, false
	}
	byName := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		byName[NormalizeHeaderName(k)] = v
	}
	values := make([]string, len(names))
	for i, name := range names {
		v, ok := byName[name]
		if !ok {
			return nil, false
		}
		values[i] = jsonScalar(v)
	}
	return values, true
}

func decodeObject(line []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errors.New("null record")
	}
	if dec.More() {
		return nil, errors.New("trailing data after object")
	}
	return obj, nil
}

// jsonScalar renders a decoded JSON value as the string a delimited feed would carry.
func jsonScalar(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

func (s *jsonlStream) Header() []string { return s.shaper.header.Names() }

func (s *jsonlStream) Dropped() int { return s.shaper.dropped }

func (s *jsonlStream) Close() error {
	if s.closer == nil {
		return nil
	}
	err := s.closer.Close()
	s.closer = nil
	s.done = true
	return err
}
