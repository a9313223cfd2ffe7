package feed

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Registry maps formats to sources. Keys are checked when the registry is
// built, so lookups never have to break ties.
type Registry struct {
	sources map[Format]Source
	order   []Format
}

// NewRegistry registers sources in order. Empty or duplicate formats are rejected.
func NewRegistry(sources ...Source) (*Registry, error) {
	r := &Registry{sources: make(map[Format]Source, len(sources))}
	for _, src := range sources {
		if src == nil {
			return nil, fmt.Errorf("nil source registered")
		}
		format := src.Format()
		if format == "" {
			return nil, fmt.Errorf("source %T registered with an empty format", src)
		}
		if _, exists := r.sources[format]; exists {
			return nil, fmt.Errorf("duplicate source registered for format '%s'", format)
		}
		r.sources[format] = src
		r.order = append(r.order, format)
	}
	return r, nil
}

// SourceOptions are the per-format settings of the built-in sources.
type SourceOptions struct {
	CSVDelimiter string
	CSVComment   string
	TSVComment   string
	XLSXSheet    string
}

// NewDefaultRegistry registers csv, tsv, xlsx and jsonl sources reading through opener.
func NewDefaultRegistry(opts SourceOptions, opener Opener) (*Registry, error) {
	csvSrc, err := NewCSVSource(FormatCSV, opts.CSVDelimiter, opts.CSVComment, opener)
	if err != nil {
		return nil, fmt.Errorf("csv source: %w", err)
	}
	tsvSrc, err := NewCSVSource(FormatTSV, "", opts.TSVComment, opener)
	if err != nil {
		return nil, fmt.Errorf("tsv source: %w", err)
	}
	return NewRegistry(csvSrc, tsvSrc, NewXLSXSource(opts.XLSXSheet, opener), NewJSONLSource(opener))
}

// Resolve returns the source for format or an *UnsupportedFormatError.
func (r *Registry) Resolve(format Format) (Source, error) {
	if src, ok := r.sources[ParseFormat(string(format))]; ok {
		return src, nil
	}
	return nil, &UnsupportedFormatError{Format: format, Supported: r.Formats()}
}

// Formats lists registered formats in registration order.
func (r *Registry) Formats() []Format {
	out := make([]Format, len(r.order))
	copy(out, r.order)
	return out
}

var extensionFormats = map[string]Format{
	".csv":    FormatCSV,
	".tsv":    FormatTSV,
	".tab":    FormatTSV,
	".xlsx":   FormatXLSX,
	".jsonl":  FormatJSONL,
	".ndjson": FormatJSONL,
}

// FormatFromPath infers the format from the file extension of a local path or
// S3 key. Unknown extensions fail with *UnsupportedFormatError.
func FormatFromPath(path string) (Format, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if format, ok := extensionFormats[ext]; ok {
		return format, nil
	}
	return "", &UnsupportedFormatError{Format: Format(strings.TrimPrefix(ext, "."))}
}
