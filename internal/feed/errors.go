package feed

import "fmt"

// UnsupportedFormatError is returned when no row source is registered for a format.
type UnsupportedFormatError struct {
	Format    Format
	Supported []Format
}

func (e *UnsupportedFormatError) Error() string {
	if len(e.Supported) == 0 {
		return fmt.Sprintf("unsupported feed format '%s'", e.Format)
	}
	return fmt.Sprintf("unsupported feed format '%s' (supported: %v)", e.Format, e.Supported)
}

// FileAccessError is returned when a feed cannot be opened or read before any
// row is produced.
type FileAccessError struct {
	Path string
	Err  error
}

func (e *FileAccessError) Error() string {
	return fmt.Sprintf("cannot access feed '%s': %v", e.Path, e.Err)
}

func (e *FileAccessError) Unwrap() error {
	return e.Err
}
