package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
)

// Log levels, ordered by verbosity.
const (
	None = iota
	Error
	Warning
	Info
	Debug
)

var currentLevel atomic.Int32                                              // Current logging level, read on every call.
var logger = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lmicroseconds) // Global logger instance.

func init() {
	// Default log level is Info.
	currentLevel.Store(Info)
}

// SetLevel sets the global logging level, clamped to [None, Debug].
func SetLevel(level int) {
	// Clamp level to the valid range.
	if level < None {
		level = None
	} else if level > Debug {
		level = Debug
	}
	currentLevel.Store(int32(level))
	// Only announce the change at Debug, where it is visible under the new level.
	if level >= Debug {
		output(Debug, "", 3, fmt.Sprintf("log level set to %d", level))
	}
}

// GetLevel returns the current logging level.
func GetLevel() int {
	return int(currentLevel.Load())
}

// Enabled reports whether messages at level would be written.
func Enabled(level int) bool {
	return int32(level) <= currentLevel.Load()
}

// ParseLevel converts a level name (case-insensitive) to its constant.
// Unknown names return Info together with an error.
func ParseLevel(levelStr string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "none", "off":
		return None, nil
	case "error":
		return Error, nil
	case "warn", "warning":
		return Warning, nil
	case "info", "":
		// An unset level means the default.
		return Info, nil
	case "debug":
		return Debug, nil
	default:
		// Info is returned alongside the error so callers can fall back to it.
		return Info, fmt.Errorf("invalid log level string: '%s'", levelStr)
	}
}

// SetupLogging parses levelStr and applies it, falling back to Info on a bad value.
// Returns the level actually set.
func SetupLogging(levelStr string) int {
	level, err := ParseLevel(levelStr)
	if err != nil {
		// Logged under the previous level; suppressed if that is below Warning.
		Logf(Warning, "Invalid log level '%s', defaulting to 'info': %v", levelStr, err)
	}
	SetLevel(level) // Set the parsed or default level globally.
	return level
}

// SetOutput changes the destination of all log output.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

// Logf writes a formatted message if level is enabled.
func Logf(level int, format string, v ...interface{}) {
	if !Enabled(level) {
		return // Skip formatting entirely when the level is off.
	}
	output(level, "", 3, fmt.Sprintf(format, v...))
}

// Logger prefixes every message with a fixed tag, typically a run identifier.
// The zero value behaves like the package-level Logf.
type Logger struct {
	prefix string
}

// With returns a Logger that tags its lines with "[prefix] ".
func With(prefix string) *Logger {
	return &Logger{prefix: prefix}
}

// Logf writes a formatted, prefixed message if level is enabled.
func (l *Logger) Logf(level int, format string, v ...interface{}) {
	if !Enabled(level) {
		return
	}
	// A nil Logger or empty prefix writes untagged lines.
	prefix := ""
	if l != nil && l.prefix != "" {
		prefix = "[" + l.prefix + "] "
	}
	output(level, prefix, 3, fmt.Sprintf(format, v...))
}

// levelTag returns the fixed-width marker written before each message.
func levelTag(level int) string {
	switch level {
	case Error:
		return "[ERROR] "
	case Warning:
		return "[WARN] "
	case Info:
		return "[INFO] "
	case Debug:
		return "[DEBUG] "
	default:
		return "[UNKN] "
	}
}

// output formats one line. Debug lines get file:line:func of the caller
// located callerDepth frames above output.
func output(level int, prefix string, callerDepth int, message string) {
	head := levelTag(level)
	if level == Debug {
		// Caller lookup is only paid for at Debug.
		// callerDepth counts output itself, runtime.Caller does not.
		if pc, file, line, ok := runtime.Caller(callerDepth - 1); ok {
			funcName := "???" // Used when the function cannot be resolved.
			if f := runtime.FuncForPC(pc); f != nil {
				// Base name only, e.g. "pipeline.(*run).flush".
				funcName = filepath.Base(f.Name())
			}
			head = fmt.Sprintf("%s%s:%d:%s ", head, filepath.Base(file), line, funcName)
		} else {
			head += "???:0:??? "
		}
	}
	// The standard logger adds date and time, and the newline.
	logger.Println(head + prefix + message)
}
