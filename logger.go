package fetchq

import (
	"fmt"
	"io"
	"os"
)

// Logger defines logging methods used by the library. Implementations should be cheap.
// Default is FmtLogger which writes to stdout/stderr using fmt.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Level is the minimum severity a FmtLogger prints.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// FmtLogger is a minimal logger that prints messages with level prefixes.
// Debug/Info go to Out (stdout); Warn/Error go to Err (stderr).
type FmtLogger struct {
	Min Level
	Out io.Writer
	Err io.Writer
}

// NewFmtLogger creates a FmtLogger printing Info and above.
func NewFmtLogger() *FmtLogger { return &FmtLogger{Min: LevelInfo} }

func (l *FmtLogger) printf(lvl Level, prefix, format string, args ...any) {
	if lvl < l.Min {
		return
	}
	w := l.Out
	if lvl >= LevelWarn {
		w = l.Err
	}
	if w == nil {
		w = os.Stdout
		if lvl >= LevelWarn {
			w = os.Stderr
		}
	}
	fmt.Fprintf(w, prefix+format+"\n", args...)
}

func (l *FmtLogger) Debugf(format string, args ...any) { l.printf(LevelDebug, "[DEBUG] ", format, args...) }
func (l *FmtLogger) Infof(format string, args ...any)  { l.printf(LevelInfo, "[INFO]  ", format, args...) }
func (l *FmtLogger) Warnf(format string, args ...any)  { l.printf(LevelWarn, "[WARN]  ", format, args...) }
func (l *FmtLogger) Errorf(format string, args ...any) { l.printf(LevelError, "[ERROR] ", format, args...) }
