package log

import (
	"fmt"
	"io"
)

// Logger is a minimal wrapper around an io.Writer.
type Logger struct {
	io.Writer
}

// New returns a new logger which writes to w.
func New(w io.Writer) *Logger {
	return &Logger{Writer: w}
}

// Logln logs a line.
func (l *Logger) Logln(args ...interface{}) {
	fmt.Fprintln(l, args...)
}

// Logf logs a formatted string.
func (l *Logger) Logf(f string, args ...interface{}) {
	fmt.Fprintf(l, f, args...)
}

// LogInfofln logs a formatted line, prefixed with `libdetect: `.
func (l *Logger) LogInfofln(format string, args ...interface{}) {
	fmt.Fprintf(l, "libdetect: "+format+"\n", args...)
}

// LogWarnfln logs a formatted line, prefixed with `libdetect: warning: `.
func (l *Logger) LogWarnfln(format string, args ...interface{}) {
	fmt.Fprintf(l, "libdetect: warning: "+format+"\n", args...)
}
