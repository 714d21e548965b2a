package log

import (
	"io"
	"os"
	"sync"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// GlobalWriter is the global log writer.
var GlobalWriter *LogWriter

// LogWriter is a log writer safe for concurrent use.
type LogWriter struct {
	writeLock  sync.Mutex
	isTerminal bool
	w          io.Writer
}

// NewStderrWriter creates a new log writer that writes to stderr.
// Colors are enabled if stderr is a terminal.
func NewStderrWriter() *LogWriter {
	fd := os.Stderr.Fd()
	return &LogWriter{
		w:          colorable.NewColorableStderr(),
		isTerminal: isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd),
	}
}

// NewWriter creates a new log writer that writes to the given writer without colors.
func NewWriter(w io.Writer) *LogWriter {
	return &LogWriter{
		w: w,
	}
}

// Write writes the buffer to the writer.
func (l *LogWriter) Write(buf []byte) (int, error) {
	l.writeLock.Lock()
	defer l.writeLock.Unlock()

	return l.w.Write(buf)
}

// IsTerminal returns true if the writer writes to a terminal.
func (l *LogWriter) IsTerminal() bool {
	return l != nil && l.isTerminal
}
