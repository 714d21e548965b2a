package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/tevino/abool"
)

// Severity describes a log level.
type Severity uint32

func (s Severity) toSLogLevel() slog.Level {
	// Convert to slog level.
	switch s {
	case TraceLevel:
		return slog.LevelDebug
	case DebugLevel:
		return slog.LevelDebug
	case InfoLevel:
		return slog.LevelInfo
	case WarningLevel:
		return slog.LevelWarn
	case ErrorLevel:
		return slog.LevelError
	case CriticalLevel:
		return slog.LevelError
	}
	// Failed to convert, return default log level
	return slog.LevelWarn
}

// Log Levels.
const (
	TraceLevel    Severity = 1
	DebugLevel    Severity = 2
	InfoLevel     Severity = 3
	WarningLevel  Severity = 4
	ErrorLevel    Severity = 5
	CriticalLevel Severity = 6
)

var (
	logLevelInt = uint32(InfoLevel)
	logLevel    = &logLevelInt

	started = abool.NewBool(false)
)

// GetLogLevel returns the current log level.
func GetLogLevel() Severity {
	return Severity(atomic.LoadUint32(logLevel))
}

// SetLogLevel sets a new log level and reconfigures the default slog logger.
func SetLogLevel(level Severity) {
	atomic.StoreUint32(logLevel, uint32(level))
	setupSLog(level)
}

// Name returns the name of the log level.
func (s Severity) Name() string {
	switch s {
	case TraceLevel:
		return "trace"
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarningLevel:
		return "warning"
	case ErrorLevel:
		return "error"
	case CriticalLevel:
		return "critical"
	default:
		return "none"
	}
}

// ParseLevel returns the level severity of a log level name.
func ParseLevel(level string) Severity {
	switch strings.ToLower(level) {
	case "trace":
		return 1
	case "debug":
		return 2
	case "info":
		return 3
	case "warning":
		return 4
	case "error":
		return 5
	case "critical":
		return 6
	}
	return 0
}

// Start starts the logging system and sets the default slog logger.
// Logs are written to w, or to stderr if w is nil.
// Calling Start again only changes the log level.
func Start(level string, w io.Writer) error {
	// Parse log level argument.
	initialLogLevel := InfoLevel
	var err error
	if level != "" {
		initialLogLevel = ParseLevel(level)
		if initialLogLevel == 0 {
			err = fmt.Errorf("invalid log level %q, falling back to level info", level)
			initialLogLevel = InfoLevel
		}
	}

	// Setup writer.
	if started.SetToIf(false, true) {
		if w != nil {
			GlobalWriter = NewWriter(w)
		} else {
			GlobalWriter = NewStderrWriter()
		}
	}

	SetLogLevel(initialLogLevel)
	return err
}

// IsStarted returns whether Start was called.
func IsStarted() bool {
	return started.IsSet()
}

func init() {
	// Fall back to stderr until Start is called.
	GlobalWriter = &LogWriter{w: os.Stderr}
}
