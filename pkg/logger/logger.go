package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// LogLevel represents the severity of a log message
type LogLevel int32

const (
	// DebugLevel for media negotiation and signaling traffic
	DebugLevel LogLevel = iota
	// InfoLevel for session lifecycle messages
	InfoLevel
	// WarnLevel for recoverable failures
	WarnLevel
	// ErrorLevel for failures surfaced to the user
	ErrorLevel
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a config or flag value to a LogLevel. Unknown values yield InfoLevel.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Logger provides leveled logging. Child loggers created with Named share
// the parent's output and level.
type Logger struct {
	logger   *log.Logger
	level    *atomic.Int32
	prefix   string
	useColor bool
}

// New creates a new Logger instance
func New(out io.Writer, prefix string, level LogLevel) *Logger {
	l := &Logger{
		logger:   log.New(out, "", log.LstdFlags),
		level:    &atomic.Int32{},
		prefix:   prefix,
		useColor: isTerminal(out),
	}
	l.level.Store(int32(level))
	return l
}

// NewDefault creates a logger with default settings (INFO level)
func NewDefault(prefix string) *Logger {
	return New(os.Stdout, prefix, InfoLevel)
}

// Discard returns a logger that drops everything
func Discard() *Logger {
	return New(io.Discard, "", ErrorLevel+1)
}

// Named returns a child logger whose prefix is extended with name
func (l *Logger) Named(name string) *Logger {
	prefix := name
	if l.prefix != "" {
		prefix = l.prefix + "." + name
	}
	return &Logger{
		logger:   l.logger,
		level:    l.level,
		prefix:   prefix,
		useColor: l.useColor,
	}
}

// SetLevel sets the minimum log level
func (l *Logger) SetLevel(level LogLevel) {
	l.level.Store(int32(level))
}

// Level returns the current minimum log level
func (l *Logger) Level() LogLevel {
	return LogLevel(l.level.Load())
}

// Debug logs a debug message
func (l *Logger) Debug(format string, v ...interface{}) {
	l.logAt(DebugLevel, format, v...)
}

// Info logs an informational message
func (l *Logger) Info(format string, v ...interface{}) {
	l.logAt(InfoLevel, format, v...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, v ...interface{}) {
	l.logAt(WarnLevel, format, v...)
}

// Error logs an error message
func (l *Logger) Error(format string, v ...interface{}) {
	l.logAt(ErrorLevel, format, v...)
}

// Printf provides backward compatibility with standard log.Logger
func (l *Logger) Printf(format string, v ...interface{}) {
	l.Info(format, v...)
}

// Println provides backward compatibility with standard log.Logger
func (l *Logger) Println(v ...interface{}) {
	l.Info("%s", fmt.Sprint(v...))
}

func (l *Logger) logAt(level LogLevel, format string, v ...interface{}) {
	if l == nil || l.Level() > level {
		return
	}

	levelStr := level.String()
	if l.useColor {
		levelStr = colorize(level, levelStr)
	}

	message := fmt.Sprintf(format, v...)
	if l.prefix == "" {
		l.logger.Printf("[%s] %s", levelStr, message)
		return
	}
	l.logger.Printf("%s [%s] %s", l.prefix, levelStr, message)
}

// colorize adds ANSI color codes to the log level
func colorize(level LogLevel, text string) string {
	const (
		colorReset  = "\033[0m"
		colorGray   = "\033[90m"
		colorGreen  = "\033[32m"
		colorYellow = "\033[33m"
		colorRed    = "\033[31m"
	)

	switch level {
	case DebugLevel:
		return colorGray + text + colorReset
	case InfoLevel:
		return colorGreen + text + colorReset
	case WarnLevel:
		return colorYellow + text + colorReset
	case ErrorLevel:
		return colorRed + text + colorReset
	default:
		return text
	}
}

// isTerminal checks if the writer is a terminal
func isTerminal(w io.Writer) bool {
	if w == os.Stdout || w == os.Stderr {
		term := os.Getenv("TERM")
		return term != "" && !strings.Contains(term, "dumb")
	}
	return false
}
