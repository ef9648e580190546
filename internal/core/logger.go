// Package core provides the tunnel lifecycle controller and its collaborators.
package core

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	// LogLevelDebug is for verbose debugging information
	LogLevelDebug LogLevel = iota
	// LogLevelInfo is for informational messages
	LogLevelInfo
	// LogLevelWarn is for warning messages
	LogLevelWarn
	// LogLevelError is for error messages
	LogLevelError
)

const logTimeFormat = "2006-01-02 15:04:05"

// Logger is a leveled logger backed by zerolog
type Logger struct {
	mu     sync.RWMutex
	level  LogLevel
	output io.Writer
	prefix string
	zl     zerolog.Logger
}

var (
	// DefaultLogger is the global logger instance
	DefaultLogger *Logger
	once          sync.Once
)

// InitLogger initializes the global logger and points zerolog's global logger at it
func InitLogger(debug bool) {
	once.Do(func() {
		DefaultLogger = NewLogger(debug)
		log.Logger = DefaultLogger.backend()
	})
}

// NewLogger creates a new logger instance writing to stderr
func NewLogger(debug bool) *Logger {
	level := LogLevelInfo
	if debug {
		level = LogLevelDebug
	}

	l := &Logger{
		level:  level,
		output: os.Stderr,
	}
	l.rebuild()
	return l
}

// SetLevel sets the minimum log level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
	l.rebuild()
}

// SetOutput sets the output writer. The dashboard uses this to keep logs off the terminal it draws on.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
	l.rebuild()
	if l == DefaultLogger {
		log.Logger = l.zl
	}
}

// SetPrefix sets a prefix for all log messages
func (l *Logger) SetPrefix(prefix string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prefix = prefix
	l.rebuild()
}

// rebuild recreates the zerolog backend; callers hold mu
func (l *Logger) rebuild() {
	writer := zerolog.ConsoleWriter{
		Out:        l.output,
		TimeFormat: logTimeFormat,
		NoColor:    !isTerminalWriter(l.output),
	}

	ctx := zerolog.New(writer).Level(l.level.zerologLevel()).With().Timestamp()
	if l.prefix != "" {
		ctx = ctx.Str("component", l.prefix)
	}
	l.zl = ctx.Logger()
}

func (l *Logger) backend() zerolog.Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.zl
}

func (level LogLevel) zerologLevel() zerolog.Level {
	switch level {
	case LogLevelDebug:
		return zerolog.DebugLevel
	case LogLevelInfo:
		return zerolog.InfoLevel
	case LogLevelWarn:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

// shouldLog checks if a message should be logged based on the current level
func (l *Logger) shouldLog(level LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	zl := l.backend()
	zl.Debug().Msgf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	zl := l.backend()
	zl.Info().Msgf(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	zl := l.backend()
	zl.Warn().Msgf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	zl := l.backend()
	zl.Error().Msgf(format, args...)
}

// ProviderCommand logs an external command in debug mode
func (l *Logger) ProviderCommand(name string, args []string) {
	if !l.shouldLog(LogLevelDebug) {
		return
	}
	zl := l.backend()
	zl.Debug().Str("cmd", name).Strs("args", args).Msg("exec")
}

// ProviderOutput logs captured command output in debug mode
func (l *Logger) ProviderOutput(name string, stdout, stderr string) {
	if !l.shouldLog(LogLevelDebug) {
		return
	}
	zl := l.backend()
	if s := strings.TrimSpace(stdout); s != "" {
		zl.Debug().Str("cmd", name).Str("stdout", s).Msg("output")
	}
	if s := strings.TrimSpace(stderr); s != "" {
		zl.Debug().Str("cmd", name).Str("stderr", s).Msg("output")
	}
}

// Package-level convenience functions

// Debug logs a debug message using the default logger
func Debug(format string, args ...interface{}) {
	if DefaultLogger != nil {
		DefaultLogger.Debug(format, args...)
	} else {
		log.Debug().Msgf(format, args...)
	}
}

// Info logs an informational message using the default logger
func Info(format string, args ...interface{}) {
	if DefaultLogger != nil {
		DefaultLogger.Info(format, args...)
	} else {
		log.Info().Msgf(format, args...)
	}
}

// Warn logs a warning message using the default logger
func Warn(format string, args ...interface{}) {
	if DefaultLogger != nil {
		DefaultLogger.Warn(format, args...)
	} else {
		log.Warn().Msgf(format, args...)
	}
}

// Error logs an error message using the default logger
func Error(format string, args ...interface{}) {
	if DefaultLogger != nil {
		DefaultLogger.Error(format, args...)
	} else {
		log.Error().Msgf(format, args...)
	}
}

// LogCommand logs an external command using the default logger
func LogCommand(name string, args []string) {
	if DefaultLogger != nil {
		DefaultLogger.ProviderCommand(name, args)
	}
}

// LogCommandOutput logs external command output using the default logger
func LogCommandOutput(name string, stdout, stderr string) {
	if DefaultLogger != nil {
		DefaultLogger.ProviderOutput(name, stdout, stderr)
	}
}

// isTerminalWriter reports whether w is an interactive terminal
func isTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// formatArgs renders a command line for messages shown to users
func formatArgs(name string, args []string) string {
	return fmt.Sprintf("%s %s", name, strings.Join(args, " "))
}
