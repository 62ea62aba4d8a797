package diagnostics

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Level selects how chatty the collector is on its log output.
type Level int32

const (
	LevelQuiet Level = iota
	LevelInfo
	LevelDebug
)

const (
	colorReset = "\x1b[0m"
	colorCyan  = "\x1b[36m"
	colorRed   = "\x1b[31m"
)

// Logger writes component-prefixed lines. It is safe for concurrent use; GC
// workers log from many goroutines at once.
type Logger struct {
	mu    sync.Mutex
	w     io.Writer
	color bool
	level atomic.Int32
}

// NewLogger returns a logger writing to w at LevelInfo.
func NewLogger(w io.Writer, color bool) *Logger {
	l := &Logger{w: w, color: color}
	l.level.Store(int32(LevelInfo))
	return l
}

var std = newStderrLogger()

func newStderrLogger() *Logger {
	fd := os.Stderr.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		return NewLogger(colorable.NewColorableStderr(), true)
	}
	return NewLogger(colorable.NewNonColorable(os.Stderr), false)
}

// Default returns the process-wide logger.
func Default() *Logger { return std }

// SetOutput redirects the process-wide logger.
func SetOutput(w io.Writer, color bool) {
	std.mu.Lock()
	std.w = w
	std.color = color
	std.mu.Unlock()
}

// SetLevel changes the level of the process-wide logger.
func SetLevel(level Level) { std.SetLevel(level) }

func (l *Logger) SetLevel(level Level) { l.level.Store(int32(level)) }

func (l *Logger) Level() Level { return Level(l.level.Load()) }

// Enabled reports whether messages at level would be written. Callers use it
// to avoid formatting arguments on hot paths.
func (l *Logger) Enabled(level Level) bool { return l.Level() >= level }

func (l *Logger) Infof(component, format string, args ...any) {
	if l.Enabled(LevelInfo) {
		l.write(colorCyan, component, format, args)
	}
}

func (l *Logger) Debugf(component, format string, args ...any) {
	if l.Enabled(LevelDebug) {
		l.write(colorCyan, component, format, args)
	}
}

func (l *Logger) write(color, component, format string, args []any) {
	msg := fmt.Sprintf(format, args...)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.color {
		fmt.Fprintf(l.w, "%s[%s]%s %s\n", color, component, colorReset, msg)
	} else {
		fmt.Fprintf(l.w, "[%s] %s\n", component, msg)
	}
}

func Infof(component, format string, args ...any)  { std.Infof(component, format, args...) }
func Debugf(component, format string, args ...any) { std.Debugf(component, format, args...) }

// Debug reports whether debug logging is enabled on the process-wide logger.
func Debug() bool { return std.Enabled(LevelDebug) }

// InvariantError is the panic value of Fatal. A collector that hits one has
// a corrupted heap or reference list and cannot continue.
type InvariantError struct {
	Component string
	Msg       string
}

func (e *InvariantError) Error() string {
	return "gc: " + e.Component + ": " + e.Msg
}

// Fatal logs the violated invariant and panics with an *InvariantError.
// It is not meant to be recovered from except by tests and by the worker pool,
// which forwards the panic to the goroutine that started the collection.
func Fatal(component, format string, args ...any) {
	err := &InvariantError{Component: component, Msg: fmt.Sprintf(format, args...)}
	if std.Enabled(LevelInfo) {
		std.write(colorRed, component, "fatal: %s", []any{err.Msg})
	}
	panic(err)
}
