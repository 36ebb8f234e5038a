// Package logs implements a small leveled-logging backend used by the
// per-subsystem loggers in the logger package. It has no third-party
// dependency of its own; the rotation and dual stdout/file writing is
// layered on top by logger.go via github.com/jrick/logrotate/rotator.
package logs

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// BackendWriter is a single sink a Backend writes formatted records to,
// filtered by the levels it accepts.
type BackendWriter struct {
	w        io.Writer
	accepts  func(Level) bool
}

// NewAllLevelsBackendWriter returns a BackendWriter that accepts every level.
func NewAllLevelsBackendWriter(w io.Writer) *BackendWriter {
	return &BackendWriter{w: w, accepts: func(Level) bool { return true }}
}

// NewErrorBackendWriter returns a BackendWriter that accepts only Error and
// above.
func NewErrorBackendWriter(w io.Writer) *BackendWriter {
	return &BackendWriter{w: w, accepts: func(l Level) bool { return l >= LevelError }}
}

// Backend multiplexes formatted log records to a set of BackendWriters and
// hands out per-subsystem Loggers that all write through it.
type Backend struct {
	mu      sync.Mutex
	writers []*BackendWriter
}

// NewBackend creates a logging backend writing to the given writers.
func NewBackend(writers []*BackendWriter) *Backend {
	return &Backend{writers: writers}
}

// Logger returns a new subsystem Logger tagged with subsystem, defaulting to
// LevelInfo.
func (b *Backend) Logger(subsystem string) *Logger {
	l := &Logger{backend: b, tag: subsystem}
	l.level.Store(uint32(LevelInfo))
	return l
}

func (b *Backend) write(level Level, tag, msg string) {
	line := fmt.Sprintf("%s [%s] %s %s\n", time.Now().Format("2006-01-02 15:04:05.000"), level, tag, msg)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, w := range b.writers {
		if w.accepts(level) {
			io.WriteString(w.w, line)
		}
	}
}

// Close releases resources held by the backend's writers that implement
// io.Closer. It never returns an error; failures to close are swallowed the
// way the teacher's shutdown path treats log flushing as best-effort.
func (b *Backend) Close() {
	for _, w := range b.writers {
		if c, ok := w.w.(io.Closer); ok {
			c.Close()
		}
	}
}

// Logger is a single subsystem's handle onto a shared Backend.
type Logger struct {
	backend *Backend
	tag     string
	level   atomic.Uint32
}

// Backend returns the Logger's underlying Backend.
func (l *Logger) Backend() *Backend { return l.backend }

// SetLevel sets the minimum level this Logger will emit.
func (l *Logger) SetLevel(level Level) { l.level.Store(uint32(level)) }

// Level returns the Logger's current minimum level.
func (l *Logger) Level() Level { return Level(l.level.Load()) }

func (l *Logger) log(level Level, format string, args []any) {
	if level < l.Level() {
		return
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	l.backend.write(level, l.tag, msg)
}

func (l *Logger) Tracef(format string, args ...any)    { l.log(LevelTrace, format, args) }
func (l *Logger) Debugf(format string, args ...any)    { l.log(LevelDebug, format, args) }
func (l *Logger) Infof(format string, args ...any)     { l.log(LevelInfo, format, args) }
func (l *Logger) Warnf(format string, args ...any)     { l.log(LevelWarn, format, args) }
func (l *Logger) Errorf(format string, args ...any)    { l.log(LevelError, format, args) }
func (l *Logger) Criticalf(format string, args ...any) { l.log(LevelCritical, format, args) }
