// Package proxylog provides the structured logger threaded through the
// proxy's components. Every package that logs takes a *Logger explicitly
// rather than reaching for a global, so tests can substitute a discard
// logger and multiple proxy instances never interleave log output.
package proxylog

import (
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger wraps a go-kit leveled logger with the key/value pairs common to
// every proxy log line.
type Logger struct {
	base log.Logger
}

// New builds a Logger writing logfmt lines to os.Stderr, timestamped and
// annotated with the caller.
func New() *Logger {
	base := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	base = log.With(base, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	return &Logger{base: base}
}

// Discard builds a Logger that drops everything, for tests.
func Discard() *Logger {
	return &Logger{base: log.NewNopLogger()}
}

// With returns a Logger with additional key/value pairs appended to every
// subsequent line, e.g. proxylog.With(l, "component", "router").
func With(l *Logger, keyvals ...interface{}) *Logger {
	return &Logger{base: log.With(l.base, keyvals...)}
}

func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	level.Debug(l.base).Log(append([]interface{}{"msg", msg}, keyvals...)...)
}

func (l *Logger) Info(msg string, keyvals ...interface{}) {
	level.Info(l.base).Log(append([]interface{}{"msg", msg}, keyvals...)...)
}

func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	level.Warn(l.base).Log(append([]interface{}{"msg", msg}, keyvals...)...)
}

func (l *Logger) Error(msg string, err error, keyvals ...interface{}) {
	kv := append([]interface{}{"msg", msg, "err", err}, keyvals...)
	level.Error(l.base).Log(kv...)
}

// Since returns the time elapsed since start, as a time.Duration for a "dur"
// log field.
func Since(start time.Time) time.Duration {
	return time.Since(start)
}
