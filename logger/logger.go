// Package logger is the small logging facade shared by reactor, socket
// and tlssocket. It wraps bilog the same way the rest of the ecosystem
// does: a tiny printf-style interface so call sites never import bilog
// directly, and a process-wide default that can be swapped or silenced.
package logger

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/zbh255/bilog"
)

const (
	statusOpen  int64 = 1
	statusClose int64 = 0
)

// LLogger is the printf-style logging surface every package in this
// module depends on instead of the standard library's log package.
type LLogger interface {
	Debug(format string, v ...interface{})
	Info(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Error(format string, v ...interface{})
	Panic(format string, v ...interface{})
}

// DefaultLogger is used by every package that doesn't have an
// explicitly injected logger.
var DefaultLogger LLogger

type bilogLogger struct {
	open    int64
	logging bilog.Logger
}

// New wraps an already-configured bilog.Logger.
func New(l bilog.Logger) LLogger {
	return &bilogLogger{logging: l, open: statusOpen}
}

func (l *bilogLogger) enabled() bool {
	return atomic.LoadInt64(&l.open) == statusOpen
}

func (l *bilogLogger) Debug(format string, v ...interface{}) {
	if !l.enabled() {
		return
	}
	l.logging.Debug(fmt.Sprintf(format, v...))
}

func (l *bilogLogger) Info(format string, v ...interface{}) {
	if !l.enabled() {
		return
	}
	l.logging.Info(fmt.Sprintf(format, v...))
}

func (l *bilogLogger) Warn(format string, v ...interface{}) {
	if !l.enabled() {
		return
	}
	l.logging.Trace(fmt.Sprintf(format, v...))
}

func (l *bilogLogger) Error(format string, v ...interface{}) {
	if !l.enabled() {
		return
	}
	l.logging.ErrorFromString(fmt.Sprintf(format, v...))
}

func (l *bilogLogger) Panic(format string, v ...interface{}) {
	if !l.enabled() {
		return
	}
	l.logging.PanicFromString(fmt.Sprintf(format, v...))
}

// SetEnabled toggles the default logger's output without swapping it
// out, mirroring the teacher's SetOpenLogger knob.
func SetEnabled(ok bool) {
	impl, good := DefaultLogger.(*bilogLogger)
	if !good {
		return
	}
	if ok {
		atomic.StoreInt64(&impl.open, statusOpen)
	} else {
		atomic.StoreInt64(&impl.open, statusClose)
	}
}

// Nil is a LLogger that discards everything; useful in tests that want
// to assert behavior without log noise.
type Nil struct{}

func (Nil) Debug(string, ...interface{}) {}
func (Nil) Info(string, ...interface{})  {}
func (Nil) Warn(string, ...interface{})  {}
func (Nil) Error(string, ...interface{}) {}
func (Nil) Panic(string, ...interface{}) {}

func init() {
	DefaultLogger = &bilogLogger{
		open: statusOpen,
		logging: bilog.NewLogger(
			os.Stdout, bilog.PANIC,
			bilog.WithTimes(),
			bilog.WithCaller(1),
			bilog.WithLowBuffer(0),
			bilog.WithTopBuffer(0),
		),
	}
}
