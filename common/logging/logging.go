// Package logging implements structured logging on top of go-kit/log.
package logging

import (
	"os"
	"sync"

	kitlog "github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// Logger is a structured, leveled logger bound to a module name.
type Logger struct {
	logger kitlog.Logger
}

var (
	rootMu     sync.Mutex
	rootLogger = kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
)

// SetOutput replaces the root go-kit logger, e.g. to redirect to a file.
func SetOutput(w kitlog.Logger) {
	rootMu.Lock()
	defer rootMu.Unlock()
	rootLogger = w
}

// GetLogger returns a Logger scoped to the given module name.
func GetLogger(module string) *Logger {
	rootMu.Lock()
	base := rootLogger
	rootMu.Unlock()

	return &Logger{
		logger: kitlog.With(base, "ts", kitlog.DefaultTimestampUTC, "module", module),
	}
}

func (l *Logger) log(lvl level.Value, msg string, keyvals ...interface{}) {
	args := append([]interface{}{"level", lvl.String(), "msg", msg}, keyvals...)
	_ = l.logger.Log(args...)
}

// Debug logs at debug level with structured key/value fields.
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	l.log(level.DebugValue(), msg, keyvals...)
}

// Info logs at info level with structured key/value fields.
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	l.log(level.InfoValue(), msg, keyvals...)
}

// Warn logs at warn level with structured key/value fields.
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	l.log(level.WarnValue(), msg, keyvals...)
}

// Error logs at error level with structured key/value fields.
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	l.log(level.ErrorValue(), msg, keyvals...)
}
