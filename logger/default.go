package logger

import "sync/atomic"

// process holds the logger handed to components built without a logger
// option. It is boxed so SetLogger can swap implementations of different
// concrete types.
var process atomic.Pointer[box]

type box struct{ l Logger }

func init() {
	process.Store(&box{l: NewSlog(InfoLevel, false)})
}

// GetLogger returns the process-wide default logger.
func GetLogger() Logger {
	return process.Load().l
}

// SetLogger replaces the process-wide default logger. Components created
// afterwards without an explicit logger option pick up l; a nil l is ignored.
func SetLogger(l Logger) {
	if l != nil {
		process.Store(&box{l: l})
	}
}

// Debug, Info, Warn, Error and Fatal log through the default logger.

func Debug(msg string, keysAndValues ...any) { GetLogger().Debug(msg, keysAndValues...) }

func Info(msg string, keysAndValues ...any) { GetLogger().Info(msg, keysAndValues...) }

func Warn(msg string, keysAndValues ...any) { GetLogger().Warn(msg, keysAndValues...) }

func Error(msg string, keysAndValues ...any) { GetLogger().Error(msg, keysAndValues...) }

func Fatal(msg string, keysAndValues ...any) { GetLogger().Fatal(msg, keysAndValues...) }

// SetLevel changes the minimum level of the default logger.
func SetLevel(level Level) { GetLogger().SetLevel(level) }

// With returns a child of the default logger carrying keyValues.
func With(keyValues ...any) Logger { return GetLogger().With(keyValues...) }
