// Package logger provides the structured-logging facade used across
// arrowlog. It mirrors the shape of liftbridge's internal server/logger
// package: a small interface most code depends on, backed here by logrus.
package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the logging interface used throughout arrowlog. Components take
// a Logger rather than depending on logrus directly so tests can inject a
// silent or buffering implementation.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})

	// Silent mutes or unmutes the logger. Tests run silent by default to
	// keep output readable.
	Silent(silent bool)

	// WithField returns a derived Logger that annotates every subsequent
	// line with the given key/value, e.g. stream_id or observer_id.
	WithField(key string, value interface{}) Logger
}

type logrusLogger struct {
	entry *logrus.Entry
}

// New creates a Logger at the given logrus level, writing to stderr. Level 0
// is logrus.PanicLevel, which lets only panic-level entries through.
func New(level logrus.Level) Logger {
	l := logrus.New()
	l.SetLevel(level)
	l.SetOutput(os.Stderr)
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

// NewSilent creates a Logger whose output is discarded. Useful as a default
// in constructors that accept an optional Logger.
func NewSilent() Logger {
	l := New(logrus.InfoLevel)
	l.Silent(true)
	return l
}

func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
func (l *logrusLogger) Fatalf(format string, args ...interface{}) { l.entry.Fatalf(format, args...) }

func (l *logrusLogger) Silent(silent bool) {
	if silent {
		l.entry.Logger.SetOutput(io.Discard)
	} else {
		l.entry.Logger.SetOutput(os.Stderr)
	}
}

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithField(key, value)}
}
