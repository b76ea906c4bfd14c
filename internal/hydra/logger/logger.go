// Package logger provides the logging interface used throughout the hydra
// packages. It wraps logrus the way the commitlog/server packages it is
// descended from do, so every component can depend on a small interface
// instead of a concrete logging library.
package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the logging interface accepted by every component's Options or
// Config struct. A component given a nil Logger uses NewLogger(0) instead.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	// Silent suppresses all output when silent is true. This is used by
	// tests that want a Logger without stdout noise.
	Silent(silent bool)
}

type logrusLogger struct {
	log    *logrus.Logger
	silent bool
}

// NewLogger returns a Logger backed by logrus at the given level (logrus
// levels: 0=Panic...6=Trace). Level 0 is treated as a sane default (Info).
func NewLogger(level logrus.Level) Logger {
	l := logrus.New()
	l.Out = os.Stderr
	if level == 0 {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &logrusLogger{log: l}
}

func (l *logrusLogger) Debugf(format string, args ...interface{}) {
	if l.silent {
		return
	}
	l.log.Debugf(format, args...)
}

func (l *logrusLogger) Infof(format string, args ...interface{}) {
	if l.silent {
		return
	}
	l.log.Infof(format, args...)
}

func (l *logrusLogger) Warnf(format string, args ...interface{}) {
	if l.silent {
		return
	}
	l.log.Warnf(format, args...)
}

func (l *logrusLogger) Errorf(format string, args ...interface{}) {
	if l.silent {
		return
	}
	l.log.Errorf(format, args...)
}

func (l *logrusLogger) Silent(silent bool) {
	l.silent = silent
}
