// Package logging wraps logrus behind a small Logger interface so that
// storage backends and the transport log through one configurable sink.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields is a set of structured log fields.
type Fields map[string]interface{}

var defaultLogger = logrus.New()

func init() {
	defaultLogger.SetOutput(os.Stderr)
	defaultLogger.SetLevel(logrus.WarnLevel)
	defaultLogger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:          true,
		DisableLevelTruncation: true,
	})
}

// Logger is the logging surface used throughout the module.
type Logger interface {
	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	IsDebugging() bool
}

// Default returns the process-wide logger.
func Default() Logger {
	return &entryWrapper{e: logrus.NewEntry(defaultLogger)}
}

// Level reports the current level of the default logger.
func Level() string {
	return defaultLogger.GetLevel().String()
}

// SetLevel adjusts the default logger's level. Unknown names are ignored.
func SetLevel(level string) {
	switch strings.ToLower(level) {
	case "trace":
		defaultLogger.SetLevel(logrus.TraceLevel)
	case "debug":
		defaultLogger.SetLevel(logrus.DebugLevel)
	case "info":
		defaultLogger.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		defaultLogger.SetLevel(logrus.WarnLevel)
	case "error":
		defaultLogger.SetLevel(logrus.ErrorLevel)
	case "null", "none":
		defaultLogger.SetLevel(logrus.PanicLevel)
		defaultLogger.SetOutput(io.Discard)
	}
}

// SetOutputs directs the default logger at one or more destinations.
// "-" means stdout, "=" means stderr, anything else is a rotated file.
func SetOutputs(outputs []string, fileMaxSizeMB, filesKeep int) {
	var writers []io.Writer
	for _, output := range outputs {
		switch output {
		case "":
			continue
		case "-":
			writers = append(writers, os.Stdout)
		case "=":
			writers = append(writers, os.Stderr)
		default:
			writers = append(writers, &lumberjack.Logger{
				Filename:   output,
				MaxSize:    fileMaxSizeMB,
				MaxBackups: filesKeep,
			})
		}
	}
	switch len(writers) {
	case 0:
	case 1:
		defaultLogger.SetOutput(writers[0])
	default:
		defaultLogger.SetOutput(io.MultiWriter(writers...))
	}
}

type entryWrapper struct {
	e *logrus.Entry
}

func (l *entryWrapper) WithField(key string, value interface{}) Logger {
	return &entryWrapper{e: l.e.WithField(key, value)}
}

func (l *entryWrapper) WithFields(fields Fields) Logger {
	return &entryWrapper{e: l.e.WithFields(logrus.Fields(fields))}
}

func (l *entryWrapper) WithError(err error) Logger {
	return &entryWrapper{e: l.e.WithError(err)}
}

func (l *entryWrapper) Debug(args ...interface{}) { l.e.Debug(args...) }
func (l *entryWrapper) Info(args ...interface{})  { l.e.Info(args...) }
func (l *entryWrapper) Warn(args ...interface{})  { l.e.Warn(args...) }
func (l *entryWrapper) Error(args ...interface{}) { l.e.Error(args...) }

func (l *entryWrapper) Debugf(format string, args ...interface{}) { l.e.Debugf(format, args...) }
func (l *entryWrapper) Infof(format string, args ...interface{})  { l.e.Infof(format, args...) }
func (l *entryWrapper) Warnf(format string, args ...interface{})  { l.e.Warnf(format, args...) }
func (l *entryWrapper) Errorf(format string, args ...interface{}) { l.e.Errorf(format, args...) }

func (l *entryWrapper) IsDebugging() bool {
	return l.e.Logger.IsLevelEnabled(logrus.DebugLevel)
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() Logger {
	lg := logrus.New()
	lg.SetOutput(io.Discard)
	lg.SetLevel(logrus.PanicLevel)
	return &entryWrapper{e: logrus.NewEntry(lg)}
}
