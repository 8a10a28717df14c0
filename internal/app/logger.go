package app

import (
	"context"
	"io"

	"github.com/RyanBlaney/latency-benchmark-common/logging"
	"github.com/sirupsen/logrus"
)

// logrusLogger implements logging.Logger on top of logrus so that log lines
// go to stderr or the log file. Stdout is reserved for command results.
type logrusLogger struct {
	entry *logrus.Entry
}

var _ logging.Logger = (*logrusLogger)(nil)

func newLogrusLogger(out io.Writer, level logging.Level) *logrusLogger {
	base := logrus.New()
	base.SetOutput(out)
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		DisableColors: true,
	})
	base.SetLevel(toLogrusLevel(level))
	return &logrusLogger{entry: logrus.NewEntry(base)}
}

// parseLogLevel maps a configured level name onto logging.Level
func parseLogLevel(name string) logging.Level {
	switch name {
	case "debug":
		return logging.DebugLevel
	case "info":
		return logging.InfoLevel
	case "error":
		return logging.ErrorLevel
	default:
		return logging.WarnLevel
	}
}

func toLogrusLevel(level logging.Level) logrus.Level {
	switch level {
	case logging.DebugLevel:
		return logrus.DebugLevel
	case logging.InfoLevel:
		return logrus.InfoLevel
	case logging.WarnLevel:
		return logrus.WarnLevel
	case logging.ErrorLevel:
		return logrus.ErrorLevel
	default:
		return logrus.FatalLevel
	}
}

func (l *logrusLogger) with(fields []logging.Fields) *logrus.Entry {
	entry := l.entry
	for _, f := range fields {
		entry = entry.WithFields(logrus.Fields(f))
	}
	return entry
}

func (l *logrusLogger) Debug(msg string, fields ...logging.Fields) {
	l.with(fields).Debug(msg)
}

func (l *logrusLogger) Info(msg string, fields ...logging.Fields) {
	l.with(fields).Info(msg)
}

func (l *logrusLogger) Warn(msg string, fields ...logging.Fields) {
	l.with(fields).Warn(msg)
}

func (l *logrusLogger) Error(err error, msg string, fields ...logging.Fields) {
	l.with(fields).WithError(err).Error(msg)
}

func (l *logrusLogger) Fatal(err error, msg string, fields ...logging.Fields) {
	l.with(fields).WithError(err).Fatal(msg)
}

func (l *logrusLogger) WithFields(fields logging.Fields) logging.Logger {
	return &logrusLogger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

func (l *logrusLogger) WithContext(ctx context.Context) logging.Logger {
	return &logrusLogger{entry: l.entry.WithContext(ctx)}
}

// SetLevel changes the level of every logger derived from the same root
func (l *logrusLogger) SetLevel(level logging.Level) {
	l.entry.Logger.SetLevel(toLogrusLevel(level))
}
