package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// LogrusLogger implements Logger on top of logrus with structured chain fields.
type LogrusLogger struct {
	entry *logrus.Entry
}

var _ Logger = (*LogrusLogger)(nil)

// NewLogrusLogger creates a logrus backed logger. Notice maps to logrus' warn level.
func NewLogrusLogger(level Level, json bool) *LogrusLogger {
	return newLogrusLogger(os.Stderr, level, json)
}

func newLogrusLogger(out io.Writer, level Level, json bool) *LogrusLogger {
	l := logrus.New()
	l.SetOutput(out)
	if json {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	switch level {
	case DebugLevel:
		l.SetLevel(logrus.DebugLevel)
	case InfoLevel:
		l.SetLevel(logrus.InfoLevel)
	case NoticeLevel:
		l.SetLevel(logrus.WarnLevel)
	case ErrorLevel:
		l.SetLevel(logrus.ErrorLevel)
	}

	return &LogrusLogger{entry: logrus.NewEntry(l)}
}

func (l *LogrusLogger) withChain(chainID int) *logrus.Entry {
	return l.entry.WithFields(logrus.Fields{
		"chain_id": chainID,
		"chain":    ChainName(chainID),
	})
}

func (l *LogrusLogger) Info(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

func (l *LogrusLogger) InfoWithChain(chainID int, format string, args ...interface{}) {
	l.withChain(chainID).Infof(format, args...)
}

func (l *LogrusLogger) Error(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

func (l *LogrusLogger) ErrorWithChain(chainID int, format string, args ...interface{}) {
	l.withChain(chainID).Errorf(format, args...)
}

func (l *LogrusLogger) Debug(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

func (l *LogrusLogger) DebugWithChain(chainID int, format string, args ...interface{}) {
	l.withChain(chainID).Debugf(format, args...)
}

func (l *LogrusLogger) Notice(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

func (l *LogrusLogger) NoticeWithChain(chainID int, format string, args ...interface{}) {
	l.withChain(chainID).Warnf(format, args...)
}

// New builds the configured logger backend.
func New(format string, enableColoring bool, level Level) Logger {
	switch format {
	case "json":
		return NewLogrusLogger(level, true)
	case "logrus":
		return NewLogrusLogger(level, false)
	default:
		return NewStdLogger(enableColoring, level)
	}
}
