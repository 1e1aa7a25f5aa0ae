// Package logging wraps logrus with the handful of helpers the stack uses.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is the logging level
type Level logrus.Level

// Logging levels
const (
	DebugLevel Level = Level(logrus.DebugLevel)
	InfoLevel  Level = Level(logrus.InfoLevel)
	WarnLevel  Level = Level(logrus.WarnLevel)
	ErrorLevel Level = Level(logrus.ErrorLevel)
)

// Fields is an alias so callers don't need to import logrus.
type Fields = logrus.Fields

var logger = logrus.New()

func init() {
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	// stdout belongs to the REPL
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.InfoLevel)
}

// ParseLevel maps "debug", "info", "warn" and "error" to a Level. Unknown
// strings map to InfoLevel.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// SetLevel sets the logging level
func SetLevel(level Level) {
	logger.SetLevel(logrus.Level(level))
}

// SetOutput sets the log output
func SetOutput(output io.Writer) {
	logger.SetOutput(output)
}

// Output returns the current log output.
func Output() io.Writer {
	return logger.Out
}

// EnableFileLogging sends logs to a rotated file in logDir. When alsoStderr
// is set the existing stderr output is kept as well.
func EnableFileLogging(logDir, logFile string, maxSize, maxBackups, maxAge int, alsoStderr bool) error {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return err
	}

	rotateLogger := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, logFile),
		MaxSize:    maxSize,    // megabytes
		MaxBackups: maxBackups, // number of backups
		MaxAge:     maxAge,     // days
		Compress:   true,
	}

	if alsoStderr {
		logger.SetOutput(io.MultiWriter(os.Stderr, rotateLogger))
	} else {
		logger.SetOutput(rotateLogger)
	}
	return nil
}

// WithFields creates a new log entry with fields
func WithFields(fields Fields) *logrus.Entry {
	return logger.WithFields(fields)
}

// Component returns an entry tagged with the component name.
func Component(name string) *logrus.Entry {
	return logger.WithField("component", name)
}

// Debugf logs a debug message
func Debugf(format string, args ...interface{}) {
	logger.Debugf(format, args...)
}

// Infof logs an info message
func Infof(format string, args ...interface{}) {
	logger.Infof(format, args...)
}

// Warnf logs a warning message
func Warnf(format string, args ...interface{}) {
	logger.Warnf(format, args...)
}

// Errorf logs an error message
func Errorf(format string, args ...interface{}) {
	logger.Errorf(format, args...)
}

// Fatalf logs a fatal message and exits
func Fatalf(format string, args ...interface{}) {
	logger.Fatalf(format, args...)
}

// DebugWithFields logs a debug message with fields
func DebugWithFields(fields Fields, format string, args ...interface{}) {
	logger.WithFields(fields).Debugf(format, args...)
}

// InfoWithFields logs an info message with fields
func InfoWithFields(fields Fields, format string, args ...interface{}) {
	logger.WithFields(fields).Infof(format, args...)
}

// WarnWithFields logs a warning message with fields
func WarnWithFields(fields Fields, format string, args ...interface{}) {
	logger.WithFields(fields).Warnf(format, args...)
}

// ErrorWithFields logs an error message with fields
func ErrorWithFields(fields Fields, format string, args ...interface{}) {
	logger.WithFields(fields).Errorf(format, args...)
}
