package logging

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the logging level
type LogLevel string

const (
	// LogLevelQuiet suppresses all output except errors
	LogLevelQuiet LogLevel = "quiet"
	// LogLevelNormal shows standard operational messages
	LogLevelNormal LogLevel = "normal"
	// LogLevelVerbose shows detailed operational information
	LogLevelVerbose LogLevel = "verbose"
	// LogLevelDebug shows all debug information
	LogLevelDebug LogLevel = "debug"
)

// Logger provides structured logging capabilities
type Logger struct {
	logger *logrus.Logger
	entry  *logrus.Entry
	level  LogLevel
}

// Config holds logger configuration
type Config struct {
	Level      LogLevel
	Output     io.Writer
	Format     string // "text" or "json"
	ShowCaller bool
	LogFile    string
}

// NewLogger creates a new logger with the specified configuration
func NewLogger(config Config) (*Logger, error) {
	logger := logrus.New()

	if config.Output != nil {
		logger.SetOutput(config.Output)
	} else {
		logger.SetOutput(os.Stderr)
	}

	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	logger.SetLevel(toLogrusLevel(config.Level))

	if config.ShowCaller {
		logger.SetReportCaller(true)
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
			CallerPrettyfier: func(f *runtime.Frame) (string, string) {
				filename := filepath.Base(f.File)
				return fmt.Sprintf("%s()", f.Function), fmt.Sprintf("%s:%d", filename, f.Line)
			},
		})
	}

	if config.LogFile != "" {
		file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", config.LogFile, err)
		}

		if config.Output == nil {
			logger.SetOutput(io.MultiWriter(os.Stderr, file))
		} else {
			logger.SetOutput(io.MultiWriter(config.Output, file))
		}
	}

	level := config.Level
	if level == "" {
		level = LogLevelNormal
	}

	return &Logger{
		logger: logger,
		entry:  logrus.NewEntry(logger),
		level:  level,
	}, nil
}

// NewDefaultLogger creates a logger with default configuration
func NewDefaultLogger() *Logger {
	logger, _ := NewLogger(Config{
		Level:  LogLevelNormal,
		Output: os.Stderr,
		Format: "text",
	})
	return logger
}

// NewNopLogger returns a logger that discards everything. Used in tests.
func NewNopLogger() *Logger {
	logger, _ := NewLogger(Config{Level: LogLevelQuiet, Output: io.Discard})
	return logger
}

func toLogrusLevel(level LogLevel) logrus.Level {
	switch level {
	case LogLevelQuiet:
		return logrus.ErrorLevel
	case LogLevelVerbose:
		return logrus.DebugLevel
	case LogLevelDebug:
		return logrus.TraceLevel
	default:
		return logrus.InfoLevel
	}
}

// With returns a child logger that carries the given field on every entry
func (l *Logger) With(key string, value interface{}) *Logger {
	return &Logger{
		logger: l.logger,
		entry:  l.entry.WithField(key, value),
		level:  l.level,
	}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	return l.entry.WithFields(fields)
}

// WithField returns a logger with a single additional field
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.entry.WithField(key, value)
}

// Pipeline logging methods

// LogStage logs a backup attempt stage transition
func (l *Logger) LogStage(attemptID string, from, to string) {
	l.entry.WithFields(logrus.Fields{
		"operation":  "stage_transition",
		"attempt_id": attemptID,
		"from":       from,
		"to":         to,
	}).Debug("Backup attempt advanced")
}

// LogLeaseRenewal logs a secrets broker token renewal
func (l *Logger) LogLeaseRenewal(increment time.Duration, duration time.Duration, err error, recoverable bool) {
	fields := logrus.Fields{
		"operation": "lease_renewal",
		"increment": increment.String(),
		"duration":  duration.String(),
	}

	switch {
	case err == nil:
		l.entry.WithFields(fields).Info("Vault token renewed")
	case recoverable:
		fields["error"] = err.Error()
		l.entry.WithFields(fields).Warn("Vault token is not renewable, continuing")
	default:
		fields["error"] = err.Error()
		l.entry.WithFields(fields).Error("Vault token renewal failed")
	}
}

// LogDump logs a completed or failed dump
func (l *Logger) LogDump(engine, database, outputPath string, duration time.Duration, err error) {
	fields := logrus.Fields{
		"operation": "dump",
		"engine":    engine,
		"database":  database,
		"output":    outputPath,
		"duration":  duration.String(),
	}

	if err != nil {
		fields["error"] = err.Error()
		l.entry.WithFields(fields).Error("Database dump failed")
		return
	}
	l.entry.WithFields(fields).Info("Database dump completed")
}

// LogUpload logs an artifact upload
func (l *Logger) LogUpload(destination, artifactPath, location string, size int64, duration time.Duration, err error) {
	fields := logrus.Fields{
		"operation":   "upload",
		"destination": destination,
		"artifact":    artifactPath,
		"size":        size,
		"duration":    duration.String(),
	}

	if err != nil {
		fields["error"] = err.Error()
		l.entry.WithFields(fields).Error("Artifact upload failed")
		return
	}
	fields["location"] = location
	l.entry.WithFields(fields).Info("Artifact upload completed")
}

// LogNotification logs the outcome of one notification channel
func (l *Logger) LogNotification(channel string, err error) {
	fields := logrus.Fields{
		"operation": "notification",
		"channel":   channel,
	}

	if err != nil {
		fields["error"] = err.Error()
		l.entry.WithFields(fields).Error("Failed to send notification")
		return
	}
	l.entry.WithFields(fields).Info("Notification sent successfully")
}

// Standard logging methods

// Info logs an info message
func (l *Logger) Info(msg string) {
	l.entry.Info(msg)
}

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string) {
	l.entry.Debug(msg)
}

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string) {
	l.entry.Warn(msg)
}

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(msg string) {
	l.entry.Error(msg)
}

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	return l.level
}

// SetLevel sets the log level
func (l *Logger) SetLevel(level LogLevel) {
	l.level = level
	l.logger.SetLevel(toLogrusLevel(level))
}

// LogOperationStart logs the start of an operation and returns a function to log completion
func (l *Logger) LogOperationStart(operation string, fields map[string]interface{}) func(error) {
	startTime := time.Now()

	logFields := logrus.Fields{
		"operation": operation,
		"status":    "started",
	}
	for k, v := range fields {
		logFields[k] = v
	}

	l.entry.WithFields(logFields).Debug("Operation started")

	return func(err error) {
		logFields["status"] = "completed"
		logFields["duration"] = time.Since(startTime).String()

		if err != nil {
			logFields["error"] = err.Error()
			logFields["success"] = false
			l.entry.WithFields(logFields).Error("Operation failed")
		} else {
			logFields["success"] = true
			l.entry.WithFields(logFields).Info("Operation completed")
		}
	}
}

var passwordParam = regexp.MustCompile(`(?i)(password=)([^&\s;]+)`)

// SanitizeURI masks credentials in connection strings and DSNs before they are logged
func SanitizeURI(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.User != nil {
		return passwordParam.ReplaceAllString(u.Redacted(), "${1}xxxxx")
	}

	// user:pass@tcp(host)/db MySQL DSNs do not parse as URLs
	if !strings.Contains(raw, "://") {
		if at := strings.LastIndex(raw, "@"); at > 0 {
			if colon := strings.Index(raw[:at], ":"); colon >= 0 {
				raw = raw[:colon+1] + "xxxxx" + raw[at:]
			}
		}
	}

	return passwordParam.ReplaceAllString(raw, "${1}xxxxx")
}
