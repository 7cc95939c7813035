package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger writes one JSON object per event. Messages are snake_case event
// names; details go in fields.
type Logger struct {
	base *logrus.Logger
}

func NewLogger() *Logger {
	return NewLoggerWithOutput(os.Stdout, "info")
}

func NewLoggerWithOutput(out io.Writer, level string) *Logger {
	base := logrus.New()
	base.SetOutput(out)
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "timestamp",
			logrus.FieldKeyMsg:  "message",
		},
	})

	parsed, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		parsed = logrus.InfoLevel
	}
	base.SetLevel(parsed)

	return &Logger{base: base}
}

// NewNopLogger discards everything.
func NewNopLogger() *Logger {
	return NewLoggerWithOutput(io.Discard, "panic")
}

func (l *Logger) Debug(message string, fields map[string]any) {
	l.write(logrus.DebugLevel, message, fields)
}

func (l *Logger) Info(message string, fields map[string]any) {
	l.write(logrus.InfoLevel, message, fields)
}

func (l *Logger) Warn(message string, fields map[string]any) {
	l.write(logrus.WarnLevel, message, fields)
}

func (l *Logger) Error(message string, fields map[string]any) {
	l.write(logrus.ErrorLevel, message, fields)
}

func (l *Logger) write(level logrus.Level, message string, fields map[string]any) {
	if l == nil || l.base == nil {
		return
	}
	l.base.WithFields(logrus.Fields(fields)).Log(level, message)
}
