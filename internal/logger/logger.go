package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "github.com/mediafetch/mediafetch/internal/errors"
)

// Level represents the log level
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

func (l Level) logrus() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// ParseLevel maps a level name to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Entry is the JSON shape of one log line.
type Entry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	TaskID    string                 `json:"task_id,omitempty"`
	Component string                 `json:"component,omitempty"`
	Error     *ErrorDetails          `json:"error,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Caller    string                 `json:"caller,omitempty"`
}

// ErrorDetails contains structured error information
type ErrorDetails struct {
	Code     string `json:"code,omitempty"`
	Message  string `json:"message"`
	Category string `json:"category,omitempty"`
}

// Config controls logger construction.
type Config struct {
	Output    io.Writer
	Level     Level
	Format    string // "json" (default) or "text"
	Component string
	Redactor  *Redactor
}

// Logger provides structured logging on top of logrus.
type Logger struct {
	base      *logrus.Logger
	component string
	redactor  *Redactor
}

// reserved logrus data keys, lifted out of Fields by the formatter
const (
	keyRequestID = "_request_id"
	keyTaskID    = "_task_id"
	keyComponent = "_component"
	keyError     = "_error"
	keyCaller    = "_caller"
)

var defaultLogger = New(&Config{Output: os.Stdout, Level: LevelInfo})

// New creates a logger from cfg. A nil cfg yields an info-level JSON logger on stdout.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = &Config{}
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	base := logrus.New()
	base.SetOutput(out)
	base.SetLevel(cfg.Level.logrus())
	if cfg.Format == "text" {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		base.SetFormatter(entryFormatter{})
	}

	redactor := cfg.Redactor
	if redactor == nil {
		redactor = DefaultRedactor()
	}

	return &Logger{base: base, component: cfg.Component, redactor: redactor}
}

// SetDefault sets the default logger
func SetDefault(l *Logger) {
	defaultLogger = l
}

// Default returns the default logger
func Default() *Logger {
	return defaultLogger
}

// WithComponent returns a logger that tags every entry with component.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{base: l.base, component: component, redactor: l.redactor}
}

// WithRequestID stores id in ctx so entries logged with ctx carry it.
func WithRequestID(ctx context.Context, id string) context.Context {
	return apperrors.WithRequestID(ctx, id)
}

// WithTaskID stores a task id in ctx so background work on the task can be
// correlated with the request that created it.
func WithTaskID(ctx context.Context, id string) context.Context {
	return apperrors.WithTaskID(ctx, id)
}

// RequestIDFromContext returns the request id stored in ctx, if any.
func RequestIDFromContext(ctx context.Context) string {
	return apperrors.GetRequestID(ctx)
}

func (l *Logger) log(ctx context.Context, level Level, msg string, fields map[string]interface{}, err error) {
	if !l.base.IsLevelEnabled(level.logrus()) {
		return
	}

	data := logrus.Fields{}
	for k, v := range l.redactor.RedactFields(fields) {
		data[k] = v
	}
	if ctx != nil {
		if id := apperrors.GetRequestID(ctx); id != "" {
			data[keyRequestID] = id
		}
		if id := apperrors.GetTaskID(ctx); id != "" {
			data[keyTaskID] = id
		}
	}
	if l.component != "" {
		data[keyComponent] = l.component
	}

	if level >= LevelError {
		if _, file, line, ok := runtime.Caller(2); ok {
			parts := strings.Split(file, "/")
			if len(parts) > 2 {
				file = strings.Join(parts[len(parts)-2:], "/")
			}
			data[keyCaller] = fmt.Sprintf("%s:%d", file, line)
		}
	}

	if err != nil {
		details := &ErrorDetails{Message: l.redactor.Redact(err.Error())}
		if appErr, ok := apperrors.As(err); ok {
			details.Code = appErr.Code
			details.Category = string(appErr.Category)
		}
		data[keyError] = details
	}

	l.base.WithFields(data).Log(level.logrus(), l.redactor.Redact(msg))
}

func first(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs a debug message
func (l *Logger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.log(ctx, LevelDebug, msg, first(fields), nil)
}

// Info logs an info message
func (l *Logger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.log(ctx, LevelInfo, msg, first(fields), nil)
}

// Warn logs a warning message
func (l *Logger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.log(ctx, LevelWarn, msg, first(fields), nil)
}

// Error logs an error message
func (l *Logger) Error(ctx context.Context, msg string, err error, fields ...map[string]interface{}) {
	l.log(ctx, LevelError, msg, first(fields), err)
}

// Package-level convenience functions

func Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	defaultLogger.Debug(ctx, msg, fields...)
}

func Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	defaultLogger.Info(ctx, msg, fields...)
}

func Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	defaultLogger.Warn(ctx, msg, fields...)
}

func Error(ctx context.Context, msg string, err error, fields ...map[string]interface{}) {
	defaultLogger.Error(ctx, msg, err, fields...)
}

// entryFormatter renders logrus entries as Entry JSON lines.
type entryFormatter struct{}

func (entryFormatter) Format(e *logrus.Entry) ([]byte, error) {
	out := Entry{
		Timestamp: e.Time.UTC().Format(time.RFC3339Nano),
		Level:     levelName(e.Level),
		Message:   e.Message,
	}

	for k, v := range e.Data {
		switch k {
		case keyRequestID:
			out.RequestID, _ = v.(string)
		case keyTaskID:
			out.TaskID, _ = v.(string)
		case keyComponent:
			out.Component, _ = v.(string)
		case keyCaller:
			out.Caller, _ = v.(string)
		case keyError:
			out.Error, _ = v.(*ErrorDetails)
		default:
			if out.Fields == nil {
				out.Fields = make(map[string]interface{}, len(e.Data))
			}
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			out.Fields[k] = v
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func levelName(l logrus.Level) string {
	switch l {
	case logrus.TraceLevel, logrus.DebugLevel:
		return "debug"
	case logrus.WarnLevel:
		return "warn"
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return "error"
	default:
		return "info"
	}
}
