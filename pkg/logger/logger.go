// Package logger provides the structured logger used across the transfer
// core. Entries carry a component name, a level and arbitrary key-value
// fields, emitted as JSON or text.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Level represents the logging level.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// String returns the string representation of a level.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level from its string form, defaulting to info.
func ParseLevel(level string) Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DebugLevel
	case "INFO":
		return InfoLevel
	case "WARN", "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	case "FATAL":
		return FatalLevel
	default:
		return InfoLevel
	}
}

// Format represents the output format.
type Format int

const (
	// TextFormat outputs human-readable lines.
	TextFormat Format = iota
	// JSONFormat outputs one JSON object per line.
	JSONFormat
)

// Config represents logger configuration.
type Config struct {
	Level   Level                  `yaml:"level" json:"level"`
	Format  Format                 `yaml:"format" json:"format"`
	Output  io.Writer              `yaml:"-" json:"-"`
	Service string                 `yaml:"service" json:"service"`
	Version string                 `yaml:"version" json:"version"`
	Fields  map[string]interface{} `yaml:"fields" json:"fields"`
}

// Logger is a leveled structured logger. Derived loggers share the output
// and level but carry their own field set.
type Logger struct {
	level     Level
	format    Format
	output    io.Writer
	fields    map[string]interface{}
	service   string
	version   string
	component string
}

// entry is the wire shape of one log line.
type entry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Service   string                 `json:"service,omitempty"`
	Version   string                 `json:"version,omitempty"`
	Component string                 `json:"component,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// New creates a logger. A nil config uses info-level JSON on stdout.
func New(config *Config) *Logger {
	if config == nil {
		config = &Config{
			Level:  InfoLevel,
			Format: JSONFormat,
		}
	}
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.Fields == nil {
		config.Fields = make(map[string]interface{})
	}

	return &Logger{
		level:   config.Level,
		format:  config.Format,
		output:  config.Output,
		fields:  config.Fields,
		service: config.Service,
		version: config.Version,
	}
}

// NewDefault creates a logger with default configuration for a service.
func NewDefault(service, version string) *Logger {
	return New(&Config{
		Level:   InfoLevel,
		Format:  JSONFormat,
		Service: service,
		Version: version,
	})
}

func (l *Logger) clone() *Logger {
	fields := make(map[string]interface{}, len(l.fields))
	for k, v := range l.fields {
		fields[k] = v
	}
	c := *l
	c.fields = fields
	return &c
}

// Named returns a derived logger tagged with a component name. Nested
// names are joined with dots.
func (l *Logger) Named(name string) *Logger {
	c := l.clone()
	if c.component != "" {
		c.component = c.component + "." + name
	} else {
		c.component = name
	}
	return c
}

// WithField returns a derived logger with one additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	c := l.clone()
	c.fields[key] = value
	return c
}

// WithFields returns a derived logger with additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	c := l.clone()
	for k, v := range fields {
		c.fields[k] = v
	}
	return c
}

// WithContext returns a derived logger carrying request-scoped values when
// present on the context.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	c := l.clone()
	if requestID := stringFromContext(ctx, "request_id"); requestID != "" {
		c.fields["request_id"] = requestID
	}
	if userID := stringFromContext(ctx, "user_id"); userID != "" {
		c.fields["user_id"] = userID
	}
	return c
}

// Debug logs at debug level. Trailing args are alternating key-value pairs.
func (l *Logger) Debug(message string, keyvals ...interface{}) {
	l.log(DebugLevel, message, keyvals...)
}

// Info logs at info level.
func (l *Logger) Info(message string, keyvals ...interface{}) {
	l.log(InfoLevel, message, keyvals...)
}

// Warn logs at warn level.
func (l *Logger) Warn(message string, keyvals ...interface{}) {
	l.log(WarnLevel, message, keyvals...)
}

// Error logs at error level.
func (l *Logger) Error(message string, keyvals ...interface{}) {
	l.log(ErrorLevel, message, keyvals...)
}

// Fatal logs at fatal level and exits.
func (l *Logger) Fatal(message string, keyvals ...interface{}) {
	l.log(FatalLevel, message, keyvals...)
	os.Exit(1)
}

func (l *Logger) log(level Level, message string, keyvals ...interface{}) {
	if level < l.level {
		return
	}

	e := &entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level.String(),
		Message:   message,
		Service:   l.service,
		Version:   l.version,
		Component: l.component,
		Fields:    make(map[string]interface{}),
	}

	for k, v := range l.fields {
		l.placeField(e, k, v)
	}
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", keyvals[i])
		}
		l.placeField(e, key, keyvals[i+1])
	}
	if len(keyvals)%2 != 0 {
		e.Fields["extra"] = keyvals[len(keyvals)-1]
	}

	if len(e.Fields) == 0 {
		e.Fields = nil
	}

	l.write(e)
}

func (l *Logger) placeField(e *entry, key string, value interface{}) {
	switch key {
	case "request_id":
		if s, ok := value.(string); ok {
			e.RequestID = s
			return
		}
	case "user_id":
		if s, ok := value.(string); ok {
			e.UserID = s
			return
		}
	case "error":
		if err, ok := value.(error); ok {
			e.Fields[key] = err.Error()
			return
		}
	}
	e.Fields[key] = value
}

func (l *Logger) write(e *entry) {
	var line string

	switch l.format {
	case JSONFormat:
		data, err := json.Marshal(e)
		if err != nil {
			line = fmt.Sprintf("%s [%s] %s\n", e.Timestamp, e.Level, e.Message)
		} else {
			line = string(data) + "\n"
		}
	default:
		line = l.formatText(e)
	}

	l.output.Write([]byte(line))
}

func (l *Logger) formatText(e *entry) string {
	timestamp := e.Timestamp
	if t, err := time.Parse(time.RFC3339Nano, e.Timestamp); err == nil {
		timestamp = t.Format("2006-01-02 15:04:05.000")
	}

	parts := []string{timestamp, fmt.Sprintf("[%s]", e.Level)}
	if e.Component != "" {
		parts = append(parts, e.Component)
	}
	if e.RequestID != "" {
		parts = append(parts, fmt.Sprintf("request_id=%s", e.RequestID))
	}
	if e.UserID != "" {
		parts = append(parts, fmt.Sprintf("user_id=%s", e.UserID))
	}
	parts = append(parts, e.Message)
	for k, v := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}

	return strings.Join(parts, " ") + "\n"
}

func stringFromContext(ctx context.Context, key string) string {
	if value := ctx.Value(key); value != nil {
		if s, ok := value.(string); ok {
			return s
		}
	}
	return ""
}

// SetLevel changes the minimum emitted level.
func (l *Logger) SetLevel(level Level) {
	l.level = level
}

// GetLevel returns the current minimum level.
func (l *Logger) GetLevel() Level {
	return l.level
}
