package logger

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func ParseLevel(s string) Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DEBUG
	case "WARN":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

type Logger struct {
	mu    sync.Mutex
	level Level
	out   io.Writer
}

type entry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

var defaultLogger = &Logger{level: INFO, out: os.Stderr}

func New(level Level, out io.Writer) *Logger {
	return &Logger{level: level, out: out}
}

func SetLevel(level Level) {
	defaultLogger.mu.Lock()
	defaultLogger.level = level
	defaultLogger.mu.Unlock()
}

// SetOutput redirects the default logger, mainly for tests.
func SetOutput(out io.Writer) {
	defaultLogger.mu.Lock()
	defaultLogger.out = out
	defaultLogger.mu.Unlock()
}

func (l *Logger) log(level Level, message string, fields map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	e := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     level.String(),
		Message:   message,
		Fields:    redact(fields),
	}

	line, err := json.Marshal(e)
	if err != nil {
		return
	}
	line = append(line, '\n')
	_, _ = l.out.Write(line)
}

func (l *Logger) Debug(message string, fields ...map[string]interface{}) {
	l.log(DEBUG, message, merge(fields...))
}

func (l *Logger) Info(message string, fields ...map[string]interface{}) {
	l.log(INFO, message, merge(fields...))
}

func (l *Logger) Warn(message string, fields ...map[string]interface{}) {
	l.log(WARN, message, merge(fields...))
}

func (l *Logger) Error(message string, fields ...map[string]interface{}) {
	l.log(ERROR, message, merge(fields...))
}

func Debug(message string, fields ...map[string]interface{}) {
	defaultLogger.Debug(message, fields...)
}

func Info(message string, fields ...map[string]interface{}) {
	defaultLogger.Info(message, fields...)
}

func Warn(message string, fields ...map[string]interface{}) {
	defaultLogger.Warn(message, fields...)
}

func Error(message string, fields ...map[string]interface{}) {
	defaultLogger.Error(message, fields...)
}

func merge(fieldMaps ...map[string]interface{}) map[string]interface{} {
	if len(fieldMaps) == 0 {
		return nil
	}
	result := make(map[string]interface{})
	for _, fields := range fieldMaps {
		for k, v := range fields {
			result[k] = v
		}
	}
	return result
}

var sensitiveKeys = []string{
	"key", "token", "secret", "password", "signature", "authorization", "auth",
}

// redact masks values whose keys look like they carry credentials, so a
// webhook signature or API key never ends up in plain text logs.
func redact(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if !isSensitive(k) {
			out[k] = v
			continue
		}

		str, ok := v.(string)
		if !ok || len(str) <= 8 {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = str[:3] + "..." + str[len(str)-3:]
	}
	return out
}

func isSensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func init() {
	// Keep test output quiet unless a test opts back in.
	if strings.Contains(os.Args[0], ".test") {
		SetLevel(WARN)
		return
	}
	SetLevel(ParseLevel(os.Getenv("LOG_LEVEL")))
}
