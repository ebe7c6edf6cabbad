package redisserver

import (
	"fmt"
	"log"
)

// Field represents a structured log field
type Field struct {
	Key   string
	Value interface{}
}

// Logger interface for custom logging implementations
type Logger interface {
	// Debug logs a debug message with optional fields
	Debug(msg string, fields ...Field)

	// Info logs an info message with optional fields
	Info(msg string, fields ...Field)

	// Error logs an error message with optional fields
	Error(msg string, fields ...Field)
}

// defaultLogger is a simple logger implementation using the standard log
// package
type defaultLogger struct{}

func (l *defaultLogger) Debug(msg string, fields ...Field) {
	l.logWithFields("DEBUG", msg, fields...)
}

func (l *defaultLogger) Info(msg string, fields ...Field) {
	l.logWithFields("INFO", msg, fields...)
}

func (l *defaultLogger) Error(msg string, fields ...Field) {
	l.logWithFields("ERROR", msg, fields...)
}

func (l *defaultLogger) logWithFields(level, msg string, fields ...Field) {
	logMsg := level + ": " + msg
	for _, field := range fields {
		logMsg += " " + field.Key + "=" + formatValue(field.Value)
	}
	log.Println(logMsg)
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case error:
		return val.Error()
	default:
		return fmt.Sprintf("%v", val)
	}
}
