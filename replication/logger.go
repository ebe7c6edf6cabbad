package replication

// Logger interface for replication logging
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// defaultLogger discards everything; callers inject a real logger
type defaultLogger struct{}

func (l *defaultLogger) Debug(msg string, fields ...interface{}) {}
func (l *defaultLogger) Info(msg string, fields ...interface{})  {}
func (l *defaultLogger) Error(msg string, fields ...interface{}) {}
