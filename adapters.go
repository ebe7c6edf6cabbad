package redisserver

// replicationLogger adapts Logger to the replication package's
// variadic-pairs logging interface
type replicationLogger struct {
	logger Logger
}

func (rl *replicationLogger) Debug(msg string, fields ...interface{}) {
	rl.logger.Debug(msg, convertFields(fields...)...)
}

func (rl *replicationLogger) Info(msg string, fields ...interface{}) {
	rl.logger.Info(msg, convertFields(fields...)...)
}

func (rl *replicationLogger) Error(msg string, fields ...interface{}) {
	rl.logger.Error(msg, convertFields(fields...)...)
}

func convertFields(fields ...interface{}) []Field {
	result := make([]Field, 0, len(fields)/2)
	for i := 0; i < len(fields)-1; i += 2 {
		if key, ok := fields[i].(string); ok {
			result = append(result, Field{
				Key:   key,
				Value: fields[i+1],
			})
		}
	}
	return result
}
