package protocol

import "fmt"

// ProtocolError reports malformed RESP framing. The stream that produced
// one cannot be resynchronized, so the connection must be closed.
type ProtocolError struct {
	Message string
	Data    []byte
}

// Error implements the error interface
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Message)
}

func protocolErrorf(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Message: fmt.Sprintf(format, args...)}
}
