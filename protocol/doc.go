// Package protocol implements the Redis Serialization Protocol (RESP)
// for parsing and writing Redis protocol messages.
//
// The reader is a streaming parser fed from any io.Reader; it yields one
// complete frame at a time and is suitable for both client connections and
// the replication stream. The writer buffers output and exposes helpers for
// every RESP kind plus the array-of-bulk-strings form commands travel in.
//
// Basic usage:
//
//	reader := protocol.NewReader(conn)
//	for {
//		value, err := reader.ReadNext()
//		if err != nil {
//			break
//		}
//		// Process value
//	}
//
// The package supports all RESP2 data types:
//   - Simple Strings
//   - Errors
//   - Integers
//   - Bulk Strings
//   - Arrays
//
// It also understands the bulk-string-like payload a master sends during a
// full resynchronization, which carries no trailing CRLF; see
// Reader.ReadRDBPayload.
package protocol
