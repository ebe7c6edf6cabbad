// Package storage provides the in-memory keyspace engine for the server.
//
// The engine stores string and stream values in a sharded hash map with
// per-shard locking, handles absolute-time expiration lazily on access
// (with an incremental background sweep as an optimisation), and supports
// glob-style key enumeration.
//
// Basic usage:
//
//	store := storage.NewMemory()
//	err := store.Set("key", []byte("value"), nil)
//	value, ok, err := store.Get("key")
//
// The package supports:
//   - Thread-safe operations
//   - Expiration handling
//   - Stream append and range queries
//   - Key enumeration with glob patterns
//   - Snapshot iteration for persistence
package storage
