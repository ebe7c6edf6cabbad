// Package replication implements both halves of leader-follower
// replication.
//
// Master carries the replication id and offset, promotes handshaken
// connections to replica sinks, streams every committed write to each
// sink in commit order and drops sinks on write failure.
//
// Client is the replica side: it drives the handshake state machine
// against the master (PING, REPLCONF listening-port, REPLCONF capa,
// PSYNC), loads the full-resync RDB payload into local storage, then
// applies the incoming command stream silently while tracking the
// processed byte offset. Lost connections are retried with exponential
// backoff.
package replication
