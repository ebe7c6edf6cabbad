// Package server provides the TCP front end: it accepts client
// connections, reads RESP frames, executes commands against storage and
// writes replies.
//
// A connection ordinarily runs the request/reply loop. A connection that
// completes the PSYNC handshake is promoted to a replica sink and handed
// over to the replication engine; the request loop ends without closing
// the socket.
//
// The server is compatible with standard Redis clients such as
// github.com/redis/go-redis.
package server
