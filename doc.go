// Package redisserver provides a minimal, interoperable Redis-compatible
// in-memory data server.
//
// The server speaks RESP to clients, stores strings and streams in a
// sharded in-memory keyspace with millisecond expiration, persists and
// restores the keyspace through the RDB snapshot format, and participates
// in leader-follower replication as either master or replica.
//
// Basic usage:
//
//	srv, err := redisserver.New(
//		redisserver.WithPort(6379),
//		redisserver.WithDir("/var/lib/redis"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer srv.Close()
//
//	if err := srv.Start(context.Background()); err != nil {
//		log.Fatal(err)
//	}
//
// Running as a replica of another server:
//
//	srv, err := redisserver.New(
//		redisserver.WithPort(6380),
//		redisserver.WithReplicaOf("localhost 6379"),
//	)
//
// The server supports:
//   - RESP protocol with pipelining
//   - String and stream data types (XADD, XRANGE)
//   - Lazy expiration with a background sweep
//   - RDB snapshot load at startup and on-demand SAVE
//   - Full resynchronization and command streaming to replicas
package redisserver
