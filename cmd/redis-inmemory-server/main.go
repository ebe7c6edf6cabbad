// Command redis-inmemory-server runs a Redis-compatible in-memory data
// server, optionally as a replica of another instance.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	redisserver "github.com/raniellyferreira/redis-inmemory-server"
)

func main() {
	var (
		dir        = flag.String("dir", ".", "directory holding the RDB snapshot file")
		dbFilename = flag.String("dbfilename", "dump.rdb", "RDB snapshot file name")
		port       = flag.Int("port", 6379, "TCP port to listen on")
		replicaOf  = flag.String("replicaof", "", `master to replicate, as "<host> <port>"`)
	)
	flag.Parse()

	opts := []redisserver.Option{
		redisserver.WithDir(*dir),
		redisserver.WithDBFilename(*dbFilename),
		redisserver.WithPort(*port),
	}
	if *replicaOf != "" {
		opts = append(opts, redisserver.WithReplicaOf(*replicaOf))
	}

	srv, err := redisserver.New(opts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "startup failed:", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	if err := srv.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "shutdown error:", err)
		os.Exit(1)
	}
}
