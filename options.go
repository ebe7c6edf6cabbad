package redisserver

import (
	"strconv"
	"strings"
)

// config holds the resolved configuration for a Server
type config struct {
	// Persistence settings
	dir        string
	dbFilename string

	// Network settings
	port int

	// Replication settings: empty host means master role
	masterHost string
	masterPort int

	// Storage settings
	shardCount int

	// Observability
	logger Logger
}

// defaultConfig returns a configuration with the stock Redis defaults
func defaultConfig() *config {
	return &config{
		dir:        ".",
		dbFilename: "dump.rdb",
		port:       6379,
		logger:     &defaultLogger{},
	}
}

// isReplica reports whether the configuration names a master to follow
func (c *config) isReplica() bool {
	return c.masterHost != ""
}

// Option represents a configuration option for a Server
type Option func(*config) error

// WithDir sets the directory holding the RDB snapshot file
//
// Example:
//
//	WithDir("/var/lib/redis")
func WithDir(dir string) Option {
	return func(c *config) error {
		if dir == "" {
			return ErrInvalidConfig
		}
		c.dir = dir
		return nil
	}
}

// WithDBFilename sets the RDB snapshot file name inside the directory
//
// Example:
//
//	WithDBFilename("dump.rdb")
func WithDBFilename(name string) Option {
	return func(c *config) error {
		if name == "" || strings.ContainsRune(name, '/') {
			return ErrInvalidConfig
		}
		c.dbFilename = name
		return nil
	}
}

// WithPort sets the TCP port to listen on. Port 0 binds an ephemeral
// port, which Addr reports once the server has started.
//
// Example:
//
//	WithPort(6380)
func WithPort(port int) Option {
	return func(c *config) error {
		if port < 0 || port > 65535 {
			return ErrInvalidConfig
		}
		c.port = port
		return nil
	}
}

// WithReplicaOf configures the server as a replica of the given master,
// in the space-separated "<host> <port>" form used on the command line
//
// Example:
//
//	WithReplicaOf("localhost 6379")
func WithReplicaOf(hostport string) Option {
	return func(c *config) error {
		parts := strings.Fields(hostport)
		if len(parts) != 2 {
			return &ConnectionError{Addr: hostport, Err: ErrInvalidConfig}
		}
		port, err := strconv.Atoi(parts[1])
		if err != nil || port <= 0 || port > 65535 {
			return &ConnectionError{Addr: hostport, Err: ErrInvalidConfig}
		}
		c.masterHost = parts[0]
		c.masterPort = port
		return nil
	}
}

// WithShardCount sets the keyspace shard count, rounded up to a power
// of 2
//
// Example:
//
//	WithShardCount(128)
func WithShardCount(count int) Option {
	return func(c *config) error {
		if count <= 0 {
			return ErrInvalidConfig
		}
		c.shardCount = count
		return nil
	}
}

// WithLogger sets a custom logger for the server
//
// Example:
//
//	WithLogger(myCustomLogger)
func WithLogger(logger Logger) Option {
	return func(c *config) error {
		if logger == nil {
			return ErrInvalidConfig
		}
		c.logger = logger
		return nil
	}
}
