package redisserver

import (
	"context"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/raniellyferreira/redis-inmemory-server/rdb"
	"github.com/raniellyferreira/redis-inmemory-server/replication"
	"github.com/raniellyferreira/redis-inmemory-server/server"
	"github.com/raniellyferreira/redis-inmemory-server/storage"
)

// Server is a Redis-compatible in-memory data server. It is created with
// New and does nothing until Start is called.
type Server struct {
	config  *config
	storage *storage.MemoryStorage

	// Exactly one of master and replClient is set, fixed at creation by
	// the configured role
	master     *replication.Master
	replClient *replication.Client

	srv *server.Server

	// State
	mu      sync.RWMutex
	started bool
	closed  bool

	// syncDone is closed when a replica completes its first initial
	// synchronization
	syncDone chan struct{}
	syncOnce sync.Once
}

// New creates a new Server with the given options.
//
// The server is created but not started; use Start to begin serving.
//
// Example:
//
//	srv, err := redisserver.New(
//		redisserver.WithPort(6379),
//		redisserver.WithDir("/var/lib/redis"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
func New(opts ...Option) (*Server, error) {
	cfg := defaultConfig()

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	var storageOpts []storage.MemoryOption
	if cfg.shardCount > 0 {
		storageOpts = append(storageOpts, storage.WithShardCount(cfg.shardCount))
	}
	stor := storage.NewMemory(storageOpts...)

	s := &Server{
		config:   cfg,
		storage:  stor,
		syncDone: make(chan struct{}),
	}

	serverCfg := server.Config{
		Dir:        cfg.dir,
		DBFilename: cfg.dbFilename,
		Port:       cfg.port,
		MasterHost: cfg.masterHost,
		MasterPort: cfg.masterPort,
	}

	s.srv = server.New(net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.port)), stor, serverCfg)

	if cfg.isReplica() {
		masterAddr := net.JoinHostPort(cfg.masterHost, strconv.Itoa(cfg.masterPort))
		s.replClient = replication.NewClient(masterAddr, cfg.port, stor)
		s.replClient.SetLogger(&replicationLogger{logger: cfg.logger})
		s.replClient.OnSyncComplete(func() {
			s.syncOnce.Do(func() { close(s.syncDone) })
		})
		s.srv.SetReplicationClient(s.replClient)
	} else {
		s.master = replication.NewMaster()
		s.master.SetLogger(&replicationLogger{logger: cfg.logger})
		s.srv.SetMaster(s.master)
	}

	return s, nil
}

// Start loads the RDB snapshot, begins listening for clients and, on a
// replica, starts replication from the configured master.
//
// A present but malformed snapshot file is a fatal startup error.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil
	}

	loaded, err := rdb.ParseFile(s.snapshotPath(), &storageLoader{storage: s.storage})
	if err != nil {
		return &StartupError{Step: "rdb-load", Err: err}
	}
	if loaded {
		s.config.logger.Info("snapshot loaded",
			Field{Key: "path", Value: s.snapshotPath()},
			Field{Key: "keys", Value: s.storage.KeyCount()})
	}

	if err := s.srv.Start(); err != nil {
		return &StartupError{Step: "listen", Err: err}
	}

	if s.replClient != nil {
		s.replClient.Start(ctx)
		s.config.logger.Info("replicating from master",
			Field{Key: "host", Value: s.config.masterHost},
			Field{Key: "port", Value: s.config.masterPort})
	}

	s.started = true
	s.config.logger.Info("server listening",
		Field{Key: "addr", Value: s.srv.Addr()},
		Field{Key: "role", Value: s.Role()})

	return nil
}

// WaitForSync blocks until a replica completes its initial
// synchronization or the context is cancelled. On a master it returns
// immediately.
func (s *Server) WaitForSync(ctx context.Context) error {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()

	if !started {
		return ErrNotConnected
	}

	if s.replClient == nil {
		return nil
	}

	select {
	case <-s.syncDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Save writes the current keyspace to the configured snapshot path using
// a temp-file-then-rename so a concurrent reader never sees a torn file
func (s *Server) Save() error {
	var entries []rdb.Entry
	err := s.storage.ForEachString(func(rec storage.StringRecord) error {
		entries = append(entries, rdb.Entry{
			Key:    []byte(rec.Key),
			Value:  rec.Value,
			Expiry: rec.Expiry,
		})
		return nil
	})
	if err != nil {
		return err
	}

	data, err := rdb.Marshal(s.storage.CurrentDB(), entries)
	if err != nil {
		return err
	}

	return rdb.WriteFile(s.snapshotPath(), data)
}

// Close shuts down the server, the replication link and the storage
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.started {
		if err := s.srv.Stop(); err != nil {
			s.config.logger.Error("error stopping server", Field{Key: "error", Value: err})
		}
	}

	if s.replClient != nil {
		if err := s.replClient.Stop(); err != nil {
			s.config.logger.Error("error stopping replication", Field{Key: "error", Value: err})
		}
	}

	return s.storage.Close()
}

// InfoReplication returns the body of the INFO replication section, the
// same bulk payload clients receive over the wire
func (s *Server) InfoReplication() string {
	return s.srv.ReplicationInfo()
}

// Role returns "master" or "slave" following INFO terminology
func (s *Server) Role() string {
	if s.replClient != nil {
		return "slave"
	}
	return "master"
}

// Addr returns the listening address once started
func (s *Server) Addr() string {
	return s.srv.Addr()
}

// Storage exposes the underlying keyspace for direct access
func (s *Server) Storage() *storage.MemoryStorage {
	return s.storage
}

// ReplicationOffset returns the emitted offset on a master or the
// applied offset on a replica
func (s *Server) ReplicationOffset() int64 {
	if s.master != nil {
		return s.master.Offset()
	}
	return s.replClient.Offset()
}

// snapshotPath is <dir>/<dbfilename>
func (s *Server) snapshotPath() string {
	return filepath.Join(s.config.dir, s.config.dbFilename)
}

// storageLoader applies RDB parse events to the keyspace at startup
type storageLoader struct {
	storage *storage.MemoryStorage
}

func (l *storageLoader) OnDatabase(index int) error {
	return l.storage.SelectDB(index)
}

func (l *storageLoader) OnKey(key, value []byte, expiry *time.Time) error {
	return l.storage.Set(string(key), value, expiry)
}

func (l *storageLoader) OnAux(key, value []byte) error {
	return nil
}

func (l *storageLoader) OnEnd() error {
	return nil
}
