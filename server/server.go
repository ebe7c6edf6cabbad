package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync"

	"github.com/raniellyferreira/redis-inmemory-server/protocol"
	"github.com/raniellyferreira/redis-inmemory-server/rdb"
	"github.com/raniellyferreira/redis-inmemory-server/replication"
	"github.com/raniellyferreira/redis-inmemory-server/storage"
)

// Config carries the startup settings surfaced through CONFIG GET
type Config struct {
	Dir        string
	DBFilename string
	Port       int

	// MasterHost/MasterPort are set when the server runs as a replica
	MasterHost string
	MasterPort int
}

// Server accepts Redis protocol connections and executes commands
type Server struct {
	storage *storage.MemoryStorage
	cfg     Config

	// master is the fan-out engine; nil when running as a replica
	master *replication.Master

	// replClient is the inbound replication link; nil when running as
	// master
	replClient *replication.Client

	// writeMu serializes apply+propagate for replicated writes so every
	// replica observes the master's commit order
	writeMu sync.Mutex

	// Connection management
	addr     string
	listener net.Listener
	clients  sync.Map // map[net.Conn]*Client

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Client represents one connected Redis client
type Client struct {
	conn   net.Conn
	reader *protocol.Reader
	writer *protocol.Writer
	server *Server

	// promoted is set when the connection completed PSYNC and now
	// belongs to the replication engine
	promoted bool
}

// New creates a server bound to addr, serving the given storage
func New(addr string, stor *storage.MemoryStorage, cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		storage: stor,
		cfg:     cfg,
		addr:    addr,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetMaster attaches the master-side replication engine
func (s *Server) SetMaster(m *replication.Master) {
	s.master = m
}

// SetReplicationClient attaches the replica-side sync client, used to
// answer INFO on a replica
func (s *Server) SetReplicationClient(c *replication.Client) {
	s.replClient = c
}

// Start begins listening and accepting connections
func (s *Server) Start() error {
	var err error
	s.listener, err = net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.wg.Add(1)
	go s.acceptConnections()

	return nil
}

// Stop stops the server and closes all client connections
func (s *Server) Stop() error {
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.clients.Range(func(key, value interface{}) bool {
		if client, ok := value.(*Client); ok {
			client.Close()
		}
		return true
	})

	s.wg.Wait()
	return nil
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// acceptConnections accepts new client connections
func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			continue
		}

		s.handleNewClient(conn)
	}
}

// handleNewClient starts the request loop for a new connection
func (s *Server) handleNewClient(conn net.Conn) {
	client := &Client{
		conn:   conn,
		reader: protocol.NewReader(conn),
		writer: protocol.NewWriter(conn),
		server: s,
	}

	s.clients.Store(conn, client)

	s.wg.Add(1)
	go client.handle()
}

// Close closes the client connection
func (c *Client) Close() {
	c.conn.Close()
	c.server.clients.Delete(c.conn)
}

// handle runs the read-parse-execute-reply loop. The loop ends on EOF,
// on a protocol error (after reporting it) or when the connection is
// promoted to a replica sink.
func (c *Client) handle() {
	defer c.server.wg.Done()

	for {
		select {
		case <-c.server.ctx.Done():
			c.Close()
			return
		default:
		}

		value, err := c.reader.ReadNext()
		if err != nil {
			if err != io.EOF && c.server.ctx.Err() == nil {
				c.writeError(fmt.Sprintf("ERR Protocol error: %v", err))
			}
			c.Close()
			return
		}

		cmd, err := protocol.ParseCommand(value)
		if err != nil {
			c.writeError(fmt.Sprintf("ERR Protocol error: %v", err))
			c.Close()
			return
		}

		c.executeCommand(cmd)

		if c.promoted {
			// The replication engine owns the socket now.
			c.server.clients.Delete(c.conn)
			return
		}
	}
}

// snapshot encodes the current keyspace as RDB bytes
func (s *Server) snapshot() ([]byte, error) {
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
		return nil, err
	}
	return rdb.Marshal(s.storage.CurrentDB(), entries)
}

// SnapshotPath returns the configured <dir>/<dbfilename> snapshot path
func (s *Server) SnapshotPath() string {
	return filepath.Join(s.cfg.Dir, s.cfg.DBFilename)
}

// isMaster reports whether the server runs in the master role
func (s *Server) isMaster() bool {
	return s.master != nil
}

// propagate forwards a successfully applied write to attached replicas.
// Callers hold writeMu.
func (s *Server) propagate(name string, args ...[]byte) {
	if s.master != nil {
		s.master.Propagate(name, args...)
	}
}
