package replication

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raniellyferreira/redis-inmemory-server/protocol"
	"github.com/raniellyferreira/redis-inmemory-server/rdb"
	"github.com/raniellyferreira/redis-inmemory-server/storage"
)

// Handshake states for the replica side. The connection walks them in
// order; any unexpected reply moves to stateFailed, which closes the
// socket and schedules a reconnect.
type handshakeState int

const (
	statePing handshakeState = iota
	statePort
	stateCapa
	statePsync
	stateLoadRDB
	stateStreaming
	stateFailed
)

func (s handshakeState) String() string {
	switch s {
	case statePing:
		return "ping"
	case statePort:
		return "listening-port"
	case stateCapa:
		return "capa"
	case statePsync:
		return "psync"
	case stateLoadRDB:
		return "load-rdb"
	case stateStreaming:
		return "streaming"
	default:
		return "failed"
	}
}

const (
	// handshakeTimeout bounds each handshake step
	handshakeTimeout = 60 * time.Second

	// Reconnect backoff doubles from the floor to the cap
	backoffFloor = 100 * time.Millisecond
	backoffCap   = 30 * time.Second
)

// Client replicates a master into local storage
type Client struct {
	masterAddr    string
	listeningPort int
	storage       *storage.MemoryStorage

	// Connection state
	mu        sync.RWMutex
	conn      net.Conn
	reader    *protocol.Reader
	writer    *protocol.Writer
	connected bool
	state     handshakeState

	// Replication state
	masterReplID string
	offset       int64

	// Control
	stopChan chan struct{}
	doneChan chan struct{}
	running  int32
	stopped  int32
	runEnded int32

	// Callbacks
	onSyncComplete []func()

	logger         Logger
	connectTimeout time.Duration
}

// NewClient creates a replication client for the given master address.
// listeningPort is reported to the master via REPLCONF listening-port.
func NewClient(masterAddr string, listeningPort int, stor *storage.MemoryStorage) *Client {
	return &Client{
		masterAddr:     masterAddr,
		listeningPort:  listeningPort,
		storage:        stor,
		stopChan:       make(chan struct{}),
		doneChan:       make(chan struct{}),
		logger:         &defaultLogger{},
		connectTimeout: 5 * time.Second,
	}
}

// SetLogger sets the logger
func (c *Client) SetLogger(logger Logger) {
	c.logger = logger
}

// OnSyncComplete registers a callback invoked after every completed
// initial synchronization
func (c *Client) OnSyncComplete(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSyncComplete = append(c.onSyncComplete, fn)
}

// Offset returns the number of replication stream bytes applied
func (c *Client) Offset() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// MasterReplID returns the replication id announced by the master, empty
// before the first successful handshake
func (c *Client) MasterReplID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.masterReplID
}

// IsConnected reports whether the replication link is up
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Start launches the replication loop
func (c *Client) Start(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&c.running, 0, 1) {
		return
	}
	go c.run(ctx)
}

// Stop terminates replication and waits for the loop to exit
func (c *Client) Stop() error {
	if !atomic.CompareAndSwapInt32(&c.stopped, 0, 1) {
		return nil
	}

	close(c.stopChan)
	c.disconnect()

	if atomic.LoadInt32(&c.running) == 0 {
		return nil
	}

	select {
	case <-c.doneChan:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("stop timeout")
	}
}

// run drives connect, handshake and streaming with exponential backoff
// between attempts
func (c *Client) run(ctx context.Context) {
	defer func() {
		if atomic.CompareAndSwapInt32(&c.runEnded, 0, 1) {
			close(c.doneChan)
		}
	}()

	backoff := backoffFloor
	retries := 0

	for {
		select {
		case <-c.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		err := c.syncOnce(retries)
		if err == nil {
			// Clean stop while streaming
			return
		}
		retries++

		c.logger.Error("replication attempt failed", "error", err, "retry_in", backoff)
		c.disconnect()

		select {
		case <-time.After(backoff):
		case <-c.stopChan:
			return
		case <-ctx.Done():
			return
		}

		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
}

// syncOnce performs one full connect, handshake, RDB load and streaming
// session. It returns nil only on an ordered stop; failures come back as
// a SyncError naming the phase that died.
func (c *Client) syncOnce(retries int) error {
	if err := c.connect(); err != nil {
		return &SyncError{Phase: "connect", Err: err, Retries: retries}
	}

	if err := c.handshake(); err != nil {
		c.setState(stateFailed)
		return &SyncError{Phase: "handshake", Err: err, Retries: retries}
	}

	c.mu.RLock()
	callbacks := make([]func(), len(c.onSyncComplete))
	copy(callbacks, c.onSyncComplete)
	c.mu.RUnlock()

	for _, callback := range callbacks {
		callback()
	}

	if err := c.stream(); err != nil {
		return &SyncError{Phase: "streaming", Err: err, Retries: retries}
	}
	return nil
}

// connect establishes the socket to the master
func (c *Client) connect() error {
	c.logger.Debug("connecting to master", "addr", c.masterAddr)

	dialer := &net.Dialer{Timeout: c.connectTimeout}
	conn, err := dialer.Dial("tcp", c.masterAddr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.masterAddr, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.reader = protocol.NewReader(conn)
	c.writer = protocol.NewWriter(conn)
	c.connected = true
	c.state = statePing
	c.offset = 0
	c.mu.Unlock()

	return nil
}

// disconnect closes the connection
func (c *Client) disconnect() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	c.mu.Unlock()
}

func (c *Client) setState(s handshakeState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// handshake walks the replica-side state machine through full
// resynchronization
func (c *Client) handshake() error {
	c.setState(statePing)
	if err := c.roundTrip("PONG", "PING"); err != nil {
		return fmt.Errorf("handshake %s: %w", statePing, err)
	}

	c.setState(statePort)
	if err := c.roundTrip("OK", "REPLCONF", "listening-port", strconv.Itoa(c.listeningPort)); err != nil {
		return fmt.Errorf("handshake %s: %w", statePort, err)
	}

	c.setState(stateCapa)
	if err := c.roundTrip("OK", "REPLCONF", "capa", "psync2"); err != nil {
		return fmt.Errorf("handshake %s: %w", stateCapa, err)
	}

	c.setState(statePsync)
	reply, err := c.exchange("PSYNC", "?", "-1")
	if err != nil {
		return fmt.Errorf("handshake %s: %w", statePsync, err)
	}

	parts := strings.Fields(reply.String())
	if len(parts) != 3 || parts[0] != "FULLRESYNC" {
		return fmt.Errorf("handshake %s: unexpected reply %q", statePsync, reply.String())
	}
	if len(parts[1]) != 40 {
		return fmt.Errorf("handshake %s: malformed replication id %q", statePsync, parts[1])
	}

	c.mu.Lock()
	c.masterReplID = parts[1]
	c.mu.Unlock()

	c.setState(stateLoadRDB)
	if err := c.loadRDB(); err != nil {
		return fmt.Errorf("handshake %s: %w", stateLoadRDB, err)
	}

	c.setState(stateStreaming)
	c.logger.Info("initial synchronization completed", "master", c.masterAddr, "replid", parts[1])

	// Streaming has no idle bound; only the handshake is deadlined.
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		conn.SetDeadline(time.Time{})
	}

	return nil
}

// roundTrip sends a command and requires the given simple-string reply
func (c *Client) roundTrip(expect string, cmd string, args ...string) error {
	reply, err := c.exchange(cmd, args...)
	if err != nil {
		return err
	}
	if reply.Type != protocol.TypeSimpleString || reply.String() != expect {
		return fmt.Errorf("expected +%s, got %q", expect, reply.String())
	}
	return nil
}

// exchange sends one command and reads one reply under the handshake
// deadline
func (c *Client) exchange(cmd string, args ...string) (protocol.Value, error) {
	c.mu.RLock()
	conn, w, r := c.conn, c.writer, c.reader
	c.mu.RUnlock()

	if conn == nil {
		return protocol.Value{}, fmt.Errorf("not connected")
	}

	conn.SetDeadline(time.Now().Add(handshakeTimeout))

	if err := w.WriteCommand(cmd, args...); err != nil {
		return protocol.Value{}, err
	}
	if err := w.Flush(); err != nil {
		return protocol.Value{}, err
	}

	reply, err := r.ReadNext()
	if err != nil {
		return protocol.Value{}, err
	}
	if reply.IsError() {
		return protocol.Value{}, fmt.Errorf("master error: %s", reply.Error())
	}
	return reply, nil
}

// loadRDB reads the full-resync payload and loads it into storage,
// replacing the current contents
func (c *Client) loadRDB() error {
	c.mu.RLock()
	conn, r := c.conn, c.reader
	c.mu.RUnlock()

	conn.SetDeadline(time.Now().Add(handshakeTimeout))

	payload, err := r.ReadRDBPayload()
	if err != nil {
		return fmt.Errorf("failed to read RDB payload: %w", err)
	}

	c.logger.Debug("received RDB payload", "bytes", len(payload))

	if err := c.storage.FlushAll(); err != nil {
		return err
	}

	loader := &storageLoader{storage: c.storage}
	if err := rdb.ParseBytes(payload, loader); err != nil {
		return fmt.Errorf("failed to load RDB payload: %w", err)
	}

	return nil
}

// stream applies incoming commands until the connection drops or the
// client is stopped
func (c *Client) stream() error {
	c.mu.RLock()
	r := c.reader
	c.mu.RUnlock()

	for {
		select {
		case <-c.stopChan:
			return nil
		default:
		}

		value, err := r.ReadNext()
		if err != nil {
			select {
			case <-c.stopChan:
				return nil
			default:
			}
			return fmt.Errorf("read replicated command: %w", err)
		}

		cmd, err := protocol.ParseCommand(value)
		if err != nil {
			return fmt.Errorf("parse replicated command: %w", err)
		}

		if err := c.apply(cmd); err != nil {
			c.logger.Error("failed to apply replicated command", "command", cmd.Name, "error", err)
		}
	}
}

// apply executes one replicated command silently and advances the offset
// by its canonical encoded length. REPLCONF GETACK is the one command
// answered: the reported offset is the value before the GETACK frame
// itself is counted.
func (c *Client) apply(cmd *protocol.Command) error {
	frameLen := protocol.EncodedLen(cmd.Name, cmd.Args...)

	if cmd.Name == "REPLCONF" && len(cmd.Args) >= 1 && strEqualFold(cmd.Args[0], "GETACK") {
		err := c.sendAck()
		c.advance(frameLen)
		return err
	}

	defer c.advance(frameLen)

	switch cmd.Name {
	case "PING":
		return nil

	case "SET":
		if len(cmd.Args) < 2 {
			return fmt.Errorf("SET requires at least 2 arguments")
		}
		expiry, err := parseSetExpiry(cmd.Args[2:])
		if err != nil {
			return err
		}
		return c.storage.Set(string(cmd.Args[0]), cmd.Args[1], expiry)

	case "DEL":
		keys := make([]string, len(cmd.Args))
		for i, arg := range cmd.Args {
			keys[i] = string(arg)
		}
		c.storage.Del(keys...)
		return nil

	case "XADD":
		if len(cmd.Args) < 4 || len(cmd.Args)%2 != 0 {
			return fmt.Errorf("XADD requires key, id and field/value pairs")
		}
		spec, err := storage.ParseIDSpec(string(cmd.Args[1]))
		if err != nil {
			return err
		}
		fields := make([]storage.FieldPair, 0, (len(cmd.Args)-2)/2)
		for i := 2; i+1 < len(cmd.Args); i += 2 {
			fields = append(fields, storage.FieldPair{Field: cmd.Args[i], Value: cmd.Args[i+1]})
		}
		_, err = c.storage.XAdd(string(cmd.Args[0]), spec, fields)
		return err

	case "SELECT":
		if len(cmd.Args) != 1 {
			return fmt.Errorf("SELECT requires 1 argument")
		}
		db, err := strconv.Atoi(string(cmd.Args[0]))
		if err != nil {
			return fmt.Errorf("invalid database number: %s", cmd.Args[0])
		}
		return c.storage.SelectDB(db)

	case "FLUSHALL":
		return c.storage.FlushAll()

	default:
		c.logger.Debug("ignoring replicated command", "command", cmd.Name)
		return nil
	}
}

// advance adds n bytes to the applied offset
func (c *Client) advance(n int64) {
	c.mu.Lock()
	c.offset += n
	c.mu.Unlock()
}

// sendAck answers REPLCONF GETACK with the current offset
func (c *Client) sendAck() error {
	c.mu.Lock()
	w := c.writer
	offset := c.offset
	c.mu.Unlock()

	if w == nil {
		return fmt.Errorf("not connected")
	}

	if err := w.WriteCommand("REPLCONF", "ACK", strconv.FormatInt(offset, 10)); err != nil {
		return err
	}
	return w.Flush()
}

// parseSetExpiry resolves trailing SET options to an absolute expiry.
// NX/XX already took effect on the master, so they are skipped here.
func parseSetExpiry(opts [][]byte) (*time.Time, error) {
	var expiry *time.Time

	for i := 0; i < len(opts); i++ {
		opt := strings.ToUpper(string(opts[i]))
		switch opt {
		case "NX", "XX":
			// condition was evaluated on the master
		case "EX", "PX", "EXAT", "PXAT":
			if i+1 >= len(opts) {
				return nil, fmt.Errorf("missing argument for %s", opt)
			}
			n, err := strconv.ParseInt(string(opts[i+1]), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid %s value: %s", opt, opts[i+1])
			}
			var t time.Time
			switch opt {
			case "EX":
				t = time.Now().Add(time.Duration(n) * time.Second)
			case "PX":
				t = time.Now().Add(time.Duration(n) * time.Millisecond)
			case "EXAT":
				t = time.Unix(n, 0)
			case "PXAT":
				t = time.UnixMilli(n)
			}
			expiry = &t
			i++
		default:
			return nil, fmt.Errorf("unknown SET option: %s", opt)
		}
	}

	return expiry, nil
}

// storageLoader applies RDB parse events to storage
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
