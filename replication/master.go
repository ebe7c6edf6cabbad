package replication

import (
	"crypto/rand"
	"encoding/hex"
	"net"
	"strconv"
	"sync"

	"github.com/raniellyferreira/redis-inmemory-server/protocol"
)

// Master fans committed writes out to attached replicas and owns the
// replication id and offset.
type Master struct {
	mu       sync.Mutex
	replID   string
	offset   int64
	replicas map[net.Conn]*sink

	logger Logger
}

// sink is one attached replica connection
type sink struct {
	conn   net.Conn
	reader *protocol.Reader
	writer *protocol.Writer

	ackMu     sync.Mutex
	ackOffset int64
}

// NewMaster creates a master-side replication engine with a freshly
// minted replication id
func NewMaster() *Master {
	return &Master{
		replID:   generateReplID(),
		replicas: make(map[net.Conn]*sink),
		logger:   &defaultLogger{},
	}
}

// SetLogger sets the logger
func (m *Master) SetLogger(logger Logger) {
	m.logger = logger
}

// generateReplID mints a 40-character hex replication id
func generateReplID() string {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic("replication: cannot read random bytes: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// ReplID returns the replication id minted at startup
func (m *Master) ReplID() string {
	return m.replID
}

// Offset returns the number of replication stream bytes emitted so far
func (m *Master) Offset() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offset
}

// ReplicaCount returns the number of attached replicas
func (m *Master) ReplicaCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.replicas)
}

// FullResync answers a PSYNC by sending +FULLRESYNC <replid> 0 followed
// by the RDB payload, then registers the connection as a replica sink.
// The same TCP connection carries all subsequent traffic; a background
// goroutine drains REPLCONF ACK frames from it through the reader that
// parsed the handshake, so no buffered bytes are lost.
func (m *Master) FullResync(conn net.Conn, r *protocol.Reader, snapshot []byte) error {
	w := protocol.NewWriter(conn)
	if err := w.WriteSimpleString("FULLRESYNC " + m.replID + " 0"); err != nil {
		return err
	}
	if err := w.WriteRDBPayload(snapshot); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	s := &sink{conn: conn, reader: r, writer: w}

	m.mu.Lock()
	m.replicas[conn] = s
	m.mu.Unlock()

	m.logger.Info("replica attached", "addr", conn.RemoteAddr())

	go m.drainAcks(s)

	return nil
}

// Propagate re-serializes a committed write in canonical form, advances
// the offset by its encoded length and appends it to every attached
// replica in commit order. Callers serialize Propagate with the local
// apply so replicas observe the commit order.
func (m *Master) Propagate(name string, args ...[]byte) {
	encoded := protocol.EncodeCommand(name, args...)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.offset += int64(len(encoded))

	for conn, s := range m.replicas {
		if err := s.writer.WriteRaw(encoded); err != nil {
			m.dropLocked(conn, err)
			continue
		}
		if err := s.writer.Flush(); err != nil {
			m.dropLocked(conn, err)
		}
	}
}

// dropLocked removes a failed sink; m.mu must be held
func (m *Master) dropLocked(conn net.Conn, err error) {
	if _, ok := m.replicas[conn]; !ok {
		return
	}
	delete(m.replicas, conn)
	conn.Close()
	m.logger.Info("replica dropped", "addr", conn.RemoteAddr(), "error", err)
}

// drainAcks consumes REPLCONF ACK frames from a replica sink, recording
// the acknowledged offset. Any read error detaches the sink.
func (m *Master) drainAcks(s *sink) {
	for {
		value, err := s.reader.ReadNext()
		if err != nil {
			m.mu.Lock()
			m.dropLocked(s.conn, err)
			m.mu.Unlock()
			return
		}

		cmd, err := protocol.ParseCommand(value)
		if err != nil {
			continue
		}

		if cmd.Name == "REPLCONF" && len(cmd.Args) == 2 && strEqualFold(cmd.Args[0], "ACK") {
			if n, err := strconv.ParseInt(string(cmd.Args[1]), 10, 64); err == nil {
				s.ackMu.Lock()
				s.ackOffset = n
				s.ackMu.Unlock()
			}
		}
	}
}

// AckOffsets returns the last acknowledged offset of each attached
// replica
func (m *Master) AckOffsets() []int64 {
	m.mu.Lock()
	sinks := make([]*sink, 0, len(m.replicas))
	for _, s := range m.replicas {
		sinks = append(sinks, s)
	}
	m.mu.Unlock()

	offsets := make([]int64, len(sinks))
	for i, s := range sinks {
		s.ackMu.Lock()
		offsets[i] = s.ackOffset
		s.ackMu.Unlock()
	}
	return offsets
}

// strEqualFold is a bytes-vs-ASCII case-insensitive compare without
// allocation
func strEqualFold(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := 0; i < len(b); i++ {
		c, d := b[i], s[i]
		if 'a' <= c && c <= 'z' {
			c -= 'a' - 'A'
		}
		if 'a' <= d && d <= 'z' {
			d -= 'a' - 'A'
		}
		if c != d {
			return false
		}
	}
	return true
}
