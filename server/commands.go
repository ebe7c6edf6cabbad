package server

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/raniellyferreira/redis-inmemory-server/protocol"
	"github.com/raniellyferreira/redis-inmemory-server/rdb"
	"github.com/raniellyferreira/redis-inmemory-server/storage"
)

// executeCommand dispatches one parsed command. Reply shapes follow the
// Redis wire behavior command by command.
func (c *Client) executeCommand(cmd *protocol.Command) {
	switch cmd.Name {
	case "PING":
		c.handlePing(cmd)
	case "ECHO":
		c.handleEcho(cmd)
	case "SET":
		c.handleSet(cmd)
	case "GET":
		c.handleGet(cmd)
	case "DEL":
		c.handleDel(cmd)
	case "EXISTS":
		c.handleExists(cmd)
	case "TTL":
		c.handleTTL(cmd, time.Second)
	case "PTTL":
		c.handleTTL(cmd, time.Millisecond)
	case "TYPE":
		c.handleType(cmd)
	case "KEYS":
		c.handleKeys(cmd)
	case "CONFIG":
		c.handleConfig(cmd)
	case "INFO":
		c.handleInfo(cmd)
	case "XADD":
		c.handleXAdd(cmd)
	case "XRANGE":
		c.handleXRange(cmd)
	case "XLEN":
		c.handleXLen(cmd)
	case "SAVE":
		c.handleSave(cmd)
	case "CLIENT":
		// Connection metadata from client libraries; accepted and ignored
		c.writeString("OK")
	case "REPLCONF":
		c.handleReplconf(cmd)
	case "PSYNC":
		c.handlePsync(cmd)
	case "QUIT":
		c.writeString("OK")
		c.Close()
	default:
		c.writeError(fmt.Sprintf("ERR unknown command '%s'", cmd.Name))
	}
}

func (c *Client) handlePing(cmd *protocol.Command) {
	switch len(cmd.Args) {
	case 0:
		c.writeString("PONG")
	case 1:
		c.writeBulkString(cmd.Args[0])
	default:
		c.writeArityError("ping")
	}
}

func (c *Client) handleEcho(cmd *protocol.Command) {
	if len(cmd.Args) != 1 {
		c.writeArityError("echo")
		return
	}
	c.writeBulkString(cmd.Args[0])
}

// setOptions is the parsed form of SET's trailing options
type setOptions struct {
	expiry *time.Time
	nx     bool
	xx     bool
}

func parseSetOptions(args [][]byte) (setOptions, error) {
	var opts setOptions

	for i := 0; i < len(args); i++ {
		switch strings.ToUpper(string(args[i])) {
		case "NX":
			opts.nx = true
		case "XX":
			opts.xx = true
		case "EX", "PX":
			unit := time.Second
			if strings.ToUpper(string(args[i])) == "PX" {
				unit = time.Millisecond
			}
			if i+1 >= len(args) {
				return opts, fmt.Errorf("ERR syntax error")
			}
			n, err := strconv.ParseInt(string(args[i+1]), 10, 64)
			if err != nil {
				return opts, fmt.Errorf("ERR value is not an integer or out of range")
			}
			if n <= 0 {
				return opts, fmt.Errorf("ERR invalid expire time in 'set' command")
			}
			t := time.Now().Add(time.Duration(n) * unit)
			opts.expiry = &t
			i++
		default:
			return opts, fmt.Errorf("ERR syntax error")
		}
	}

	if opts.nx && opts.xx {
		return opts, fmt.Errorf("ERR syntax error")
	}

	return opts, nil
}

func (c *Client) handleSet(cmd *protocol.Command) {
	if len(cmd.Args) < 2 {
		c.writeArityError("set")
		return
	}

	if !c.requireWritable() {
		return
	}

	key := string(cmd.Args[0])
	value := cmd.Args[1]

	opts, err := parseSetOptions(cmd.Args[2:])
	if err != nil {
		c.writeError(err.Error())
		return
	}

	s := c.server
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var written bool
	switch {
	case opts.nx:
		written = s.storage.SetIfAbsent(key, value, opts.expiry)
	case opts.xx:
		written = s.storage.SetIfPresent(key, value, opts.expiry)
	default:
		s.storage.Set(key, value, opts.expiry)
		written = true
	}

	if !written {
		c.writeNull()
		return
	}

	s.propagate("SET", cmd.Args...)
	c.writeString("OK")
}

func (c *Client) handleGet(cmd *protocol.Command) {
	if len(cmd.Args) != 1 {
		c.writeArityError("get")
		return
	}

	value, ok, err := c.server.storage.Get(string(cmd.Args[0]))
	if err != nil {
		c.writeError(err.Error())
		return
	}
	if !ok {
		c.writeNull()
		return
	}
	c.writeBulkString(value)
}

func (c *Client) handleDel(cmd *protocol.Command) {
	if len(cmd.Args) == 0 {
		c.writeArityError("del")
		return
	}

	if !c.requireWritable() {
		return
	}

	keys := make([]string, len(cmd.Args))
	for i, arg := range cmd.Args {
		keys[i] = string(arg)
	}

	s := c.server
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deleted := s.storage.Del(keys...)
	s.propagate("DEL", cmd.Args...)

	c.writeInteger(deleted)
}

func (c *Client) handleExists(cmd *protocol.Command) {
	if len(cmd.Args) == 0 {
		c.writeArityError("exists")
		return
	}

	keys := make([]string, len(cmd.Args))
	for i, arg := range cmd.Args {
		keys[i] = string(arg)
	}

	c.writeInteger(c.server.storage.Exists(keys...))
}

func (c *Client) handleTTL(cmd *protocol.Command, unit time.Duration) {
	if len(cmd.Args) != 1 {
		name := "ttl"
		if unit == time.Millisecond {
			name = "pttl"
		}
		c.writeArityError(name)
		return
	}

	var ttl time.Duration
	if unit == time.Millisecond {
		ttl = c.server.storage.PTTL(string(cmd.Args[0]))
	} else {
		ttl = c.server.storage.TTL(string(cmd.Args[0]))
	}

	switch {
	case ttl == -2*unit:
		c.writeInteger(-2)
	case ttl == -1*unit:
		c.writeInteger(-1)
	default:
		c.writeInteger(int64(ttl / unit))
	}
}

func (c *Client) handleType(cmd *protocol.Command) {
	if len(cmd.Args) != 1 {
		c.writeArityError("type")
		return
	}

	c.writeString(c.server.storage.Type(string(cmd.Args[0])).String())
}

func (c *Client) handleKeys(cmd *protocol.Command) {
	if len(cmd.Args) != 1 {
		c.writeArityError("keys")
		return
	}

	keys := c.server.storage.Keys(string(cmd.Args[0]))

	values := make([]protocol.Value, len(keys))
	for i, key := range keys {
		values[i] = protocol.Value{Type: protocol.TypeBulkString, Data: []byte(key)}
	}
	c.writeValues(values)
}

func (c *Client) handleConfig(cmd *protocol.Command) {
	if len(cmd.Args) < 1 {
		c.writeArityError("config")
		return
	}

	sub := strings.ToUpper(string(cmd.Args[0]))
	if sub != "GET" {
		c.writeError(fmt.Sprintf("ERR Unknown CONFIG subcommand or wrong number of arguments for '%s'", cmd.Args[0]))
		return
	}

	if len(cmd.Args) != 2 {
		c.writeArityError("config|get")
		return
	}

	param := strings.ToLower(string(cmd.Args[1]))

	var value string
	known := true
	switch param {
	case "dir":
		value = c.server.cfg.Dir
	case "dbfilename":
		value = c.server.cfg.DBFilename
	case "port":
		value = strconv.Itoa(c.server.cfg.Port)
	default:
		known = false
	}

	if !known {
		c.writeValues(nil)
		return
	}

	c.writeValues([]protocol.Value{
		{Type: protocol.TypeBulkString, Data: []byte(param)},
		{Type: protocol.TypeBulkString, Data: []byte(value)},
	})
}

func (c *Client) handleInfo(cmd *protocol.Command) {
	section := ""
	if len(cmd.Args) == 1 {
		section = strings.ToLower(string(cmd.Args[0]))
	} else if len(cmd.Args) > 1 {
		c.writeArityError("info")
		return
	}

	if section != "" && section != "replication" {
		c.writeBulkString(nil)
		return
	}

	c.writeBulkString([]byte(c.server.ReplicationInfo()))
}

// ReplicationInfo renders the INFO replication section body
func (s *Server) ReplicationInfo() string {
	var b strings.Builder
	b.WriteString("# Replication\r\n")

	if s.isMaster() {
		b.WriteString("role:master\r\n")
		fmt.Fprintf(&b, "connected_slaves:%d\r\n", s.master.ReplicaCount())
		fmt.Fprintf(&b, "master_replid:%s\r\n", s.master.ReplID())
		fmt.Fprintf(&b, "master_repl_offset:%d\r\n", s.master.Offset())
		return b.String()
	}

	b.WriteString("role:slave\r\n")
	fmt.Fprintf(&b, "master_host:%s\r\n", s.cfg.MasterHost)
	fmt.Fprintf(&b, "master_port:%d\r\n", s.cfg.MasterPort)
	if s.replClient != nil {
		if id := s.replClient.MasterReplID(); id != "" {
			fmt.Fprintf(&b, "master_replid:%s\r\n", id)
		}
		fmt.Fprintf(&b, "master_repl_offset:%d\r\n", s.replClient.Offset())
	}
	return b.String()
}

func (c *Client) handleXAdd(cmd *protocol.Command) {
	// key, id, then at least one field/value pair
	if len(cmd.Args) < 4 || len(cmd.Args)%2 != 0 {
		c.writeArityError("xadd")
		return
	}

	if !c.requireWritable() {
		return
	}

	key := string(cmd.Args[0])

	spec, err := storage.ParseIDSpec(string(cmd.Args[1]))
	if err != nil {
		c.writeError("ERR " + err.Error())
		return
	}

	fields := make([]storage.FieldPair, 0, (len(cmd.Args)-2)/2)
	for i := 2; i+1 < len(cmd.Args); i += 2 {
		fields = append(fields, storage.FieldPair{Field: cmd.Args[i], Value: cmd.Args[i+1]})
	}

	s := c.server
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	id, err := s.storage.XAdd(key, spec, fields)
	if err != nil {
		if err == storage.ErrWrongType {
			c.writeError(err.Error())
		} else {
			c.writeError("ERR " + err.Error())
		}
		return
	}

	// Propagate with the assigned id so replicas append identical
	// entries even when the client used "*".
	args := make([][]byte, len(cmd.Args))
	copy(args, cmd.Args)
	args[1] = []byte(id.String())
	s.propagate("XADD", args...)

	c.writeBulkString([]byte(id.String()))
}

func (c *Client) handleXRange(cmd *protocol.Command) {
	if len(cmd.Args) != 3 {
		c.writeArityError("xrange")
		return
	}

	start, err := storage.ParseRangeStart(string(cmd.Args[1]))
	if err != nil {
		c.writeError("ERR " + err.Error())
		return
	}
	end, err := storage.ParseRangeEnd(string(cmd.Args[2]))
	if err != nil {
		c.writeError("ERR " + err.Error())
		return
	}

	entries, err := c.server.storage.XRange(string(cmd.Args[0]), start, end)
	if err != nil {
		c.writeError(err.Error())
		return
	}

	values := make([]protocol.Value, len(entries))
	for i, entry := range entries {
		fields := make([]protocol.Value, 0, len(entry.Fields)*2)
		for _, f := range entry.Fields {
			fields = append(fields,
				protocol.Value{Type: protocol.TypeBulkString, Data: f.Field},
				protocol.Value{Type: protocol.TypeBulkString, Data: f.Value},
			)
		}
		values[i] = protocol.Value{Type: protocol.TypeArray, Array: []protocol.Value{
			{Type: protocol.TypeBulkString, Data: []byte(entry.ID.String())},
			{Type: protocol.TypeArray, Array: fields},
		}}
	}
	c.writeValues(values)
}

func (c *Client) handleXLen(cmd *protocol.Command) {
	if len(cmd.Args) != 1 {
		c.writeArityError("xlen")
		return
	}

	n, err := c.server.storage.XLen(string(cmd.Args[0]))
	if err != nil {
		c.writeError(err.Error())
		return
	}
	c.writeInteger(n)
}

func (c *Client) handleSave(cmd *protocol.Command) {
	if len(cmd.Args) != 0 {
		c.writeArityError("save")
		return
	}

	data, err := c.server.snapshot()
	if err != nil {
		c.writeError(fmt.Sprintf("ERR %v", err))
		return
	}

	if err := rdb.WriteFile(c.server.SnapshotPath(), data); err != nil {
		c.writeError(fmt.Sprintf("ERR %v", err))
		return
	}

	c.writeString("OK")
}

func (c *Client) handleReplconf(cmd *protocol.Command) {
	if len(cmd.Args) == 0 {
		c.writeArityError("replconf")
		return
	}

	// listening-port and capa are recorded implicitly; the PSYNC that
	// follows promotes the connection.
	c.writeString("OK")
}

func (c *Client) handlePsync(cmd *protocol.Command) {
	if !c.server.isMaster() {
		c.writeError("ERR PSYNC is only valid on a master")
		return
	}

	if len(cmd.Args) != 2 {
		c.writeArityError("psync")
		return
	}

	// Hold the write path while the snapshot is taken and the sink is
	// registered, so no committed write can fall between the two.
	c.server.writeMu.Lock()
	defer c.server.writeMu.Unlock()

	snapshot, err := c.server.snapshot()
	if err != nil {
		c.writeError(fmt.Sprintf("ERR %v", err))
		return
	}

	if err := c.server.master.FullResync(c.conn, c.reader, snapshot); err != nil {
		c.Close()
		return
	}

	c.promoted = true
}

// requireWritable rejects client writes on a replica
func (c *Client) requireWritable() bool {
	if c.server.isMaster() {
		return true
	}
	c.writeError("READONLY You can't write against a read only replica.")
	return false
}

// Response writers

func (c *Client) writeString(s string) {
	c.writer.WriteSimpleString(s)
	c.writer.Flush()
}

func (c *Client) writeError(s string) {
	// Strip newlines, which would break RESP framing
	cleanMsg := strings.ReplaceAll(s, "\n", " ")
	cleanMsg = strings.ReplaceAll(cleanMsg, "\r", " ")
	c.writer.WriteError(cleanMsg)
	c.writer.Flush()
}

func (c *Client) writeArityError(cmd string) {
	c.writeError(fmt.Sprintf("ERR wrong number of arguments for '%s' command", cmd))
}

func (c *Client) writeBulkString(data []byte) {
	c.writer.WriteBulkString(data)
	c.writer.Flush()
}

func (c *Client) writeNull() {
	c.writer.WriteNullBulkString()
	c.writer.Flush()
}

func (c *Client) writeInteger(i int64) {
	c.writer.WriteInteger(i)
	c.writer.Flush()
}

func (c *Client) writeValues(values []protocol.Value) {
	if values == nil {
		values = []protocol.Value{}
	}
	c.writer.WriteArray(values)
	c.writer.Flush()
}
