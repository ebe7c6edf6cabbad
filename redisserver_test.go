package redisserver_test

import (
	"context"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	redisserver "github.com/raniellyferreira/redis-inmemory-server"
)

// startInstance starts a server on an ephemeral port and returns its
// loopback address.
func startInstance(t *testing.T, opts ...redisserver.Option) (*redisserver.Server, string) {
	t.Helper()

	opts = append([]redisserver.Option{
		redisserver.WithPort(0),
		redisserver.WithDir(t.TempDir()),
	}, opts...)

	srv, err := redisserver.New(opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	_, port, err := net.SplitHostPort(srv.Addr())
	if err != nil {
		t.Fatalf("SplitHostPort(%q) error = %v", srv.Addr(), err)
	}

	return srv, "127.0.0.1:" + port
}

func newClient(t *testing.T, addr string) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestOptionValidation(t *testing.T) {
	tests := []struct {
		name    string
		opts    []redisserver.Option
		wantErr bool
	}{
		{name: "defaults", opts: nil, wantErr: false},
		{name: "empty dir", opts: []redisserver.Option{redisserver.WithDir("")}, wantErr: true},
		{name: "filename with slash", opts: []redisserver.Option{redisserver.WithDBFilename("a/b")}, wantErr: true},
		{name: "negative port", opts: []redisserver.Option{redisserver.WithPort(-1)}, wantErr: true},
		{name: "bad replicaof", opts: []redisserver.Option{redisserver.WithReplicaOf("localhost")}, wantErr: true},
		{name: "bad replicaof port", opts: []redisserver.Option{redisserver.WithReplicaOf("localhost abc")}, wantErr: true},
		{name: "good replicaof", opts: []redisserver.Option{redisserver.WithReplicaOf("localhost 6379")}, wantErr: false},
		{name: "nil logger", opts: []redisserver.Option{redisserver.WithLogger(nil)}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, err := redisserver.New(tt.opts...)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if srv != nil {
				srv.Close()
			}
		})
	}
}

func TestWaitForSyncBeforeStart(t *testing.T) {
	srv, err := redisserver.New(
		redisserver.WithPort(0),
		redisserver.WithDir(t.TempDir()),
		redisserver.WithReplicaOf("localhost 6379"),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer srv.Close()

	if err := srv.WaitForSync(context.Background()); err != redisserver.ErrNotConnected {
		t.Errorf("WaitForSync() before Start error = %v, want ErrNotConnected", err)
	}
}

func TestMasterServesClients(t *testing.T) {
	ctx := context.Background()
	srv, addr := startInstance(t)

	client := newClient(t, addr)

	if err := client.Set(ctx, "foo", "bar", 0).Err(); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := client.Get(ctx, "foo").Result()
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "bar" {
		t.Errorf("Get() = %q, want bar", got)
	}

	if _, err := client.Get(ctx, "missing").Result(); err != redis.Nil {
		t.Errorf("Get(missing) error = %v, want redis.Nil", err)
	}

	info, err := client.Info(ctx, "replication").Result()
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if !strings.Contains(info, "role:master") {
		t.Errorf("INFO missing role:master: %q", info)
	}

	// The library surface mirrors the wire payload.
	if body := srv.InfoReplication(); !strings.Contains(body, "role:master") {
		t.Errorf("InfoReplication() missing role:master: %q", body)
	}
}

func TestReplicaBootstrapAndStreaming(t *testing.T) {
	ctx := context.Background()

	master, masterAddr := startInstance(t)
	mc := newClient(t, masterAddr)

	// Key present before the replica attaches travels in the RDB
	// bootstrap.
	if err := mc.Set(ctx, "boot", "strap", 0).Err(); err != nil {
		t.Fatalf("Set(boot) error = %v", err)
	}

	_, port, _ := net.SplitHostPort(masterAddr)
	replica, replicaAddr := startInstance(t, redisserver.WithReplicaOf("127.0.0.1 "+port))

	syncCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := replica.WaitForSync(syncCtx); err != nil {
		t.Fatalf("WaitForSync() error = %v", err)
	}

	rc := newClient(t, replicaAddr)

	got, err := rc.Get(ctx, "boot").Result()
	if err != nil {
		t.Fatalf("replica Get(boot) error = %v", err)
	}
	if got != "strap" {
		t.Errorf("replica Get(boot) = %q, want strap", got)
	}

	// A write on the master shows up on the replica without any client
	// writing there.
	if err := mc.Set(ctx, "k", "v", 0).Err(); err != nil {
		t.Fatalf("Set(k) error = %v", err)
	}

	waitFor(t, func() bool {
		v, err := rc.Get(ctx, "k").Result()
		return err == nil && v == "v"
	}, "replica never observed the master's write")

	// Deletes propagate too.
	if err := mc.Del(ctx, "boot").Err(); err != nil {
		t.Fatalf("Del(boot) error = %v", err)
	}
	waitFor(t, func() bool {
		_, err := rc.Get(ctx, "boot").Result()
		return err == redis.Nil
	}, "replica never observed the delete")

	// Replica role and read-only enforcement.
	info, err := rc.Info(ctx, "replication").Result()
	if err != nil {
		t.Fatalf("replica Info() error = %v", err)
	}
	if !strings.Contains(info, "role:slave") {
		t.Errorf("replica INFO missing role:slave: %q", info)
	}

	if err := rc.Set(ctx, "nope", "x", 0).Err(); err == nil || !strings.Contains(err.Error(), "READONLY") {
		t.Errorf("replica Set() error = %v, want READONLY", err)
	}

	if master.Role() != "master" || replica.Role() != "slave" {
		t.Errorf("roles = %s/%s, want master/slave", master.Role(), replica.Role())
	}
}

func TestStreamReplication(t *testing.T) {
	ctx := context.Background()

	_, masterAddr := startInstance(t)
	mc := newClient(t, masterAddr)

	_, port, _ := net.SplitHostPort(masterAddr)
	replica, replicaAddr := startInstance(t, redisserver.WithReplicaOf("127.0.0.1 "+port))

	syncCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := replica.WaitForSync(syncCtx); err != nil {
		t.Fatalf("WaitForSync() error = %v", err)
	}

	rc := newClient(t, replicaAddr)

	// XADD with "*" must replicate the assigned id, not regenerate one.
	id, err := mc.XAdd(ctx, &redis.XAddArgs{
		Stream: "s",
		ID:     "*",
		Values: []string{"field", "value"},
	}).Result()
	if err != nil {
		t.Fatalf("XAdd() error = %v", err)
	}

	waitFor(t, func() bool {
		entries, err := rc.XRange(ctx, "s", "-", "+").Result()
		return err == nil && len(entries) == 1 && entries[0].ID == id
	}, "replica never observed the stream entry with the master's id")
}

func TestSaveAndReload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	srv, addr := startInstance(t, redisserver.WithDir(dir))
	client := newClient(t, addr)

	if err := client.Set(ctx, "persisted", "yes", 0).Err(); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := client.Set(ctx, "volatile", "v", time.Hour).Err(); err != nil {
		t.Fatalf("Set() with TTL error = %v", err)
	}

	if err := client.Save(ctx).Err(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// A fresh instance over the same directory restores the keyspace.
	_, addr2 := startInstance(t, redisserver.WithDir(dir))
	client2 := newClient(t, addr2)

	got, err := client2.Get(ctx, "persisted").Result()
	if err != nil {
		t.Fatalf("Get() after reload error = %v", err)
	}
	if got != "yes" {
		t.Errorf("Get() after reload = %q, want yes", got)
	}

	ttl, err := client2.TTL(ctx, "volatile").Result()
	if err != nil {
		t.Fatalf("TTL() after reload error = %v", err)
	}
	if ttl <= 0 || ttl > time.Hour {
		t.Errorf("TTL() after reload = %v, want in (0, 1h]", ttl)
	}
}

func TestMalformedSnapshotFailsStartup(t *testing.T) {
	dir := t.TempDir()

	if err := os.WriteFile(dir+"/dump.rdb", []byte("NOTANRDB"), 0o644); err != nil {
		t.Fatalf("writing corrupt snapshot: %v", err)
	}

	srv, err := redisserver.New(
		redisserver.WithPort(0),
		redisserver.WithDir(dir),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer srv.Close()

	if err := srv.Start(context.Background()); err == nil {
		t.Fatal("Start() accepted a malformed snapshot")
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
