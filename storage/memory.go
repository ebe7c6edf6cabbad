package storage

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// shard represents a single shard of data with its own lock
type shard struct {
	mu   sync.RWMutex
	data map[string]*Value
}

// MemoryStorage implements the in-memory keyspace engine
type MemoryStorage struct {
	// Global lock for metadata operations
	mu        sync.RWMutex
	databases map[int]*shardedDatabase
	currentDB int

	// Sharding configuration
	shards    int
	shardMask uint64

	// Background cleanup
	cleanupStop chan struct{}
	cleanupDone chan struct{}
}

// shardedDatabase represents one database with sharded data
type shardedDatabase struct {
	shards []shard
}

// MemoryOption configures a MemoryStorage instance
type MemoryOption func(*MemoryStorage)

// WithShardCount sets the number of shards for the storage.
// The number is rounded up to the next power of 2.
func WithShardCount(count int) MemoryOption {
	return func(s *MemoryStorage) {
		if count > 0 {
			s.shards = nextPowerOf2(count)
			s.shardMask = uint64(s.shards - 1)
		}
	}
}

// NewMemory creates a new in-memory storage instance with a default of
// 64 shards
func NewMemory(opts ...MemoryOption) *MemoryStorage {
	s := &MemoryStorage{
		databases:   make(map[int]*shardedDatabase),
		currentDB:   0,
		shards:      64,
		shardMask:   63,
		cleanupStop: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.databases[0] = s.newShardedDatabase()

	go s.cleanupExpiredKeys()

	return s
}

// newShardedDatabase creates a new sharded database
func (s *MemoryStorage) newShardedDatabase() *shardedDatabase {
	db := &shardedDatabase{
		shards: make([]shard, s.shards),
	}
	for i := 0; i < s.shards; i++ {
		db.shards[i].data = make(map[string]*Value)
	}
	return db
}

// nextPowerOf2 returns the next power of 2 >= n
func nextPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

// keyShard returns the shard holding key in the current database
func (s *MemoryStorage) keyShard(key string) *shard {
	s.mu.RLock()
	db := s.databases[s.currentDB]
	s.mu.RUnlock()

	return &db.shards[xxhash.Sum64String(key)&s.shardMask]
}

// Get retrieves a string value by key. The boolean reports presence; a
// present key of another type yields ErrWrongType.
func (s *MemoryStorage) Get(key string) ([]byte, bool, error) {
	sh := s.keyShard(key)

	sh.mu.RLock()
	value, exists := sh.data[key]
	if !exists {
		sh.mu.RUnlock()
		return nil, false, nil
	}

	if value.IsExpired() {
		sh.mu.RUnlock()
		s.deleteExpiredKey(key)
		return nil, false, nil
	}

	if value.Type != ValueTypeString {
		sh.mu.RUnlock()
		return nil, false, ErrWrongType
	}

	stringVal := value.Data.(*StringValue)
	result := make([]byte, len(stringVal.Data))
	copy(result, stringVal.Data)
	sh.mu.RUnlock()

	return result, true, nil
}

// Set stores a string value with optional absolute expiration, replacing
// any prior record under the key regardless of its type
func (s *MemoryStorage) Set(key string, value []byte, expiry *time.Time) error {
	sh := s.keyShard(key)

	newValue := &Value{
		Type:   ValueTypeString,
		Data:   &StringValue{Data: append([]byte(nil), value...)},
		Expiry: expiry,
	}

	sh.mu.Lock()
	sh.data[key] = newValue
	sh.mu.Unlock()

	return nil
}

// SetIfAbsent stores value only when the key is currently absent (or
// lazily expired). It reports whether the write happened.
func (s *MemoryStorage) SetIfAbsent(key string, value []byte, expiry *time.Time) bool {
	return s.setConditional(key, value, expiry, false)
}

// SetIfPresent stores value only when the key currently exists. It
// reports whether the write happened.
func (s *MemoryStorage) SetIfPresent(key string, value []byte, expiry *time.Time) bool {
	return s.setConditional(key, value, expiry, true)
}

func (s *MemoryStorage) setConditional(key string, value []byte, expiry *time.Time, wantPresent bool) bool {
	sh := s.keyShard(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	old, exists := sh.data[key]
	if exists && old.IsExpired() {
		delete(sh.data, key)
		exists = false
	}

	if exists != wantPresent {
		return false
	}

	sh.data[key] = &Value{
		Type:   ValueTypeString,
		Data:   &StringValue{Data: append([]byte(nil), value...)},
		Expiry: expiry,
	}
	return true
}

// Del deletes one or more keys and returns how many existed
func (s *MemoryStorage) Del(keys ...string) int64 {
	deleted := int64(0)

	for _, key := range keys {
		sh := s.keyShard(key)
		sh.mu.Lock()
		if value, exists := sh.data[key]; exists {
			if !value.IsExpired() {
				deleted++
			}
			delete(sh.data, key)
		}
		sh.mu.Unlock()
	}

	return deleted
}

// Exists returns how many of the given keys exist
func (s *MemoryStorage) Exists(keys ...string) int64 {
	count := int64(0)

	for _, key := range keys {
		sh := s.keyShard(key)
		sh.mu.RLock()
		if value, exists := sh.data[key]; exists && !value.IsExpired() {
			count++
		}
		sh.mu.RUnlock()
	}

	return count
}

// Expire sets an absolute expiration on an existing key
func (s *MemoryStorage) Expire(key string, expiry time.Time) bool {
	sh := s.keyShard(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	value, exists := sh.data[key]
	if !exists || value.IsExpired() {
		return false
	}

	value.Expiry = &expiry
	return true
}

// TTL returns the time to live for a key: -2s for a missing or expired
// key, -1s for a key without expiration
func (s *MemoryStorage) TTL(key string) time.Duration {
	return s.ttl(key, time.Second)
}

// PTTL returns the time to live for a key at millisecond granularity
func (s *MemoryStorage) PTTL(key string) time.Duration {
	return s.ttl(key, time.Millisecond)
}

func (s *MemoryStorage) ttl(key string, unit time.Duration) time.Duration {
	sh := s.keyShard(key)

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	value, exists := sh.data[key]
	if !exists || value.IsExpired() {
		return -2 * unit
	}

	if value.Expiry == nil {
		return -1 * unit
	}

	return time.Until(*value.Expiry)
}

// Type returns the type of a key, ValueTypeNone for a missing or
// lazily-expired key
func (s *MemoryStorage) Type(key string) ValueType {
	sh := s.keyShard(key)

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	value, exists := sh.data[key]
	if !exists || value.IsExpired() {
		return ValueTypeNone
	}

	return value.Type
}

// Keys returns all keys matching the glob pattern in the current database
func (s *MemoryStorage) Keys(pattern string) []string {
	s.mu.RLock()
	db := s.databases[s.currentDB]
	s.mu.RUnlock()

	keys := make([]string, 0)

	for i := 0; i < s.shards; i++ {
		sh := &db.shards[i]
		sh.mu.RLock()

		if pattern == "*" {
			for key, value := range sh.data {
				if !value.IsExpired() {
					keys = append(keys, key)
				}
			}
		} else {
			for key, value := range sh.data {
				if !value.IsExpired() && MatchPattern(key, pattern) {
					keys = append(keys, key)
				}
			}
		}

		sh.mu.RUnlock()
	}

	return keys
}

// KeyCount returns the number of keys in the current database
func (s *MemoryStorage) KeyCount() int64 {
	s.mu.RLock()
	db := s.databases[s.currentDB]
	s.mu.RUnlock()

	count := int64(0)
	for i := 0; i < s.shards; i++ {
		sh := &db.shards[i]
		sh.mu.RLock()
		count += int64(len(sh.data))
		sh.mu.RUnlock()
	}

	return count
}

// FlushAll removes all keys from all databases
func (s *MemoryStorage) FlushAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for db := range s.databases {
		s.databases[db] = s.newShardedDatabase()
	}

	return nil
}

// ForEachString calls fn for every live string key in the current
// database. Iteration order is unspecified. Stream keys are skipped:
// only strings participate in RDB snapshots.
func (s *MemoryStorage) ForEachString(fn func(rec StringRecord) error) error {
	s.mu.RLock()
	db := s.databases[s.currentDB]
	s.mu.RUnlock()

	for i := 0; i < s.shards; i++ {
		sh := &db.shards[i]
		sh.mu.RLock()
		for key, value := range sh.data {
			if value.IsExpired() || value.Type != ValueTypeString {
				continue
			}
			stringVal := value.Data.(*StringValue)
			rec := StringRecord{
				Key:    key,
				Value:  append([]byte(nil), stringVal.Data...),
				Expiry: value.Expiry,
			}
			if err := fn(rec); err != nil {
				sh.mu.RUnlock()
				return err
			}
		}
		sh.mu.RUnlock()
	}

	return nil
}

// SelectDB selects a database, creating it on first use
func (s *MemoryStorage) SelectDB(db int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if db < 0 || db > 15 {
		return fmt.Errorf("invalid database number: %d", db)
	}

	if _, exists := s.databases[db]; !exists {
		s.databases[db] = s.newShardedDatabase()
	}

	s.currentDB = db

	return nil
}

// CurrentDB returns the current database number
func (s *MemoryStorage) CurrentDB() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentDB
}

// Close shuts down the storage
func (s *MemoryStorage) Close() error {
	close(s.cleanupStop)
	<-s.cleanupDone
	return nil
}

// deleteExpiredKey removes a key observed expired under a read lock,
// re-checking under the write lock
func (s *MemoryStorage) deleteExpiredKey(key string) {
	sh := s.keyShard(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	value, exists := sh.data[key]
	if exists && value.IsExpired() {
		delete(sh.data, key)
	}
}

// Background cleanup. Lazy expiration on access already gives the
// observable semantics; the sweep only bounds memory held by keys that
// are never touched again.
const (
	cleanupSampleSize       = 20
	cleanupMaxRounds        = 4
	cleanupExpiredThreshold = 0.25
)

// cleanupExpiredKeys runs in background to clean up expired keys
func (s *MemoryStorage) cleanupExpiredKeys() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.cleanupStop:
			return
		case <-ticker.C:
			s.performCleanup()
		}
	}
}

// performCleanup removes expired keys using incremental sampling
func (s *MemoryStorage) performCleanup() {
	s.mu.RLock()
	databases := make([]*shardedDatabase, 0, len(s.databases))
	for _, db := range s.databases {
		databases = append(databases, db)
	}
	s.mu.RUnlock()

	for _, db := range databases {
		for i := 0; i < s.shards; i++ {
			s.cleanupShard(&db.shards[i])
		}
	}
}

// cleanupShard samples keys in one shard and deletes the expired ones,
// repeating while the expired ratio stays high
func (s *MemoryStorage) cleanupShard(sh *shard) {
	for round := 0; round < cleanupMaxRounds; round++ {
		expired := sampleExpired(sh, cleanupSampleSize)
		if len(expired) == 0 {
			return
		}

		sh.mu.Lock()
		for _, key := range expired {
			if value, exists := sh.data[key]; exists && value.IsExpired() {
				delete(sh.data, key)
			}
		}
		sh.mu.Unlock()

		if float64(len(expired))/float64(cleanupSampleSize) < cleanupExpiredThreshold {
			return
		}

		runtime.Gosched()
	}
}

// sampleExpired collects up to sampleSize keys from the shard and
// returns those already expired
func sampleExpired(sh *shard, sampleSize int) []string {
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	if len(sh.data) == 0 {
		return nil
	}

	var expired []string
	sampled := 0
	for key, value := range sh.data {
		if value.IsExpired() {
			expired = append(expired, key)
		}
		sampled++
		if sampled >= sampleSize {
			break
		}
	}

	return expired
}
