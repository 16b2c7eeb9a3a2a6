// Package cache implements the versioned resource cache for QuoteRelay.
//
// Responses are kept in named partitions (a precache filled at install time and a
// runtime cache filled opportunistically). Partition names embed the cache version,
// so bumping the version is the only invalidation mechanism.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// ErrNoPartition is returned when reading from a partition that does not exist.
var ErrNoPartition = errors.New("cache partition does not exist")

// Entry is a captured response.
type Entry struct {
	Key      string      `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt int64       `json:"storedAt"`
}

// Storage holds named partitions of cache entries.
type Storage interface {
	Put(partition, key string, e Entry) error
	Get(partition, key string) (Entry, bool, error)
	Keys(partition string) ([]string, error)
	Names() ([]string, error)
	Delete(partition string) (bool, error)
	Close() error
}

// BoltStorage implements Storage backed by BoltDB, one bucket per partition.
type BoltStorage struct {
	db *bolt.DB
}

// Compile-time check that BoltStorage implements Storage.
var _ Storage = (*BoltStorage)(nil)

// NewBoltStorage opens (or creates) a BoltDB database at the given path.
func NewBoltStorage(path string) (*BoltStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{NoSync: false})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	slog.Debug("BoltStorage: opened cache database", "path", path)
	return &BoltStorage{db: db}, nil
}

func (s *BoltStorage) Put(partition, key string, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(partition))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStorage) Get(partition, key string) (Entry, bool, error) {
	var e Entry
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(partition))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &e)
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("read cache entry: %w", err)
	}
	return e, found, nil
}

func (s *BoltStorage) Keys(partition string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(partition))
		if b == nil {
			return ErrNoPartition
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

func (s *BoltStorage) Names() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	return names, err
}

func (s *BoltStorage) Delete(partition string) (bool, error) {
	deleted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(partition)) == nil {
			return nil
		}
		deleted = true
		return tx.DeleteBucket([]byte(partition))
	})
	return deleted, err
}

func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// MemoryStorage implements Storage in process memory.
type MemoryStorage struct {
	mu         sync.RWMutex
	partitions map[string]map[string]Entry
}

// Compile-time check that MemoryStorage implements Storage.
var _ Storage = (*MemoryStorage)(nil)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{partitions: make(map[string]map[string]Entry)}
}

func (s *MemoryStorage) Put(partition, key string, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partitions[partition]
	if !ok {
		p = make(map[string]Entry)
		s.partitions[partition] = p
	}
	e.Header = e.Header.Clone()
	e.Body = append([]byte(nil), e.Body...)
	p[key] = e
	return nil
}

func (s *MemoryStorage) Get(partition, key string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.partitions[partition][key]
	return e, ok, nil
}

func (s *MemoryStorage) Keys(partition string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.partitions[partition]
	if !ok {
		return nil, ErrNoPartition
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStorage) Names() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.partitions))
	for n := range s.partitions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStorage) Delete(partition string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.partitions[partition]
	delete(s.partitions, partition)
	return ok, nil
}

func (s *MemoryStorage) Close() error { return nil }
