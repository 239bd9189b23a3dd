package localstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-memory Store with the same capacity and eviction
// semantics as SQLiteStore. Used by engine tests and available as a
// throwaway backend for dry runs.
type MemStore struct {
	mu       sync.Mutex
	values   map[string]memEntry
	capacity int64
	evicted  int64
	nowFunc  func() time.Time
}

type memEntry struct {
	encoded   []byte
	rawSize   int64
	updatedAt int64
}

// NewMemStore returns an empty in-memory store. A capacity of 0 selects
// DefaultCapacity.
func NewMemStore(capacity int64) *MemStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &MemStore{
		values:   make(map[string]memEntry),
		capacity: capacity,
		nowFunc:  time.Now,
	}
}

// SetNowFunc overrides the clock for deterministic eviction tests.
func (s *MemStore) SetNowFunc(f func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = f
}

// Get implements Store.
func (s *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.values[key]
	if !ok {
		return nil, ErrNotFound
	}

	return decodeValue(e.encoded)
}

// Put implements Store.
func (s *MemStore) Put(_ context.Context, key string, value []byte) error {
	encoded := encodeValue(value)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureRoom(key, int64(len(encoded))); err != nil {
		return err
	}

	s.values[key] = memEntry{
		encoded:   encoded,
		rawSize:   int64(len(value)),
		updatedAt: s.nowFunc().UnixMilli(),
	}

	return nil
}

func (s *MemStore) ensureRoom(key string, encodedSize int64) error {
	if s.usedExcluding(key)+encodedSize <= s.capacity {
		return nil
	}

	entries := make([]Entry, 0, len(s.values))
	for k, e := range s.values {
		entries = append(entries, Entry{Key: k, UpdatedAt: e.updatedAt})
	}

	for _, tier := range planEviction(entries, s.nowFunc()) {
		for _, k := range tier.keys {
			if _, ok := s.values[k]; ok {
				delete(s.values, k)
				s.evicted++
			}
		}

		if s.usedExcluding(key)+encodedSize <= s.capacity {
			return nil
		}
	}

	return ErrCapacity
}

func (s *MemStore) usedExcluding(key string) int64 {
	var used int64

	for k, e := range s.values {
		if k == key {
			continue
		}

		used += int64(len(e.encoded))
	}

	return used
}

// Delete implements Store.
func (s *MemStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)

	return nil
}

// List implements Store.
func (s *MemStore) List(_ context.Context, prefix string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []Entry

	for k, e := range s.values {
		if !strings.HasPrefix(k, prefix) {
			continue
		}

		value, err := decodeValue(e.encoded)
		if err != nil {
			return nil, err
		}

		entries = append(entries, Entry{Key: k, Value: value, UpdatedAt: e.updatedAt})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	return entries, nil
}

// Usage implements Store.
func (s *MemStore) Usage(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{CapacityBytes: s.capacity, EvictedLifetime: s.evicted}

	for _, e := range s.values {
		st.Keys++
		st.RawBytes += e.rawSize
		st.StoredBytes += int64(len(e.encoded))
	}

	if st.RawBytes > 0 {
		st.CompressionRatio = float64(st.StoredBytes) / float64(st.RawBytes)
	}

	return st, nil
}

// Close implements Store.
func (s *MemStore) Close() error {
	return nil
}
