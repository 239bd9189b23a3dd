package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// DefaultCapacity mirrors the historic browser quota the engine was
// tuned against: 4.5 MiB of stored bytes.
const DefaultCapacity = 4.5 * 1024 * 1024

// SQL statements for the kv table.
const (
	sqlGetValue = `SELECT value FROM kv WHERE key = ?`

	sqlUpsertValue = `INSERT INTO kv (key, value, raw_size, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
		 value = excluded.value,
		 raw_size = excluded.raw_size,
		 updated_at = excluded.updated_at`

	sqlDeleteValue = `DELETE FROM kv WHERE key = ?`

	sqlListByPrefix = `SELECT key, value, updated_at FROM kv
		WHERE key GLOB ? ORDER BY key`

	sqlListAll = `SELECT key, value, updated_at FROM kv ORDER BY key`

	sqlListKeys = `SELECT key, updated_at FROM kv`

	sqlUsage = `SELECT COUNT(*), COALESCE(SUM(raw_size), 0),
		COALESCE(SUM(LENGTH(value)), 0) FROM kv`

	sqlUsageExcluding = `SELECT COALESCE(SUM(LENGTH(value)), 0)
		FROM kv WHERE key <> ?`
)

// SQLiteStore is the production Store: a single-file SQLite database in
// WAL mode with the sole-writer pattern (one pooled connection).
type SQLiteStore struct {
	db       *sql.DB
	logger   *slog.Logger
	capacity int64
	nowFunc  func() time.Time // injectable for deterministic tests

	mu      sync.Mutex // serializes Put's usage-check-then-write sequence
	evicted int64
}

// Open opens (creating if needed) the store at dbPath and applies
// pending schema migrations. Use ":memory:" for tests. A capacity of 0
// selects DefaultCapacity.
func Open(dbPath string, capacity int64, logger *slog.Logger) (*SQLiteStore, error) {
	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=busy_timeout(5000)&_pragma=journal_size_limit(67108864)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("localstore: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	logger.Info("local store ready",
		slog.String("db_path", dbPath),
		slog.Int64("capacity_bytes", capacity),
	)

	return &SQLiteStore{
		db:       db,
		logger:   logger,
		capacity: capacity,
		nowFunc:  time.Now,
	}, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var stored []byte

	err := s.db.QueryRowContext(ctx, sqlGetValue, key).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("localstore: reading %s: %w", key, err)
	}

	return decodeValue(stored)
}

// Put implements Store. When the encoded value would push the store past
// its capacity, eviction tiers run one at a time until it fits; if it
// still does not, Put fails with ErrCapacity and the store is unchanged.
func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte) error {
	encoded := encodeValue(value)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureRoom(ctx, key, int64(len(encoded))); err != nil {
		return err
	}

	now := s.nowFunc().UnixMilli()
	if _, err := s.db.ExecContext(ctx, sqlUpsertValue, key, encoded, len(value), now); err != nil {
		return fmt.Errorf("localstore: writing %s: %w", key, err)
	}

	return nil
}

// ensureRoom frees space for an incoming value of encodedSize bytes.
// Caller holds s.mu.
func (s *SQLiteStore) ensureRoom(ctx context.Context, key string, encodedSize int64) error {
	used, err := s.usedExcluding(ctx, key)
	if err != nil {
		return err
	}

	if used+encodedSize <= s.capacity {
		return nil
	}

	entries, err := s.listKeysLocked(ctx)
	if err != nil {
		return err
	}

	for _, tier := range planEviction(entries, s.nowFunc()) {
		removed, err := s.dropKeys(ctx, tier.keys)
		if err != nil {
			return err
		}

		s.evicted += int64(removed)
		s.logger.Warn("evicted entries to free space",
			slog.String("tier", tier.name),
			slog.Int("removed", removed),
		)

		used, err = s.usedExcluding(ctx, key)
		if err != nil {
			return err
		}

		if used+encodedSize <= s.capacity {
			return nil
		}
	}

	s.logger.Error("write exceeds capacity after all eviction tiers",
		slog.String("key", key),
		slog.Int64("value_bytes", encodedSize),
		slog.Int64("used_bytes", used),
		slog.Int64("capacity_bytes", s.capacity),
	)

	return ErrCapacity
}

func (s *SQLiteStore) usedExcluding(ctx context.Context, key string) (int64, error) {
	var used int64
	if err := s.db.QueryRowContext(ctx, sqlUsageExcluding, key).Scan(&used); err != nil {
		return 0, fmt.Errorf("localstore: reading usage: %w", err)
	}

	return used, nil
}

func (s *SQLiteStore) listKeysLocked(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, sqlListKeys)
	if err != nil {
		return nil, fmt.Errorf("localstore: listing keys: %w", err)
	}
	defer rows.Close()

	var entries []Entry

	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("localstore: scanning key row: %w", err)
		}

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("localstore: iterating key rows: %w", err)
	}

	return entries, nil
}

func (s *SQLiteStore) dropKeys(ctx context.Context, keys []string) (int, error) {
	removed := 0

	for _, key := range keys {
		res, err := s.db.ExecContext(ctx, sqlDeleteValue, key)
		if err != nil {
			return removed, fmt.Errorf("localstore: evicting %s: %w", key, err)
		}

		if n, err := res.RowsAffected(); err == nil {
			removed += int(n)
		}
	}

	return removed, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, sqlDeleteValue, key); err != nil {
		return fmt.Errorf("localstore: deleting %s: %w", key, err)
	}

	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if prefix == "" {
		rows, err = s.db.QueryContext(ctx, sqlListAll)
	} else {
		rows, err = s.db.QueryContext(ctx, sqlListByPrefix, globEscape(prefix)+"*")
	}

	if err != nil {
		return nil, fmt.Errorf("localstore: listing prefix %q: %w", prefix, err)
	}
	defer rows.Close()

	var entries []Entry

	for rows.Next() {
		var (
			e      Entry
			stored []byte
		)

		if err := rows.Scan(&e.Key, &stored, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("localstore: scanning row: %w", err)
		}

		value, err := decodeValue(stored)
		if err != nil {
			return nil, err
		}

		e.Value = value
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("localstore: iterating rows: %w", err)
	}

	return entries, nil
}

// Usage implements Store.
func (s *SQLiteStore) Usage(ctx context.Context) (Stats, error) {
	var st Stats

	err := s.db.QueryRowContext(ctx, sqlUsage).Scan(&st.Keys, &st.RawBytes, &st.StoredBytes)
	if err != nil {
		return Stats{}, fmt.Errorf("localstore: reading stats: %w", err)
	}

	st.CapacityBytes = s.capacity

	s.mu.Lock()
	st.EvictedLifetime = s.evicted
	s.mu.Unlock()

	if st.RawBytes > 0 {
		st.CompressionRatio = float64(st.StoredBytes) / float64(st.RawBytes)
	}

	return st, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("localstore: closing database: %w", err)
	}

	return nil
}

// globEscape neutralizes GLOB metacharacters in a key prefix. Keys are
// plain identifiers in practice, but tenant input flows into them.
func globEscape(s string) string {
	out := make([]byte, 0, len(s))

	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[':
			out = append(out, '[', s[i], ']')
		default:
			out = append(out, s[i])
		}
	}

	return string(out)
}
