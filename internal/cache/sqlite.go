package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const createEntriesTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	module TEXT NOT NULL,
	entry BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_fingerprint
	ON cache_entries (fingerprint, module);
`

// sqliteStore is the embedded relational durable tier. The entry rides as a
// JSON blob; key, fingerprint, and module are indexed columns so exact and
// similarity lookups both hit an index.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database file and runs the schema migration.
func NewSQLiteStore(path string) (DurableStore, error) {
	if path == "" {
		return nil, fmt.Errorf("cache: sqlite path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: sqlite open %s: %w", path, err)
	}
	// The pure-Go driver supports one writer at a time.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(createEntriesTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT entry FROM cache_entries WHERE key = ?`, key,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: sqlite get: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("cache: sqlite unmarshal: %w", err)
	}
	return entry, true, nil
}

func (s *sqliteStore) Put(ctx context.Context, key string, entry Entry) error {
	entry.Key = key
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: sqlite marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries (key, fingerprint, module, entry) VALUES (?, ?, ?, ?)`,
		key, entry.Fingerprint, entry.Meta.Module, raw,
	)
	if err != nil {
		return fmt.Errorf("cache: sqlite put: %w", err)
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("cache: sqlite delete: %w", err)
	}
	return nil
}

func (s *sqliteStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&count); err != nil {
		return 0, fmt.Errorf("cache: sqlite count: %w", err)
	}
	return count, nil
}

func (s *sqliteStore) QueryByFingerprint(ctx context.Context, fingerprint, module string) ([]Entry, error) {
	if fingerprint == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry FROM cache_entries WHERE fingerprint = ? AND module = ?`,
		fingerprint, module,
	)
	if err != nil {
		return nil, fmt.Errorf("cache: sqlite query fingerprint: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []Entry
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("cache: sqlite scan: %w", err)
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		matches = append(matches, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache: sqlite rows: %w", err)
	}
	return matches, nil
}

func (s *sqliteStore) Close(context.Context) error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("cache: sqlite close: %w", err)
	}
	return nil
}
