package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteProvider stores caches in an SQLite database.
type SQLiteProvider struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteProvider creates a new provider with the given filename as the db.
// If file name is empty, a private in-memory db is opened.
func NewSQLiteProvider(filename string) (*SQLiteProvider, error) {
	inMemory := filename == ""
	if inMemory {
		filename = ":memory:"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("could not open cache db: %w", err)
	}
	// every connection to :memory: is a db of its own
	if inMemory {
		db.SetMaxOpenConns(1)
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS caches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cache TEXT NOT NULL,
			key TEXT NOT NULL,
			bytes BLOB,
			UNIQUE (cache, key)
		)`,
		"CREATE INDEX IF NOT EXISTS entries_cache_idx ON entries (cache, id)",
	}
	if !inMemory {
		statements = append(statements, "PRAGMA journal_mode=WAL")
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("could not initialize cache db: %w", err)
		}
	}
	return &SQLiteProvider{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteProvider) CreateCache(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	result, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO caches (name) VALUES (?)", name)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

func (s *SQLiteProvider) HasCache(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM caches WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLiteProvider) CacheNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM caches ORDER BY id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteProvider) DeleteCache(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE cache = ?", name); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM caches WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, tx.Commit()
}

func (s *SQLiteProvider) Entries(ctx context.Context, name, prefix string) ([]Entry, error) {
	// byte-wise substr instead of LIKE: URLs contain wildcard characters, and LIKE ignores case
	rows, err := s.db.QueryContext(ctx, `SELECT key, bytes FROM entries
		WHERE cache = ? AND substr(CAST(key AS BLOB), 1, ?) = CAST(? AS BLOB)
		ORDER BY id ASC`, name, len(prefix), prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var entry Entry
		if err := rows.Scan(&entry.Key, &entry.Bytes); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *SQLiteProvider) PutEntries(ctx context.Context, name string, entries []Entry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM caches WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoSuchCache
	} else if err != nil {
		return err
	}
	for _, e := range entries {
		// REPLACE deletes the conflicting row, so the new entry gets a new (highest) id
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO entries (cache, key, bytes) VALUES (?, ?, ?)",
			name, e.Key, e.Bytes); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteProvider) DeleteEntries(ctx context.Context, name string, keys []string) (int, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	removed := 0
	for _, key := range keys {
		result, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE cache = ? AND key = ?", name, key)
		if err != nil {
			return 0, err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return 0, err
		}
		removed += int(rows)
	}
	return removed, tx.Commit()
}

func (s *SQLiteProvider) Close() error {
	return s.db.Close()
}
