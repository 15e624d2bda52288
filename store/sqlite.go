package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS kv (
	namespace TEXT NOT NULL,
	item      TEXT NOT NULL,
	value     BLOB NOT NULL,
	PRIMARY KEY (namespace, item)
)`

// SQLite persists values in a single kv table.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database file at path.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc's driver serialises writers anyway; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Save(namespace, key string, value []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO kv (namespace, item, value) VALUES (?, ?, ?)
		 ON CONFLICT(namespace, item) DO UPDATE SET value = excluded.value`,
		namespace, key, value)
	return err
}

func (s *SQLite) Load(namespace, key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE namespace = ? AND item = ?`, namespace, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return v, err
}

func (s *SQLite) Delete(namespace, key string) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE namespace = ? AND item = ?`, namespace, key)
	return err
}

func (s *SQLite) Clear(namespace string) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE namespace = ?`, namespace)
	return err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
