// Package store is the SQLite persistence layer: accounts, sessions,
// chats, messages, unread markers, and chat file records.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert collides with an existing row.
var ErrDuplicate = errors.New("already exists")

// Store wraps the SQLite database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for read concurrency with the single writer.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable, for health checks.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func applySchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id                  INTEGER PRIMARY KEY AUTOINCREMENT,
			username            TEXT NOT NULL,
			usersurname         TEXT NOT NULL DEFAULT '',
			email               TEXT NOT NULL UNIQUE,
			password_hash       TEXT NOT NULL,
			public_key          TEXT NOT NULL DEFAULT '',
			avatar_url          TEXT NOT NULL DEFAULT '',
			phone               TEXT NOT NULL DEFAULT '',
			bio                 TEXT NOT NULL DEFAULT '',
			expo_push_token     TEXT NOT NULL DEFAULT '',
			is_verified         INTEGER NOT NULL DEFAULT 0,
			email_confirm_token TEXT NOT NULL DEFAULT '',
			reset_token         TEXT NOT NULL DEFAULT '',
			reset_expires       INTEGER NOT NULL DEFAULT 0,
			reset_password_hash TEXT NOT NULL DEFAULT '',
			created_at          DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			token      TEXT PRIMARY KEY,
			user_id    INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			kind       TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS chats (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			type       TEXT NOT NULL,
			name       TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS chat_participants (
			chat_id INTEGER NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			PRIMARY KEY (chat_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id    INTEGER NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			sender_id  INTEGER NOT NULL REFERENCES users(id),
			user_id    INTEGER NOT NULL DEFAULT 0,
			ciphertext TEXT NOT NULL,
			nonce      TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS unread (
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			chat_id INTEGER NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			PRIMARY KEY (user_id, chat_id)
		)`,
		`CREATE TABLE IF NOT EXISTS chat_files (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id   INTEGER NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			file_name TEXT NOT NULL,
			bucket    TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
