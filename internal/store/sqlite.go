// Package store provides the SQLite-backed message log.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"chatd/internal/chat"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id                TEXT PRIMARY KEY,
	role              TEXT NOT NULL,
	content           TEXT NOT NULL,
	reasoning_content TEXT NOT NULL DEFAULT '',
	image_url         TEXT NOT NULL DEFAULT '',
	timestamp         INTEGER NOT NULL,
	status            TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);
`

// SQLiteStore persists chat messages in a local SQLite database. It
// implements chat.MessageStore.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent turn updates.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Insert(m chat.Message) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO messages (id, role, content, reasoning_content, image_url, timestamp, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, string(m.Role), m.Content, m.ReasoningContent, m.ImageURL, m.Timestamp, string(m.Status),
	)
	if err != nil {
		return fmt.Errorf("insert message %s: %w", m.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Update(m chat.Message) error {
	res, err := s.db.Exec(
		`UPDATE messages SET content = ?, reasoning_content = ?, image_url = ?, status = ? WHERE id = ?`,
		m.Content, m.ReasoningContent, m.ImageURL, string(m.Status), m.ID,
	)
	if err != nil {
		return fmt.Errorf("update message %s: %w", m.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("message not found: %s", m.ID)
	}
	return nil
}

func (s *SQLiteStore) QueryAll() ([]chat.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, role, content, reasoning_content, image_url, timestamp, status
		 FROM messages ORDER BY timestamp ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLiteStore) QueryRecent(limit int) ([]chat.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, role, content, reasoning_content, image_url, timestamp, status
		 FROM messages ORDER BY timestamp DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLiteStore) ClearAll() error {
	if _, err := s.db.Exec(`DELETE FROM messages`); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]chat.Message, error) {
	var out []chat.Message
	for rows.Next() {
		var m chat.Message
		var role, status string
		if err := rows.Scan(&m.ID, &role, &m.Content, &m.ReasoningContent, &m.ImageURL, &m.Timestamp, &status); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = chat.Role(role)
		m.Status = chat.Status(status)
		out = append(out, m)
	}
	return out, rows.Err()
}
