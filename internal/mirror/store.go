// Package mirror persists the client-local copy of each room's last messages.
// The mirror is a cache, never a source of truth: the relay's snapshot always
// replaces it on (re)connect.
package mirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"roomdrop/internal/protocol"

	_ "modernc.org/sqlite"
)

// Store persists per-room message mirrors in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the mirror database and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Debug("mirror store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS mirrors (
	room_id TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	updated_at_unix_ms INTEGER NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	return nil
}

// Save replaces the stored mirror for roomID with messages. The write runs in
// a transaction so a crash mid-write never leaves a partial mirror behind.
func (s *Store) Save(ctx context.Context, roomID string, messages []protocol.Content) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}
	if messages == nil {
		messages = []protocol.Content{}
	}

	payload, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("marshal mirror payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mirror transaction: %w", err)
	}

	const q = `
INSERT INTO mirrors (room_id, payload, updated_at_unix_ms) VALUES (?, ?, ?)
ON CONFLICT(room_id) DO UPDATE SET payload = excluded.payload, updated_at_unix_ms = excluded.updated_at_unix_ms
`
	if _, err := tx.ExecContext(ctx, q, roomID, string(payload), time.Now().UnixMilli()); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("upsert mirror: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mirror: %w", err)
	}

	slog.Debug("mirror saved", "room_id", roomID, "messages", len(messages))
	return nil
}

// Load returns the stored mirror for roomID, oldest first. A room with no
// stored mirror loads as nil without error.
func (s *Store) Load(ctx context.Context, roomID string) ([]protocol.Content, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, fmt.Errorf("room id is required")
	}

	const q = `SELECT payload FROM mirrors WHERE room_id = ?`
	var payload string
	err := s.db.QueryRowContext(ctx, q, roomID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query mirror: %w", err)
	}

	var messages []protocol.Content
	if err := json.Unmarshal([]byte(payload), &messages); err != nil {
		// A corrupt cache is not fatal: the next authoritative snapshot
		// overwrites it. Treat it as absent.
		slog.Warn("mirror payload corrupt, discarding", "room_id", roomID, "err", err)
		return nil, nil
	}
	slog.Debug("mirror loaded", "room_id", roomID, "messages", len(messages))
	return messages, nil
}

// Delete removes the stored mirror for roomID, if any.
func (s *Store) Delete(ctx context.Context, roomID string) error {
	const q = `DELETE FROM mirrors WHERE room_id = ?`
	if _, err := s.db.ExecContext(ctx, q, strings.TrimSpace(roomID)); err != nil {
		return fmt.Errorf("delete mirror: %w", err)
	}
	return nil
}
