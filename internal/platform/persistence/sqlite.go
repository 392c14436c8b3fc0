/*
File: internal/platform/persistence/sqlite.go
Description: SQLite implementation of the relay's UserDirectory and
MessageStore collaborators. Messages get a UUID and a UTC millisecond
timestamp on insert.
*/
// Package persistence contains components for interacting with data stores.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-presence-relay/internal/platform/persistence/migrations"
	"github.com/tinywideclouds/go-presence-relay/pkg/relay"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// SQLiteStore implements relay.UserDirectory and relay.MessageStore.
type SQLiteStore struct {
	sqlDB  *sql.DB
	logger zerolog.Logger
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the SQLite database at path and applies embedded migrations.
func Open(ctx context.Context, path string, logger zerolog.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteStore{
		sqlDB:  sqlDB,
		logger: logger.With().Str("component", "SQLiteStore").Logger(),
	}, nil
}

// Ping checks the database handle is usable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

// Close closes the SQLite handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// SaveUser inserts or replaces a user record.
func (s *SQLiteStore) SaveUser(ctx context.Context, u relay.User) error {
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("user id is required")
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO users (id, name, email, role, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, email = excluded.email, role = excluded.role`,
		u.ID, u.Name, u.Email, u.Role, toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("save user %s: %w", u.ID, err)
	}
	return nil
}

// LookupUser returns (nil, nil) when the user does not exist.
func (s *SQLiteStore) LookupUser(ctx context.Context, userID string) (*relay.User, error) {
	var u relay.User
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, name, email, role FROM users WHERE id = ?`, userID,
	).Scan(&u.ID, &u.Name, &u.Email, &u.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user %s: %w", userID, err)
	}
	return &u, nil
}

// PersistMessage inserts a message and returns the stored record.
func (s *SQLiteStore) PersistMessage(ctx context.Context, msg relay.NewMessage) (*relay.Message, error) {
	if msg.FromUserID == "" || msg.ToUserID == "" {
		return nil, fmt.Errorf("sender and recipient are required")
	}
	kind := msg.Kind
	if kind == "" {
		kind = relay.KindText
	}
	rec := &relay.Message{
		ID:         uuid.NewString(),
		FromUserID: msg.FromUserID,
		ToUserID:   msg.ToUserID,
		Message:    msg.Body,
		Type:       kind,
		FileURL:    msg.FileURL,
		FileName:   msg.FileName,
		FileSize:   msg.FileSize,
		CreatedAt:  fromMillis(toMillis(time.Now())),
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO messages (
		   id, from_user_id, to_user_id, body, kind,
		   file_url, file_name, file_size, is_read, created_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		rec.ID, rec.FromUserID, rec.ToUserID, rec.Message, string(rec.Type),
		rec.FileURL, rec.FileName, rec.FileSize, toMillis(rec.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}
	s.logger.Debug().Str("id", rec.ID).Str("from", rec.FromUserID).Str("to", rec.ToUserID).Msg("Message persisted.")
	return rec, nil
}

// MarkMessageRead reports false when no message has the given ID.
func (s *SQLiteStore) MarkMessageRead(ctx context.Context, messageID string) (bool, error) {
	res, err := s.sqlDB.ExecContext(ctx, `UPDATE messages SET is_read = 1 WHERE id = ?`, messageID)
	if err != nil {
		return false, fmt.Errorf("mark message %s read: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark message %s read: %w", messageID, err)
	}
	return n > 0, nil
}

// ListConversation returns the most recent limit messages between two users,
// oldest first.
func (s *SQLiteStore) ListConversation(ctx context.Context, userA, userB string, limit int) ([]relay.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, from_user_id, to_user_id, body, kind, file_url, file_name, file_size, is_read, created_at
		 FROM messages
		 WHERE (from_user_id = ? AND to_user_id = ?) OR (from_user_id = ? AND to_user_id = ?)
		 ORDER BY created_at DESC, rowid DESC
		 LIMIT ?`,
		userA, userB, userB, userA, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversation: %w", err)
	}
	defer rows.Close()

	var out []relay.Message
	for rows.Next() {
		var (
			m         relay.Message
			kind      string
			isRead    int
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.FromUserID, &m.ToUserID, &m.Message, &kind,
			&m.FileURL, &m.FileName, &m.FileSize, &isRead, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Type = relay.MessageKind(kind)
		m.IsRead = isRead != 0
		m.CreatedAt = fromMillis(createdAt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversation: %w", err)
	}

	// newest-first from the query; callers want chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
