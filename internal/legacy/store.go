// Package legacy reads the pre-sync local database so existing chats can be
// imported into the replicated document on first run.
package legacy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/driftchat/drift-sync/internal/entity"
	"github.com/driftchat/drift-sync/internal/models"
)

// Store is the old single-device database. The daemon only ever reads it;
// the write methods exist for migration tooling and tests.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS chats (
  id TEXT PRIMARY KEY,
  ai_model TEXT NOT NULL DEFAULT '',
  is_fork INTEGER NOT NULL DEFAULT 0,
  created_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  title TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS messages (
  id TEXT PRIMARY KEY,
  chat_id TEXT NOT NULL,
  role TEXT NOT NULL,
  content TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  attachment_json TEXT,
  model TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, created_at_unix_ms);
CREATE TABLE IF NOT EXISTS conversations (
  id TEXT PRIMARY KEY,
  chat_id TEXT NOT NULL,
  ord INTEGER NOT NULL DEFAULT 0,
  is_pinned INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS custom_models (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  provider TEXT NOT NULL DEFAULT '',
  provider_logo TEXT NOT NULL DEFAULT '',
  features_json TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS customisation (
  id TEXT PRIMARY KEY,
  record_json TEXT NOT NULL
);
`)
	return err
}

func (s *Store) Chats(ctx context.Context) ([]entity.Chat, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, ai_model, is_fork, created_at_unix_ms, title FROM chats ORDER BY created_at_unix_ms`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entity.Chat
	for rows.Next() {
		var c entity.Chat
		if err := rows.Scan(&c.ID, &c.AIModel, &c.IsFork, &c.CreatedAt, &c.Title); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) Messages(ctx context.Context) ([]entity.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, chat_id, role, content, created_at_unix_ms, attachment_json, model FROM messages ORDER BY created_at_unix_ms`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entity.Message
	for rows.Next() {
		var m entity.Message
		var attachment sql.NullString
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &m.CreatedAt, &attachment, &m.Model); err != nil {
			return nil, err
		}
		if attachment.Valid && strings.TrimSpace(attachment.String) != "" {
			var a entity.Attachment
			if err := json.Unmarshal([]byte(attachment.String), &a); err != nil {
				return nil, fmt.Errorf("decode attachment for message %s: %w", m.ID, err)
			}
			m.Attachment = &a
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) Conversations(ctx context.Context) ([]entity.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, chat_id, ord, is_pinned FROM conversations ORDER BY ord`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entity.Conversation
	for rows.Next() {
		var c entity.Conversation
		if err := rows.Scan(&c.ID, &c.ChatID, &c.Order, &c.IsPinned); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) CustomModels(ctx context.Context) ([]models.Model, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, provider, provider_logo, features_json FROM custom_models ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Model
	for rows.Next() {
		var m models.Model
		var features string
		if err := rows.Scan(&m.ID, &m.Name, &m.Provider, &m.ProviderLogo, &features); err != nil {
			return nil, err
		}
		if strings.TrimSpace(features) != "" {
			if err := json.Unmarshal([]byte(features), &m.Features); err != nil {
				return nil, fmt.Errorf("decode features for model %s: %w", m.ID, err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) Customisations(ctx context.Context) ([]entity.Customisation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, record_json FROM customisation ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entity.Customisation
	for rows.Next() {
		var id, record string
		if err := rows.Scan(&id, &record); err != nil {
			return nil, err
		}
		var c entity.Customisation
		if err := json.Unmarshal([]byte(record), &c); err != nil {
			return nil, fmt.Errorf("decode customisation %s: %w", id, err)
		}
		c.ID = id
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) InsertChat(ctx context.Context, c entity.Chat) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO chats(id, ai_model, is_fork, created_at_unix_ms, title) VALUES(?, ?, ?, ?, ?)`,
		c.ID, c.AIModel, c.IsFork, c.CreatedAt, c.Title)
	return err
}

func (s *Store) InsertMessage(ctx context.Context, m entity.Message) error {
	var attachment any
	if m.Attachment != nil {
		blob, err := json.Marshal(m.Attachment)
		if err != nil {
			return err
		}
		attachment = string(blob)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO messages(id, chat_id, role, content, created_at_unix_ms, attachment_json, model) VALUES(?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatID, m.Role, m.Content, m.CreatedAt, attachment, m.Model)
	return err
}

func (s *Store) InsertConversation(ctx context.Context, c entity.Conversation) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO conversations(id, chat_id, ord, is_pinned) VALUES(?, ?, ?, ?)`,
		c.ID, c.ChatID, c.Order, c.IsPinned)
	return err
}

func (s *Store) InsertCustomModel(ctx context.Context, m models.Model) error {
	features, err := json.Marshal(m.Features)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO custom_models(id, name, provider, provider_logo, features_json) VALUES(?, ?, ?, ?, ?)`,
		m.ID, m.Name, m.Provider, m.ProviderLogo, string(features))
	return err
}

func (s *Store) InsertCustomisation(ctx context.Context, c entity.Customisation) error {
	record, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO customisation(id, record_json) VALUES(?, ?)`, c.ID, string(record))
	return err
}
