// Package projection maintains a SQLite read model of the replicated
// document. Queries (sidebar, message history, preferences) hit the read
// model; the document itself stays write-oriented.
package projection

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

	_ "modernc.org/sqlite"

	"github.com/driftchat/drift-sync/internal/entity"
	"github.com/driftchat/drift-sync/internal/models"
	"github.com/driftchat/drift-sync/internal/syncdoc"
)

// Projection owns the read-model database. Start attaches it to a document;
// every document change rebuilds the touched collections inside one SQL
// transaction, so readers never observe a half-applied change.
type Projection struct {
	db    *sql.DB
	log   *slog.Logger
	unsub func()
}

func Open(path string, log *slog.Logger) (*Projection, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if log == nil {
		log = slog.Default()
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

	return &Projection{db: db, log: log}, nil
}

func (p *Projection) Close() error {
	if p == nil {
		return nil
	}
	if p.unsub != nil {
		p.unsub()
		p.unsub = nil
	}
	if p.db == nil {
		return nil
	}
	return p.db.Close()
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
  name TEXT NOT NULL DEFAULT '',
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

// Start performs a full rebuild from doc and subscribes to its changes.
func (p *Projection) Start(doc *syncdoc.Doc) error {
	if p == nil || p.db == nil {
		return errors.New("projection not initialized")
	}
	if doc == nil {
		return errors.New("nil document")
	}

	if err := p.rebuild(doc, syncdoc.Collections); err != nil {
		return err
	}
	p.unsub = doc.Subscribe(func(c syncdoc.Change) {
		if err := p.rebuild(doc, c.Collections); err != nil {
			p.log.Error("read model rebuild failed", "collections", c.Collections, "error", err)
		}
	})
	return nil
}

func (p *Projection) rebuild(doc *syncdoc.Doc, collections []string) error {
	tx, err := p.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, coll := range collections {
		if err := rebuildCollection(tx, doc, coll); err != nil {
			return fmt.Errorf("rebuild %s: %w", coll, err)
		}
	}
	return tx.Commit()
}

func rebuildCollection(tx *sql.Tx, doc *syncdoc.Doc, collection string) error {
	values := doc.Values(collection)

	switch collection {
	case syncdoc.CollectionChats:
		if _, err := tx.Exec(`DELETE FROM chats`); err != nil {
			return err
		}
		for id, raw := range values {
			var c entity.Chat
			if err := json.Unmarshal(raw, &c); err != nil {
				return fmt.Errorf("chat %s: %w", id, err)
			}
			if _, err := tx.Exec(`INSERT INTO chats(id, ai_model, is_fork, created_at_unix_ms, title) VALUES(?, ?, ?, ?, ?)`,
				c.ID, c.AIModel, c.IsFork, c.CreatedAt, c.Title); err != nil {
				return err
			}
		}

	case syncdoc.CollectionMessages:
		if _, err := tx.Exec(`DELETE FROM messages`); err != nil {
			return err
		}
		for id, raw := range values {
			var m entity.Message
			if err := json.Unmarshal(raw, &m); err != nil {
				return fmt.Errorf("message %s: %w", id, err)
			}
			var attachment any
			if m.Attachment != nil {
				blob, err := json.Marshal(m.Attachment)
				if err != nil {
					return err
				}
				attachment = string(blob)
			}
			if _, err := tx.Exec(`INSERT INTO messages(id, chat_id, role, content, created_at_unix_ms, attachment_json, model) VALUES(?, ?, ?, ?, ?, ?, ?)`,
				m.ID, m.ChatID, m.Role, m.Content, m.CreatedAt, attachment, m.Model); err != nil {
				return err
			}
		}

	case syncdoc.CollectionConversations:
		if _, err := tx.Exec(`DELETE FROM conversations`); err != nil {
			return err
		}
		for id, raw := range values {
			var c entity.Conversation
			if err := json.Unmarshal(raw, &c); err != nil {
				return fmt.Errorf("conversation %s: %w", id, err)
			}
			if _, err := tx.Exec(`INSERT INTO conversations(id, chat_id, ord, is_pinned) VALUES(?, ?, ?, ?)`,
				c.ID, c.ChatID, c.Order, c.IsPinned); err != nil {
				return err
			}
		}

	case syncdoc.CollectionModels:
		if _, err := tx.Exec(`DELETE FROM custom_models`); err != nil {
			return err
		}
		for id, raw := range values {
			var m models.Model
			if err := json.Unmarshal(raw, &m); err != nil {
				return fmt.Errorf("model %s: %w", id, err)
			}
			features, err := json.Marshal(m.Features)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(`INSERT INTO custom_models(id, name, provider, provider_logo, features_json) VALUES(?, ?, ?, ?, ?)`,
				m.ID, m.Name, m.Provider, m.ProviderLogo, string(features)); err != nil {
				return err
			}
		}

	case syncdoc.CollectionCustomisation:
		if _, err := tx.Exec(`DELETE FROM customisation`); err != nil {
			return err
		}
		for id, raw := range values {
			if _, err := tx.Exec(`INSERT INTO customisation(id, record_json) VALUES(?, ?)`, id, string(raw)); err != nil {
				return err
			}
		}

	default:
		// Unknown collections have no read model.
	}
	return nil
}

// ConversationRow is one sidebar entry: the conversation plus the chat fields
// the sidebar renders.
type ConversationRow struct {
	entity.Conversation
	Title     string `json:"title"`
	AIModel   string `json:"aiModel"`
	IsFork    bool   `json:"isFork"`
	CreatedAt int64  `json:"createdAt"`
}

// Conversations returns the sidebar list: pinned entries first, then by
// order descending (most recently placed on top).
func (p *Projection) Conversations(ctx context.Context) ([]ConversationRow, error) {
	if p == nil || p.db == nil {
		return nil, errors.New("projection not initialized")
	}
	rows, err := p.db.QueryContext(ctx, `
SELECT v.id, v.chat_id, v.ord, v.is_pinned,
       COALESCE(c.title, ''), COALESCE(c.ai_model, ''), COALESCE(c.is_fork, 0), COALESCE(c.created_at_unix_ms, 0)
FROM conversations v
LEFT JOIN chats c ON c.id = v.chat_id
ORDER BY v.is_pinned DESC, v.ord DESC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConversationRow
	for rows.Next() {
		var r ConversationRow
		if err := rows.Scan(&r.ID, &r.ChatID, &r.Order, &r.IsPinned, &r.Title, &r.AIModel, &r.IsFork, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Messages returns a chat's history in creation order.
func (p *Projection) Messages(ctx context.Context, chatID string) ([]entity.Message, error) {
	if p == nil || p.db == nil {
		return nil, errors.New("projection not initialized")
	}
	rows, err := p.db.QueryContext(ctx, `
SELECT id, chat_id, role, content, created_at_unix_ms, attachment_json, model
FROM messages WHERE chat_id = ? ORDER BY created_at_unix_ms, id
`, strings.TrimSpace(chatID))
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
		if attachment.Valid && attachment.String != "" {
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

// Chat returns a single chat. ok=false when it does not exist.
func (p *Projection) Chat(ctx context.Context, id string) (entity.Chat, bool, error) {
	if p == nil || p.db == nil {
		return entity.Chat{}, false, errors.New("projection not initialized")
	}
	var c entity.Chat
	err := p.db.QueryRowContext(ctx, `SELECT id, ai_model, is_fork, created_at_unix_ms, title FROM chats WHERE id = ?`,
		strings.TrimSpace(id)).Scan(&c.ID, &c.AIModel, &c.IsFork, &c.CreatedAt, &c.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Chat{}, false, nil
	}
	if err != nil {
		return entity.Chat{}, false, err
	}
	return c, true, nil
}

// CustomModels returns the user-added models.
func (p *Projection) CustomModels(ctx context.Context) ([]models.Model, error) {
	if p == nil || p.db == nil {
		return nil, errors.New("projection not initialized")
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id, name, provider, provider_logo, features_json FROM custom_models ORDER BY id`)
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
		if features != "" {
			if err := json.Unmarshal([]byte(features), &m.Features); err != nil {
				return nil, fmt.Errorf("decode features for model %s: %w", m.ID, err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Customisation returns one preference record by its fixed id.
func (p *Projection) Customisation(ctx context.Context, id string) (entity.Customisation, bool, error) {
	if p == nil || p.db == nil {
		return entity.Customisation{}, false, errors.New("projection not initialized")
	}
	var record string
	err := p.db.QueryRowContext(ctx, `SELECT record_json FROM customisation WHERE id = ?`, strings.TrimSpace(id)).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Customisation{}, false, nil
	}
	if err != nil {
		return entity.Customisation{}, false, err
	}
	var c entity.Customisation
	if err := json.Unmarshal([]byte(record), &c); err != nil {
		return entity.Customisation{}, false, fmt.Errorf("decode customisation %s: %w", id, err)
	}
	return c, true, nil
}
