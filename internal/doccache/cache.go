// Package doccache persists the replicated document to a local SQLite
// database so state survives restarts without a network peer.
package doccache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/driftchat/drift-sync/internal/syncdoc"
)

// DefaultDocID is the snapshot row used by the daemon. The table is keyed so
// tests can keep several documents in one database.
const DefaultDocID = "drift-chat-doc"

// Cache is the snapshot store. One blob row per document id; the blob is the
// JSON-encoded full document state and is treated as opaque here.
type Cache struct {
	db *sql.DB
}

func Open(path string) (*Cache, error) {
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

	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Load reads the persisted state for docID. ok=false means no snapshot yet.
func (c *Cache) Load(ctx context.Context, docID string) (syncdoc.Update, bool, error) {
	if c == nil || c.db == nil {
		return syncdoc.Update{}, false, errors.New("cache not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	docID = strings.TrimSpace(docID)
	if docID == "" {
		return syncdoc.Update{}, false, errors.New("missing doc id")
	}

	var blob []byte
	err := c.db.QueryRowContext(ctx, `SELECT doc FROM crdt_docs WHERE id = ?`, docID).Scan(&blob)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return syncdoc.Update{}, false, nil
		}
		return syncdoc.Update{}, false, err
	}

	var u syncdoc.Update
	if err := json.Unmarshal(blob, &u); err != nil {
		return syncdoc.Update{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return u, true, nil
}

// Save replaces the persisted state for docID.
func (c *Cache) Save(ctx context.Context, docID string, u syncdoc.Update) error {
	if c == nil || c.db == nil {
		return errors.New("cache not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	docID = strings.TrimSpace(docID)
	if docID == "" {
		return errors.New("missing doc id")
	}

	blob, err := json.Marshal(u)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `
INSERT INTO crdt_docs(id, doc, updated_at_unix_ms) VALUES(?, ?, ?)
ON CONFLICT(id) DO UPDATE SET doc = excluded.doc, updated_at_unix_ms = excluded.updated_at_unix_ms
`, docID, blob, time.Now().UnixMilli())
	return err
}

// Restore loads the snapshot for docID (if any) and merges it into doc.
// Returns whether a snapshot existed.
func (c *Cache) Restore(ctx context.Context, docID string, doc *syncdoc.Doc) (bool, error) {
	u, ok, err := c.Load(ctx, docID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	doc.ApplyUpdate(u)
	return true, nil
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
CREATE TABLE IF NOT EXISTS crdt_docs (
  id TEXT PRIMARY KEY,
  doc BLOB NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL DEFAULT 0
);
`)
	return err
}
