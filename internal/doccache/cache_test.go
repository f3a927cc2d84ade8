package doccache

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/driftchat/drift-sync/internal/entity"
	"github.com/driftchat/drift-sync/internal/syncdoc"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "doc.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCache_SaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	c := openTestCache(t)
	ctx := context.Background()

	doc := syncdoc.New("device-1")
	if err := doc.Set(syncdoc.CollectionChats, "c1", entity.Chat{ID: "c1", AIModel: "m", CreatedAt: 1, Title: "hello"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Save(ctx, DefaultDocID, doc.EncodeState()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	restored := syncdoc.New("device-1")
	ok, err := c.Restore(ctx, DefaultDocID, restored)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !ok {
		t.Fatalf("Restore reported no snapshot")
	}

	var got entity.Chat
	if found, err := restored.GetInto(syncdoc.CollectionChats, "c1", &got); err != nil || !found {
		t.Fatalf("GetInto: found=%v err=%v", found, err)
	}
	if got.Title != "hello" {
		t.Fatalf("title=%q, want hello", got.Title)
	}
}

func TestCache_LoadMissingSnapshot(t *testing.T) {
	t.Parallel()

	c := openTestCache(t)
	_, ok, err := c.Load(context.Background(), "never-written")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ok {
		t.Fatalf("ok=true for missing snapshot")
	}
}

func TestMirror_CoalescesWritesAndFlushes(t *testing.T) {
	t.Parallel()

	c := openTestCache(t)
	ctx := context.Background()

	doc := syncdoc.New("device-1")
	m, restored, err := StartMirror(ctx, c, doc, DefaultDocID, slog.Default())
	if err != nil {
		t.Fatalf("StartMirror: %v", err)
	}
	defer m.Close()
	if restored {
		t.Fatalf("restored=true on empty cache")
	}

	// Burst of writes, as during a streaming reply.
	for i := 0; i < 20; i++ {
		_ = doc.Set(syncdoc.CollectionMessages, "m1", entity.Message{ID: "m1", ChatID: "c1", Role: entity.RoleAssistant, Content: "partial"})
	}
	if err := m.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	restoredDoc := syncdoc.New("device-2")
	if _, err := c.Restore(ctx, DefaultDocID, restoredDoc); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n := restoredDoc.Len(syncdoc.CollectionMessages); n != 1 {
		t.Fatalf("messages=%d, want 1", n)
	}
}

func TestMirror_DebouncedSaveEventuallyPersists(t *testing.T) {
	t.Parallel()

	c := openTestCache(t)
	ctx := context.Background()

	doc := syncdoc.New("device-1")
	m, _, err := StartMirror(ctx, c, doc, DefaultDocID, slog.Default())
	if err != nil {
		t.Fatalf("StartMirror: %v", err)
	}
	defer m.Close()

	_ = doc.Set(syncdoc.CollectionChats, "c1", entity.Chat{ID: "c1", CreatedAt: 1})

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, ok, err := c.Load(ctx, DefaultDocID)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot never persisted")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestMirror_CloseStopsMirroring(t *testing.T) {
	t.Parallel()

	c := openTestCache(t)
	ctx := context.Background()

	doc := syncdoc.New("device-1")
	m, _, err := StartMirror(ctx, c, doc, DefaultDocID, slog.Default())
	if err != nil {
		t.Fatalf("StartMirror: %v", err)
	}
	m.Close()
	m.Close() // idempotent

	_ = doc.Set(syncdoc.CollectionChats, "c1", entity.Chat{ID: "c1"})
	time.Sleep(2 * defaultSaveDelay)

	_, ok, err := c.Load(ctx, DefaultDocID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ok {
		t.Fatalf("snapshot written after Close")
	}
}
