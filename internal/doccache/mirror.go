package doccache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/driftchat/drift-sync/internal/syncdoc"
)

const defaultSaveDelay = 300 * time.Millisecond

// Mirror subscribes to a document and persists its full state after every
// change, debounced so bursts (streaming assistant tokens) coalesce into one
// write. Persistence failures are logged and otherwise ignored; the in-memory
// document stays authoritative for the running session.
type Mirror struct {
	cache *Cache
	doc   *syncdoc.Doc
	docID string
	log   *slog.Logger
	delay time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
	wg     sync.WaitGroup

	unsub func()
}

// StartMirror restores the persisted snapshot into doc (before returning, so
// the document is "ready" before any network activity starts) and begins
// mirroring subsequent changes back to the cache.
func StartMirror(ctx context.Context, cache *Cache, doc *syncdoc.Doc, docID string, log *slog.Logger) (*Mirror, bool, error) {
	if log == nil {
		log = slog.Default()
	}

	restored, err := cache.Restore(ctx, docID, doc)
	if err != nil {
		return nil, false, err
	}

	m := &Mirror{
		cache: cache,
		doc:   doc,
		docID: docID,
		log:   log,
		delay: defaultSaveDelay,
	}
	m.unsub = doc.Subscribe(func(syncdoc.Change) { m.schedule() })
	return m, restored, nil
}

func (m *Mirror) schedule() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.delay, m.save)
}

func (m *Mirror) save() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.cache.Save(ctx, m.docID, m.doc.EncodeState()); err != nil {
		m.log.Warn("document snapshot save failed", "doc_id", m.docID, "error", err)
	}
}

// Flush writes the current state immediately. Used at shutdown so the last
// debounce window is not lost.
func (m *Mirror) Flush(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()
	return m.cache.Save(ctx, m.docID, m.doc.EncodeState())
}

// Close detaches from the document and stops any pending save. Idempotent.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()

	if m.unsub != nil {
		m.unsub()
	}
	m.wg.Wait()
}
