// Package syncdoc implements the replicated document shared between devices.
//
// The document is a set of named collections, each a mapping from entity id to
// an opaque JSON record. Replication is last-writer-wins per record: every
// write carries a (lamport clock, actor id) version, and merging two replicas
// keeps the entry with the greater version. The merge is commutative,
// associative and idempotent, so replicas converge regardless of the order in
// which updates arrive.
package syncdoc

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
)

// Collection names. All replicated state lives in one of these.
const (
	CollectionChats         = "chats"
	CollectionMessages      = "messages"
	CollectionModels        = "models"
	CollectionCustomisation = "customisation"
	CollectionConversations = "conversations"
)

// Collections lists every collection the document replicates.
var Collections = []string{
	CollectionChats,
	CollectionMessages,
	CollectionModels,
	CollectionCustomisation,
	CollectionConversations,
}

// Version orders writes across replicas. Clock is a lamport counter; Actor
// breaks ties deterministically (greater actor id wins). Two writes from the
// same actor never share a clock value.
type Version struct {
	Clock uint64 `json:"clock"`
	Actor string `json:"actor"`
}

// Before reports whether v is ordered strictly before o (o wins a merge).
func (v Version) Before(o Version) bool {
	if v.Clock != o.Clock {
		return v.Clock < o.Clock
	}
	return v.Actor < o.Actor
}

// Entry is a single versioned record, or its tombstone when Deleted is set.
// Value is kept as raw JSON so fields this build does not know about survive
// a round trip through the document unmodified.
type Entry struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Value      json.RawMessage `json:"value,omitempty"`
	Deleted    bool            `json:"deleted,omitempty"`
	Version    Version         `json:"version"`
}

// Update is the wire/persistence unit: a set of entries to merge into a
// replica. A full document state is just an Update containing every entry.
type Update struct {
	Entries []Entry `json:"entries"`
}

// Origin distinguishes local mutations from merged remote updates.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

// Change is delivered to subscribers after every mutation. Update holds the
// entries that actually changed (already versioned, ready to broadcast or
// persist); Collections lists the touched collection names.
type Change struct {
	Origin      Origin
	Update      Update
	Collections []string
}

// Listener receives change notifications. Listeners are invoked synchronously
// in subscription order, outside the document lock, on the mutating goroutine.
type Listener func(Change)

// Doc is the process-wide replicated document. One instance per running
// application; all components share it by reference.
type Doc struct {
	actor string

	mu      sync.RWMutex
	clock   uint64
	entries map[string]map[string]Entry // collection -> id -> entry (tombstones included)

	subMu   sync.Mutex
	subs    map[int]Listener
	nextSub int
}

// New creates an empty document owned by the given actor id.
func New(actor string) *Doc {
	d := &Doc{
		actor:   strings.TrimSpace(actor),
		entries: make(map[string]map[string]Entry, len(Collections)),
		subs:    make(map[int]Listener),
	}
	for _, c := range Collections {
		d.entries[c] = make(map[string]Entry)
	}
	return d
}

// Actor returns the actor id local writes are attributed to.
func (d *Doc) Actor() string {
	if d == nil {
		return ""
	}
	return d.actor
}

// Subscribe registers a listener and returns its unsubscribe func.
func (d *Doc) Subscribe(fn Listener) (unsubscribe func()) {
	if d == nil || fn == nil {
		return func() {}
	}
	d.subMu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	d.subMu.Unlock()

	return func() {
		d.subMu.Lock()
		delete(d.subs, id)
		d.subMu.Unlock()
	}
}

// Get returns the live value for id, or ok=false if absent or deleted.
func (d *Doc) Get(collection string, id string) (json.RawMessage, bool) {
	if d == nil {
		return nil, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[collection][id]
	if !ok || e.Deleted {
		return nil, false
	}
	return e.Value, true
}

// GetInto unmarshals the live value for id into out.
func (d *Doc) GetInto(collection string, id string, out any) (bool, error) {
	raw, ok := d.Get(collection, id)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

// Len counts live (non-deleted) entries in a collection.
func (d *Doc) Len(collection string) int {
	if d == nil {
		return 0
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, e := range d.entries[collection] {
		if !e.Deleted {
			n++
		}
	}
	return n
}

// Values returns a snapshot of all live values in a collection, keyed by id.
func (d *Doc) Values(collection string) map[string]json.RawMessage {
	if d == nil {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(d.entries[collection]))
	for id, e := range d.entries[collection] {
		if e.Deleted {
			continue
		}
		out[id] = e.Value
	}
	return out
}

// Set inserts or replaces one record and notifies subscribers.
func (d *Doc) Set(collection string, id string, value any) error {
	return d.Transact(func(tx *Tx) error {
		return tx.Set(collection, id, value)
	})
}

// Delete removes one record (writing a tombstone) and notifies subscribers.
func (d *Doc) Delete(collection string, id string) error {
	return d.Transact(func(tx *Tx) error {
		tx.Delete(collection, id)
		return nil
	})
}

// Tx batches mutations applied under one document lock. All writes in the
// batch are delivered to subscribers as a single change notification.
type Tx struct {
	d       *Doc
	changed []Entry
}

// Get reads a live value inside the transaction.
func (t *Tx) Get(collection string, id string) (json.RawMessage, bool) {
	e, ok := t.d.entries[collection][id]
	if !ok || e.Deleted {
		return nil, false
	}
	return e.Value, true
}

// GetInto unmarshals a live value inside the transaction.
func (t *Tx) GetInto(collection string, id string, out any) (bool, error) {
	raw, ok := t.Get(collection, id)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

// Set marshals value and writes it under a fresh local version.
func (t *Tx) Set(collection string, id string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return t.SetRaw(collection, id, raw)
}

// SetRaw writes an already-marshaled value under a fresh local version.
func (t *Tx) SetRaw(collection string, id string, raw json.RawMessage) error {
	if _, ok := t.d.entries[collection]; !ok {
		return errors.New("unknown collection: " + collection)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("missing id")
	}
	t.d.clock++
	e := Entry{
		Collection: collection,
		ID:         id,
		Value:      raw,
		Version:    Version{Clock: t.d.clock, Actor: t.d.actor},
	}
	t.d.entries[collection][id] = e
	t.changed = append(t.changed, e)
	return nil
}

// Delete writes a tombstone for id. Deleting an absent id is a no-op.
func (t *Tx) Delete(collection string, id string) {
	cur, ok := t.d.entries[collection][id]
	if !ok || cur.Deleted {
		return
	}
	t.d.clock++
	e := Entry{
		Collection: collection,
		ID:         id,
		Deleted:    true,
		Version:    Version{Clock: t.d.clock, Actor: t.d.actor},
	}
	t.d.entries[collection][id] = e
	t.changed = append(t.changed, e)
}

// Transact runs fn under the document lock and delivers all of its writes as
// one change notification. If fn returns an error, writes made before the
// error are still applied and notified; there is no rollback.
func (d *Doc) Transact(fn func(tx *Tx) error) error {
	if d == nil {
		return errors.New("nil doc")
	}
	if fn == nil {
		return errors.New("nil transact fn")
	}

	d.mu.Lock()
	tx := &Tx{d: d}
	err := fn(tx)
	changed := tx.changed
	d.mu.Unlock()

	if len(changed) > 0 {
		d.notify(Change{
			Origin:      OriginLocal,
			Update:      Update{Entries: changed},
			Collections: touchedCollections(changed),
		})
	}
	return err
}

// ApplyUpdate merges a remote update into the document. Entries that lose the
// version comparison are ignored, which makes the merge idempotent and
// order-independent. Entries for unknown collections are skipped rather than
// rejected. Returns the entries that actually changed local state.
func (d *Doc) ApplyUpdate(u Update) []Entry {
	if d == nil || len(u.Entries) == 0 {
		return nil
	}

	d.mu.Lock()
	var changed []Entry
	for _, e := range u.Entries {
		coll, ok := d.entries[e.Collection]
		if !ok {
			continue
		}
		id := strings.TrimSpace(e.ID)
		if id == "" {
			continue
		}
		cur, exists := coll[id]
		if exists && !cur.Version.Before(e.Version) {
			continue
		}
		e.ID = id
		coll[id] = e
		changed = append(changed, e)
		// Lamport receive rule: local clock moves past every observed write.
		if e.Version.Clock > d.clock {
			d.clock = e.Version.Clock
		}
	}
	d.mu.Unlock()

	if len(changed) > 0 {
		d.notify(Change{
			Origin:      OriginRemote,
			Update:      Update{Entries: changed},
			Collections: touchedCollections(changed),
		})
	}
	return changed
}

// EncodeState returns the full document state (tombstones included) as an
// Update. Applying it to any replica merges the two documents.
func (d *Doc) EncodeState() Update {
	if d == nil {
		return Update{}
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	var entries []Entry
	for _, coll := range d.entries {
		for _, e := range coll {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Collection != entries[j].Collection {
			return entries[i].Collection < entries[j].Collection
		}
		return entries[i].ID < entries[j].ID
	})
	return Update{Entries: entries}
}

func (d *Doc) notify(c Change) {
	d.subMu.Lock()
	ids := make([]int, 0, len(d.subs))
	for id := range d.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, d.subs[id])
	}
	d.subMu.Unlock()

	for _, fn := range listeners {
		fn(c)
	}
}

func touchedCollections(entries []Entry) []string {
	seen := make(map[string]bool, 4)
	var out []string
	for _, e := range entries {
		if seen[e.Collection] {
			continue
		}
		seen[e.Collection] = true
		out = append(out, e.Collection)
	}
	sort.Strings(out)
	return out
}
