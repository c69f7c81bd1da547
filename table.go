// Tables: the document-level operation surface.
//
// The storage collaborator moves whole database states, so every mutation is
// read-modify-write: load the state, apply the change to the table's
// documents, write the state back. The table keeps two caches across
// operations, the materialized documents and an LRU of query results, and
// both are invalidated wholesale on any write. Broadcast events fire around
// every document-level operation; a handler error aborts the operation (the
// write never happens) but earlier handlers' side effects stand.
package vellum

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"
)

// DefaultTableName is the table used by the DB-level convenience methods.
const DefaultTableName = "_default"

// IDGenerator allocates document IDs for one table. Implementations are
// called inside the store's critical section under Serialized isolation.
type IDGenerator interface {
	// NextID returns a fresh ID not present in existing.
	NextID(existing Documents) (string, error)
	// MarkExisting records an externally chosen ID so it is never reissued.
	MarkExisting(id string)
	// Reset clears allocator state after a truncate.
	Reset()
}

// increID issues monotonically increasing integer IDs, seeded one past the
// largest numeric ID already present.
type increID struct {
	next int64
}

// IncreID returns the default integer ID generator.
func IncreID() IDGenerator { return &increID{} }

func (g *increID) NextID(existing Documents) (string, error) {
	if g.next == 0 {
		var max int64
		for id := range existing {
			if n, err := strconv.ParseInt(id, 10, 64); err == nil && n > max {
				max = n
			}
		}
		g.next = max + 1
	}
	id := strconv.FormatInt(g.next, 10)
	g.next++
	return id, nil
}

func (g *increID) MarkExisting(id string) {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil && n >= g.next {
		g.next = n + 1
	}
}

func (g *increID) Reset() { g.next = 0 }

// uuidID issues random version-4 UUIDs.
type uuidID struct{}

// UUIDs returns a UUIDv4 ID generator.
func UUIDs() IDGenerator { return uuidID{} }

func (uuidID) NextID(existing Documents) (string, error) {
	for {
		id := uuid.NewString()
		if _, taken := existing[id]; !taken {
			return id, nil
		}
	}
}

func (uuidID) MarkExisting(string) {}
func (uuidID) Reset()              {}

// SearchOptions restricts a search beyond its condition.
type SearchOptions struct {
	Limit int      // maximum documents to return, 0 for no limit
	IDs   []string // restrict matching to these document IDs
}

// UpdateSpec pairs an update with the condition selecting its targets.
type UpdateSpec struct {
	Fields Document
	Cond   Condition
}

// Table provides document-level access to one named table.
type Table struct {
	storage *Storage
	name    string
	gen     IDGenerator
	noCache bool

	iso     isoController
	docs    Documents // materialized cache, nil until first read
	queries *lruCache

	onCreate   *Broadcast
	onRead     *Broadcast
	onUpdate   *Broadcast
	onDelete   *Broadcast
	onTruncate *Broadcast
}

func newTable(storage *Storage, name string, gen IDGenerator, cacheSize int, noCache bool, level Isolation) *Table {
	t := &Table{
		storage:    storage,
		name:       name,
		gen:        gen,
		noCache:    noCache,
		queries:    newLRUCache(cacheSize),
		onCreate:   newBroadcast(EventCreate),
		onRead:     newBroadcast(EventRead),
		onUpdate:   newBroadcast(EventUpdate),
		onDelete:   newBroadcast(EventDelete),
		onTruncate: newBroadcast(EventTruncate),
	}
	t.iso.mu = &storage.mu
	t.iso.set(level)
	return t
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Storage returns the storage the table operates on.
func (t *Table) Storage() *Storage { return t.storage }

// SetIsolation changes the isolation level for operations issued after the
// call. In-flight operations keep the level they started with.
func (t *Table) SetIsolation(level Isolation) { t.iso.set(level) }

// Isolation returns the current isolation level.
func (t *Table) Isolation() Isolation { return t.iso.current() }

// Event registration. Handlers run in registration order; the first error
// aborts the rest of the chain and the surrounding operation.

// OnCreate fires once per inserted document.
func (t *Table) OnCreate(fn BroadcastFunc) error { return t.onCreate.Register(fn) }

// OnRead fires once per document returned by a search or get.
func (t *Table) OnRead(fn BroadcastFunc) error { return t.onRead.Register(fn) }

// OnUpdate fires once per updated document, after the update is applied.
func (t *Table) OnUpdate(fn BroadcastFunc) error { return t.onUpdate.Register(fn) }

// OnDelete fires once per removed document.
func (t *Table) OnDelete(fn BroadcastFunc) error { return t.onDelete.Register(fn) }

// OnTruncate fires once when the table is truncated, with the table name as
// payload.
func (t *Table) OnTruncate(fn BroadcastFunc) error { return t.onTruncate.Register(fn) }

// loadDocs returns the table's documents, materializing the cache on first
// access. Must run inside iso.run.
func (t *Table) loadDocs(ctx context.Context) (Documents, error) {
	if t.docs != nil {
		return t.docs, nil
	}

	tables, err := t.storage.Read(ctx)
	if err != nil {
		return nil, err
	}
	docs := tables[t.name]
	if docs == nil {
		docs = Documents{}
	}
	if !t.noCache {
		t.docs = docs
	}
	return docs, nil
}

// mutate runs the read-modify-write cycle. On any failure after fn starts
// (handler error or storage write error) the document cache is dropped
// because it may be out of sync with the persisted state. The query cache
// is cleared on every mutation attempt.
func (t *Table) mutate(ctx context.Context, fn func(level Isolation, docs Documents) error) error {
	return t.iso.run(func(level Isolation) error {
		tables, err := t.storage.Read(ctx)
		if err != nil {
			return err
		}
		if tables == nil {
			tables = Tables{}
		}

		docs := t.docs
		if docs == nil {
			docs = tables[t.name]
			if docs == nil {
				docs = Documents{}
			}
		}

		if err := fn(level, docs); err != nil {
			t.docs = nil
			t.queries.clear()
			return err
		}

		if !t.noCache {
			t.docs = docs
		}
		tables[t.name] = docs

		err = t.storage.Write(ctx, tables)
		t.queries.clear()
		if err != nil {
			t.docs = nil
			return err
		}
		return nil
	})
}

// Insert adds a document and returns its generated ID.
func (t *Table) Insert(ctx context.Context, doc Document) (string, error) {
	if doc == nil {
		return "", fmt.Errorf("insert: document is nil")
	}

	var id string
	err := t.mutate(ctx, func(level Isolation, docs Documents) error {
		if level >= IsolationSnapshot {
			doc = copyDoc(doc)
		}
		var err error
		id, err = t.gen.NextID(docs)
		if err != nil {
			return err
		}
		docs[id] = doc
		return t.onCreate.Fire(t, doc)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// InsertWithID adds a document under a caller-chosen ID. Fails with
// ErrExists if the ID is taken.
func (t *Table) InsertWithID(ctx context.Context, id string, doc Document) error {
	if doc == nil {
		return fmt.Errorf("insert: document is nil")
	}

	return t.mutate(ctx, func(level Isolation, docs Documents) error {
		if _, taken := docs[id]; taken {
			return fmt.Errorf("insert %q: %w", id, ErrExists)
		}
		if level >= IsolationSnapshot {
			doc = copyDoc(doc)
		}
		t.gen.MarkExisting(id)
		docs[id] = doc
		return t.onCreate.Fire(t, doc)
	})
}

// InsertMultiple adds documents in order and returns their IDs.
func (t *Table) InsertMultiple(ctx context.Context, documents []Document) ([]string, error) {
	ids := make([]string, 0, len(documents))
	err := t.mutate(ctx, func(level Isolation, docs Documents) error {
		for _, doc := range documents {
			if doc == nil {
				return fmt.Errorf("insert: document is nil")
			}
			if level >= IsolationSnapshot {
				doc = copyDoc(doc)
			}
			id, err := t.gen.NextID(docs)
			if err != nil {
				return err
			}
			docs[id] = doc
			ids = append(ids, id)
			if err := t.onCreate.Fire(t, doc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Search returns the documents matching cond, in ID order. A nil cond
// matches everything. Results come straight from the document cache unless
// the isolation level is Snapshot, in which case they are deep copies.
func (t *Table) Search(ctx context.Context, cond Condition, opts SearchOptions) ([]Document, error) {
	var out []Document
	err := t.iso.run(func(level Isolation) error {
		docs, err := t.loadDocs(ctx)
		if err != nil {
			return err
		}

		// Limited or ID-filtered searches bypass the query cache: the
		// cache is keyed on the condition alone.
		fp := uint64(0)
		if cond != nil {
			fp = cond.Fingerprint()
		}
		cacheable := fp != 0 && opts.Limit == 0 && opts.IDs == nil

		var matched []string
		if cacheable {
			if ids, ok := t.queries.get(fp); ok {
				matched = make([]string, 0, len(ids))
				for _, id := range ids {
					if _, present := docs[id]; !present {
						matched = nil // stale entry, recompute
						break
					}
					matched = append(matched, id)
				}
			}
		}

		if matched == nil {
			candidates := sortedIDs(docs)
			if opts.IDs != nil {
				candidates = make([]string, 0, len(opts.IDs))
				for _, id := range opts.IDs {
					if _, present := docs[id]; present {
						candidates = append(candidates, id)
					}
				}
			}

			for _, id := range candidates {
				if cond != nil && !cond.Match(docs[id]) {
					continue
				}
				matched = append(matched, id)
				if opts.Limit > 0 && len(matched) >= opts.Limit {
					break
				}
			}

			if cacheable {
				t.queries.put(fp, append([]string(nil), matched...))
			}
		}

		out = make([]Document, 0, len(matched))
		for _, id := range matched {
			doc := docs[id]
			if level >= IsolationSnapshot {
				doc = copyDoc(doc)
			}
			out = append(out, doc)
			if err := t.onRead.Fire(t, doc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// All returns every document in the table, in ID order.
func (t *Table) All(ctx context.Context) ([]Document, error) {
	return t.Search(ctx, nil, SearchOptions{})
}

// Get returns the first document matching cond, or ErrNotFound.
func (t *Table) Get(ctx context.Context, cond Condition) (Document, error) {
	docs, err := t.Search(ctx, cond, SearchOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return docs[0], nil
}

// GetByID returns the document stored under id, or ErrNotFound.
func (t *Table) GetByID(ctx context.Context, id string) (Document, error) {
	docs, err := t.Search(ctx, nil, SearchOptions{IDs: []string{id}})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("get %q: %w", id, ErrNotFound)
	}
	return docs[0], nil
}

// Contains reports whether any document matches cond.
func (t *Table) Contains(ctx context.Context, cond Condition) (bool, error) {
	docs, err := t.Search(ctx, cond, SearchOptions{Limit: 1})
	if err != nil {
		return false, err
	}
	return len(docs) > 0, nil
}

// ContainsID reports whether id exists in the table.
func (t *Table) ContainsID(ctx context.Context, id string) (bool, error) {
	docs, err := t.Search(ctx, nil, SearchOptions{IDs: []string{id}})
	if err != nil {
		return false, err
	}
	return len(docs) > 0, nil
}

// Count returns the number of documents matching cond.
func (t *Table) Count(ctx context.Context, cond Condition) (int, error) {
	docs, err := t.Search(ctx, cond, SearchOptions{})
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

// Len returns the total number of documents in the table.
func (t *Table) Len(ctx context.Context) (int, error) {
	var n int
	err := t.iso.run(func(Isolation) error {
		docs, err := t.loadDocs(ctx)
		if err != nil {
			return err
		}
		n = len(docs)
		return nil
	})
	return n, err
}

// Update merges fields into every document matching cond and returns the
// affected IDs. A nil cond updates every document.
func (t *Table) Update(ctx context.Context, fields Document, cond Condition) ([]string, error) {
	return t.updateWith(ctx, func(doc Document) {
		for k, v := range fields {
			doc[k] = v
		}
	}, cond, true, fields)
}

// UpdateFunc applies fn to every document matching cond and returns the
// affected IDs.
func (t *Table) UpdateFunc(ctx context.Context, fn func(Document), cond Condition) ([]string, error) {
	return t.updateWith(ctx, fn, cond, false, nil)
}

func (t *Table) updateWith(ctx context.Context, apply func(Document), cond Condition,
	copyFields bool, fields Document) ([]string, error) {

	var updated []string
	err := t.mutate(ctx, func(level Isolation, docs Documents) error {
		if copyFields && level >= IsolationSnapshot {
			fields = copyDoc(fields)
			apply = func(doc Document) {
				for k, v := range fields {
					doc[k] = v
				}
			}
		}
		for _, id := range sortedIDs(docs) {
			if cond != nil && !cond.Match(docs[id]) {
				continue
			}
			apply(docs[id])
			updated = append(updated, id)
			if err := t.onUpdate.Fire(t, docs[id]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// UpdateByID merges fields into the documents stored under ids. Missing IDs
// fail with ErrNotFound.
func (t *Table) UpdateByID(ctx context.Context, fields Document, ids ...string) error {
	return t.mutate(ctx, func(level Isolation, docs Documents) error {
		if level >= IsolationSnapshot {
			fields = copyDoc(fields)
		}
		for _, id := range ids {
			doc, present := docs[id]
			if !present {
				return fmt.Errorf("update %q: %w", id, ErrNotFound)
			}
			for k, v := range fields {
				doc[k] = v
			}
			if err := t.onUpdate.Fire(t, doc); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateMultiple applies each spec's fields to its matching documents in a
// single read-modify-write cycle and returns all affected IDs.
func (t *Table) UpdateMultiple(ctx context.Context, specs []UpdateSpec) ([]string, error) {
	var updated []string
	err := t.mutate(ctx, func(level Isolation, docs Documents) error {
		for _, id := range sortedIDs(docs) {
			for _, spec := range specs {
				if spec.Cond != nil && !spec.Cond.Match(docs[id]) {
					continue
				}
				fields := spec.Fields
				if level >= IsolationSnapshot {
					fields = copyDoc(fields)
				}
				for k, v := range fields {
					docs[id][k] = v
				}
				updated = append(updated, id)
				if err := t.onUpdate.Fire(t, docs[id]); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Upsert updates the documents matching cond, or inserts doc when nothing
// matches. Returns the affected IDs.
func (t *Table) Upsert(ctx context.Context, doc Document, cond Condition) ([]string, error) {
	if cond == nil {
		return nil, fmt.Errorf("upsert: condition is required")
	}

	var affected []string
	err := t.mutate(ctx, func(level Isolation, docs Documents) error {
		stored := doc
		if level >= IsolationSnapshot {
			stored = copyDoc(doc)
		}

		for _, id := range sortedIDs(docs) {
			if !cond.Match(docs[id]) {
				continue
			}
			for k, v := range stored {
				docs[id][k] = v
			}
			affected = append(affected, id)
			if err := t.onUpdate.Fire(t, docs[id]); err != nil {
				return err
			}
		}
		if len(affected) > 0 {
			return nil
		}

		id, err := t.gen.NextID(docs)
		if err != nil {
			return err
		}
		docs[id] = stored
		affected = append(affected, id)
		return t.onCreate.Fire(t, stored)
	})
	if err != nil {
		return nil, err
	}
	return affected, nil
}

// Remove deletes every document matching cond and returns the removed IDs.
// A nil cond is rejected; use Truncate to clear the table.
func (t *Table) Remove(ctx context.Context, cond Condition) ([]string, error) {
	if cond == nil {
		return nil, fmt.Errorf("remove: condition is required, use Truncate to remove all")
	}

	var removed []string
	err := t.mutate(ctx, func(_ Isolation, docs Documents) error {
		for _, id := range sortedIDs(docs) {
			if !cond.Match(docs[id]) {
				continue
			}
			doc := docs[id]
			delete(docs, id)
			removed = append(removed, id)
			if err := t.onDelete.Fire(t, doc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// RemoveByID deletes the documents stored under ids. Missing IDs fail with
// ErrNotFound.
func (t *Table) RemoveByID(ctx context.Context, ids ...string) error {
	return t.mutate(ctx, func(_ Isolation, docs Documents) error {
		for _, id := range ids {
			doc, present := docs[id]
			if !present {
				return fmt.Errorf("remove %q: %w", id, ErrNotFound)
			}
			delete(docs, id)
			if err := t.onDelete.Fire(t, doc); err != nil {
				return err
			}
		}
		return nil
	})
}

// Truncate removes every document and resets the ID allocator.
func (t *Table) Truncate(ctx context.Context) error {
	return t.mutate(ctx, func(_ Isolation, docs Documents) error {
		clear(docs)
		t.gen.Reset()
		return t.onTruncate.Fire(t, t.name)
	})
}

// sortedIDs returns document IDs in stable order. The sort key is the tuple
// (is-numeric, numeric value, string): numeric IDs first in numeric order,
// then the rest lexicographically. The tuple keeps the order total even when
// a table mixes IncreID and caller-chosen string IDs.
func sortedIDs(docs Documents) []string {
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.ParseInt(ids[i], 10, 64)
		b, errB := strconv.ParseInt(ids[j], 10, 64)
		switch {
		case errA == nil && errB == nil:
			if a != b {
				return a < b
			}
			return ids[i] < ids[j]
		case errA == nil:
			return true
		case errB == nil:
			return false
		}
		return ids[i] < ids[j]
	})
	return ids
}
