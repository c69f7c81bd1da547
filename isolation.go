// Isolation levels and the controller enforcing them.
//
// The level is held per table, but the critical section is the store-wide
// mutex: every commit rewrites the whole shared state, so Serialized
// operations on any table of one store form a single total order. The
// controller additionally protects the table's document and query caches.
// Codec layer state (keys, hook tables) is immutable after registration and
// needs no protection here.
package vellum

import (
	"sync"
	"sync/atomic"
)

// Isolation selects the concurrency/consistency policy for a table.
type Isolation int32

const (
	// IsolationNone runs operations with no extra synchronization.
	// Concurrent cache mutation is the caller's responsibility.
	IsolationNone Isolation = iota

	// IsolationSerialized makes all operations against one table mutually
	// exclusive. This is the default.
	IsolationSerialized

	// IsolationSnapshot additionally deep-copies documents on insertion and
	// retrieval, so mutating a returned document cannot corrupt the cache.
	IsolationSnapshot
)

func (i Isolation) String() string {
	switch i {
	case IsolationNone:
		return "none"
	case IsolationSerialized:
		return "serialized"
	case IsolationSnapshot:
		return "snapshot"
	}
	return "unknown"
}

// isoController gates table operations on the configured level. The level
// is read once at operation entry; switching it affects only operations
// issued afterwards. The mutex is the store-wide critical section, shared
// by every table on the same storage.
type isoController struct {
	level atomic.Int32
	mu    *sync.Mutex
}

func (c *isoController) set(level Isolation) { c.level.Store(int32(level)) }

func (c *isoController) current() Isolation { return Isolation(c.level.Load()) }

// run executes fn, holding the store's critical section when the level at
// entry is Serialized or Snapshot. Returns the level in effect so the
// caller can apply snapshot copying consistently for the whole operation.
func (c *isoController) run(fn func(level Isolation) error) error {
	level := c.current()
	if level >= IsolationSerialized {
		c.mu.Lock()
		defer c.mu.Unlock()
	}
	return fn(level)
}

// copyDoc deep-copies a document for snapshot isolation.
func copyDoc(doc Document) Document {
	if doc == nil {
		return nil
	}
	return copyValue(doc).(Document)
}

func copyDocs(docs Documents) Documents {
	out := make(Documents, len(docs))
	for id, doc := range docs {
		out[id] = copyDoc(doc)
	}
	return out
}

// copyValue clones maps, slices, byte slices and sets recursively; all
// other values are scalars carried by value.
func copyValue(v any) any {
	switch tv := v.(type) {
	case Document:
		out := make(Document, len(tv))
		for k, val := range tv {
			out[k] = copyValue(val)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, val := range tv {
			out[i] = copyValue(val)
		}
		return out
	case []byte:
		out := make([]byte, len(tv))
		copy(out, tv)
		return out
	case Set:
		out := make(Set, len(tv))
		for it := range tv {
			out[it] = struct{}{}
		}
		return out
	}
	return v
}
