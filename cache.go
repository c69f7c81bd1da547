// Query conditions and the per-table LRU query cache.
//
// Search results are cached by condition fingerprint, not by condition
// identity, so equal conditions built at different times share an entry.
// The cache stores only matching document IDs; documents themselves come
// from the document cache. Any write to the owning table discards the whole
// query cache rather than patching entries.
package vellum

import (
	"container/list"
	"fmt"
	"reflect"
	"strings"

	"github.com/zeebo/xxh3"
)

// Condition is the query-predicate collaborator. Match reports whether a
// document satisfies the predicate. Fingerprint returns a stable identity
// for the query cache; zero marks the condition uncacheable.
type Condition interface {
	Match(doc Document) bool
	Fingerprint() uint64
}

// Fingerprint hashes parts into a cache identity for custom conditions.
func Fingerprint(parts ...string) uint64 {
	h := xxh3.HashString(strings.Join(parts, "\x1f"))
	if h == 0 {
		h = 1 // zero is reserved for "uncacheable"
	}
	return h
}

type eqCond struct {
	field string
	value any
	fp    uint64
}

// Eq matches documents whose field equals value (deep equality).
func Eq(field string, value any) Condition {
	return eqCond{
		field: field,
		value: value,
		fp:    Fingerprint("eq", field, fmt.Sprintf("%#v", value)),
	}
}

func (c eqCond) Match(doc Document) bool {
	got, ok := doc[c.field]
	return ok && reflect.DeepEqual(got, c.value)
}

func (c eqCond) Fingerprint() uint64 { return c.fp }

type exists struct {
	field string
	fp    uint64
}

// Exists matches documents that carry the field at all.
func Exists(field string) Condition {
	return exists{field: field, fp: Fingerprint("exists", field)}
}

func (c exists) Match(doc Document) bool {
	_, ok := doc[c.field]
	return ok
}

func (c exists) Fingerprint() uint64 { return c.fp }

type condFunc struct {
	fn func(Document) bool
	fp uint64
}

// CondFunc wraps an arbitrary predicate. The result is uncacheable unless a
// fingerprint is supplied via CondFuncFP.
func CondFunc(fn func(Document) bool) Condition {
	return condFunc{fn: fn}
}

// CondFuncFP wraps a predicate with an explicit fingerprint, making it
// cacheable. Callers must ensure equal fingerprints imply equal predicates.
func CondFuncFP(fn func(Document) bool, fp uint64) Condition {
	return condFunc{fn: fn, fp: fp}
}

func (c condFunc) Match(doc Document) bool { return c.fn(doc) }
func (c condFunc) Fingerprint() uint64     { return c.fp }

type andCond struct {
	conds []Condition
	fp    uint64
}

// And matches documents satisfying every condition. Cacheable only when all
// parts are.
func And(conds ...Condition) Condition {
	fp := uint64(0)
	parts := make([]string, 0, len(conds)+1)
	parts = append(parts, "and")
	cacheable := true
	for _, c := range conds {
		sub := c.Fingerprint()
		if sub == 0 {
			cacheable = false
			break
		}
		parts = append(parts, fmt.Sprintf("%016x", sub))
	}
	if cacheable {
		fp = Fingerprint(parts...)
	}
	return andCond{conds: conds, fp: fp}
}

func (c andCond) Match(doc Document) bool {
	for _, sub := range c.conds {
		if !sub.Match(doc) {
			return false
		}
	}
	return true
}

func (c andCond) Fingerprint() uint64 { return c.fp }

// lruCache maps condition fingerprints to matching document IDs, evicting
// the least recently used entry past capacity.
type lruCache struct {
	cap   int
	ll    *list.List
	items map[uint64]*list.Element
}

type lruEntry struct {
	key uint64
	ids []string
}

func newLRUCache(capacity int) *lruCache {
	if capacity <= 0 {
		capacity = 10
	}
	return &lruCache{
		cap:   capacity,
		ll:    list.New(),
		items: make(map[uint64]*list.Element),
	}
}

func (c *lruCache) get(key uint64) ([]string, bool) {
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*lruEntry).ids, true
}

func (c *lruCache) put(key uint64, ids []string) {
	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry).ids = ids
		c.ll.MoveToFront(el)
		return
	}
	c.items[key] = c.ll.PushFront(&lruEntry{key: key, ids: ids})
	if c.ll.Len() > c.cap {
		oldest := c.ll.Back()
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*lruEntry).key)
	}
}

func (c *lruCache) clear() {
	c.ll.Init()
	clear(c.items)
}

func (c *lruCache) len() int { return c.ll.Len() }
