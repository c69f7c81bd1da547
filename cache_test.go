package vellum

import (
	"fmt"
	"testing"
)

func TestFingerprintStability(t *testing.T) {
	a := Fingerprint("eq", "name", "ada")
	b := Fingerprint("eq", "name", "ada")
	if a != b {
		t.Error("equal inputs produced different fingerprints")
	}
	if a == 0 {
		t.Error("fingerprint is zero, reserved for uncacheable")
	}
	if Fingerprint("eq", "name", "grace") == a {
		t.Error("distinct inputs collided")
	}
	// Part boundaries matter: ("ab","c") must not equal ("a","bc").
	if Fingerprint("ab", "c") == Fingerprint("a", "bc") {
		t.Error("part boundaries not separated")
	}
}

func TestConditions(t *testing.T) {
	doc := Document{"name": "ada", "age": float64(36), "tags": []any{"x"}}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"eq match", Eq("name", "ada"), true},
		{"eq mismatch", Eq("name", "grace"), false},
		{"eq missing field", Eq("absent", "v"), false},
		{"eq deep equality", Eq("tags", []any{"x"}), true},
		{"exists", Exists("age"), true},
		{"exists missing", Exists("absent"), false},
		{"func", CondFunc(func(d Document) bool { return d["age"] == float64(36) }), true},
		{"and all match", And(Eq("name", "ada"), Exists("age")), true},
		{"and one fails", And(Eq("name", "ada"), Exists("absent")), false},
		{"and empty", And(), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cond.Match(doc); got != tt.want {
				t.Errorf("Match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConditionFingerprints(t *testing.T) {
	if Eq("a", 1).Fingerprint() != Eq("a", 1).Fingerprint() {
		t.Error("equal Eq conditions differ")
	}
	if Eq("a", 1).Fingerprint() == Eq("a", 2).Fingerprint() {
		t.Error("distinct Eq conditions collided")
	}
	if Exists("a").Fingerprint() == Eq("a", nil).Fingerprint() {
		t.Error("Exists and Eq collided")
	}

	if CondFunc(func(Document) bool { return true }).Fingerprint() != 0 {
		t.Error("bare CondFunc should be uncacheable")
	}
	if CondFuncFP(func(Document) bool { return true }, 42).Fingerprint() != 42 {
		t.Error("CondFuncFP fingerprint not honoured")
	}

	// And is cacheable only when every part is.
	cacheable := And(Eq("a", 1), Exists("b"))
	if cacheable.Fingerprint() == 0 {
		t.Error("And of cacheable parts should be cacheable")
	}
	if And(Eq("a", 1), cacheable).Fingerprint() == cacheable.Fingerprint() {
		t.Error("nested And collided with inner And")
	}
	tainted := And(Eq("a", 1), CondFunc(func(Document) bool { return true }))
	if tainted.Fingerprint() != 0 {
		t.Error("And with uncacheable part should be uncacheable")
	}
}

func TestLRUCacheEviction(t *testing.T) {
	c := newLRUCache(3)
	for i := 1; i <= 3; i++ {
		c.put(uint64(i), []string{fmt.Sprint(i)})
	}

	// Touch 1 so 2 becomes the eviction victim.
	if _, ok := c.get(1); !ok {
		t.Fatal("entry 1 missing before eviction")
	}
	c.put(4, []string{"4"})

	if _, ok := c.get(2); ok {
		t.Error("least recently used entry survived eviction")
	}
	for _, key := range []uint64{1, 3, 4} {
		if _, ok := c.get(key); !ok {
			t.Errorf("entry %d evicted unexpectedly", key)
		}
	}
	if c.len() != 3 {
		t.Errorf("len = %d, want 3", c.len())
	}
}

func TestLRUCacheUpdateExisting(t *testing.T) {
	c := newLRUCache(2)
	c.put(1, []string{"old"})
	c.put(1, []string{"new"})
	if c.len() != 1 {
		t.Errorf("len = %d, want 1 after overwrite", c.len())
	}
	ids, ok := c.get(1)
	if !ok || len(ids) != 1 || ids[0] != "new" {
		t.Errorf("get = %v, %v", ids, ok)
	}
}

func TestLRUCacheClear(t *testing.T) {
	c := newLRUCache(5)
	c.put(1, []string{"a"})
	c.put(2, []string{"b"})
	c.clear()
	if c.len() != 0 {
		t.Errorf("len = %d after clear", c.len())
	}
	if _, ok := c.get(1); ok {
		t.Error("entry survived clear")
	}
	c.put(3, []string{"c"})
	if _, ok := c.get(3); !ok {
		t.Error("cache unusable after clear")
	}
}

func TestLRUCacheDefaultCapacity(t *testing.T) {
	c := newLRUCache(0)
	for i := 0; i < 20; i++ {
		c.put(uint64(i+1), nil)
	}
	if c.len() != 10 {
		t.Errorf("len = %d, want default capacity 10", c.len())
	}
}
