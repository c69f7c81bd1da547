package vellum

import (
	"reflect"
	"sync"
	"testing"
)

func TestIsolationString(t *testing.T) {
	tests := []struct {
		level Isolation
		want  string
	}{
		{IsolationNone, "none"},
		{IsolationSerialized, "serialized"},
		{IsolationSnapshot, "snapshot"},
		{Isolation(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("String(%d) = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestIsoControllerLevelReadAtEntry(t *testing.T) {
	c := isoController{mu: new(sync.Mutex)}
	c.set(IsolationSnapshot)

	var seen Isolation
	c.run(func(level Isolation) error {
		seen = level
		// A level change mid-operation must not affect this run.
		c.set(IsolationNone)
		return nil
	})
	if seen != IsolationSnapshot {
		t.Errorf("level at entry = %v", seen)
	}
	if c.current() != IsolationNone {
		t.Errorf("level after change = %v", c.current())
	}
}

func TestCopyDocIndependence(t *testing.T) {
	orig := Document{
		"s":      "str",
		"nested": map[string]any{"k": "v"},
		"list":   []any{float64(1), map[string]any{"deep": true}},
		"blob":   []byte{1, 2, 3},
		"tags":   NewSet("a"),
	}

	cp := copyDoc(orig)
	if !reflect.DeepEqual(cp, orig) {
		t.Fatalf("copy differs:\n got %#v\nwant %#v", cp, orig)
	}

	cp["s"] = "changed"
	cp["nested"].(map[string]any)["k"] = "changed"
	cp["list"].([]any)[0] = float64(9)
	cp["list"].([]any)[1].(map[string]any)["deep"] = false
	cp["blob"].([]byte)[0] = 9
	cp["tags"].(Set)["b"] = struct{}{}

	if orig["s"] != "str" ||
		orig["nested"].(map[string]any)["k"] != "v" ||
		orig["list"].([]any)[0] != float64(1) ||
		orig["list"].([]any)[1].(map[string]any)["deep"] != true ||
		orig["blob"].([]byte)[0] != 1 ||
		len(orig["tags"].(Set)) != 1 {
		t.Errorf("mutation of copy leaked into original: %#v", orig)
	}
}

func TestCopyDocNil(t *testing.T) {
	if copyDoc(nil) != nil {
		t.Error("copy of nil document is not nil")
	}
}

func TestCopyDocs(t *testing.T) {
	orig := Documents{
		"1": Document{"v": "a"},
		"2": Document{"v": "b"},
	}
	cp := copyDocs(orig)
	if !reflect.DeepEqual(cp, orig) {
		t.Fatalf("copy differs: %#v", cp)
	}
	cp["1"]["v"] = "changed"
	if orig["1"]["v"] != "a" {
		t.Error("mutation of copy leaked into original")
	}
}
