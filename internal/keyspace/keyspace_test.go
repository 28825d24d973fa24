package keyspace

import (
	"strings"
	"testing"
)

func TestKeysAreDistinctAcrossCollections(t *testing.T) {
	root := Root("app:")
	a := root.Child("a")
	ab := root.Child("a:b")
	nested := a.Child("b")

	keys := []string{
		root.Key("x"),
		root.Key("c1:ax"),
		a.Key("x"),
		ab.Key("x"),
		nested.Key("x"),
		a.Key("b:x"),
	}
	seen := map[string]bool{}
	for _, k := range keys {
		if seen[k] {
			t.Fatalf("duplicate physical key %q", k)
		}
		seen[k] = true
		if !strings.HasPrefix(k, "app:") {
			t.Fatalf("key %q lost base prefix", k)
		}
	}
}

func TestChildIsMemoized(t *testing.T) {
	root := Root("")
	if root.Child("x") != root.Child("x") {
		t.Fatalf("expected same Space for the same name")
	}
}

func TestPathCoversDescendants(t *testing.T) {
	root := Root("")
	a := root.Child("a")
	if !strings.HasPrefix(a.Child("b").Key("k"), a.Path()) {
		t.Fatalf("descendant key outside parent path")
	}
	if strings.HasPrefix(root.Child("ab").Key("k"), a.Path()) {
		t.Fatalf("sibling with shared name prefix matched parent path")
	}
}

func TestLevels(t *testing.T) {
	root := Root("app:")
	b := root.Child("a").Child("b")
	got := b.Levels()
	want := []string{"app:", "app:c1:a", "app:c1:ac1:b"}
	if len(got) != len(want) {
		t.Fatalf("Levels = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Levels = %q, want %q", got, want)
		}
	}
}

func TestGenerationsMoveDescendants(t *testing.T) {
	root := Root("")
	a := root.Child("a")
	child := a.Child("b")
	sibling := root.Child("z")

	before := child.GenKey([]uint64{0, 0, 0}, "k")
	after := child.GenKey([]uint64{0, 1, 0}, "k")
	if before == after {
		t.Fatalf("child key unchanged after parent generation moved")
	}
	if sibling.GenKey([]uint64{0, 0}, "k") != sibling.GenKey([]uint64{0, 0}, "k") {
		t.Fatalf("sibling key unstable")
	}
	if !strings.HasPrefix(after, a.Prefix([]uint64{0, 1})) {
		t.Fatalf("child key %q outside parent prefix", after)
	}
	if child.Key("k") != a.Child("b").Key("k") {
		t.Fatalf("generation-free key must be stable")
	}
}
