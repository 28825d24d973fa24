// Package storetest is a conformance suite for casstack.Store implementations.
// Backends and layers call Run from their own tests with a factory returning a
// fresh, empty Store.
package storetest

import (
	"bytes"
	"context"
	"testing"

	"github.com/unkn0wn-root/casstack"
)

// Factory returns a new, empty Store. Cleanup should be registered on t.
type Factory func(t *testing.T) casstack.Store

// Run executes the full contract suite.
func Run(t *testing.T, name string, factory Factory) {
	t.Run(name, func(t *testing.T) {
		cases := []struct {
			name string
			fn   func(t *testing.T, s casstack.Store)
		}{
			{"SetGet", testSetGet},
			{"CloneOnRead", testCloneOnRead},
			{"EmptyValue", testEmptyValue},
			{"Multi", testMulti},
			{"Delete", testDelete},
			{"Add", testAdd},
			{"Replace", testReplace},
			{"CAS", testCAS},
			{"Counters", testCounters},
			{"Touch", testTouch},
			{"PastExpiration", testPastExpiration},
			{"PermanentIdempotent", testPermanentIdempotent},
			{"Collections", testCollections},
			{"Flush", testFlush},
		}
		for _, c := range cases {
			t.Run(c.name, func(t *testing.T) {
				c.fn(t, factory(t))
			})
		}
	})
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

// far is an absolute expiration well in the future.
const far = casstack.Expire(4102444800) // 2100-01-01

func mustGet(t *testing.T, s casstack.Store, key string) casstack.Item {
	t.Helper()
	it, ok, err := s.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%q) error: %v", key, err)
	}
	if !ok {
		t.Fatalf("Get(%q) miss, want hit", key)
	}
	return it
}

func mustMiss(t *testing.T, s casstack.Store, key string) {
	t.Helper()
	_, ok, err := s.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%q) error: %v", key, err)
	}
	if ok {
		t.Fatalf("Get(%q) hit, want miss", key)
	}
}

func mustOK(t *testing.T, what string, ok bool, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s error: %v", what, err)
	}
	if !ok {
		t.Fatalf("%s = false, want true", what)
	}
}

func mustFail(t *testing.T, what string, ok bool, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s error: %v", what, err)
	}
	if ok {
		t.Fatalf("%s = true, want false", what)
	}
}

func wantValue(t *testing.T, s casstack.Store, key, want string) {
	t.Helper()
	if got := mustGet(t, s, key).Value; string(got) != want {
		t.Fatalf("Get(%q) = %q, want %q", key, got, want)
	}
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func testSetGet(t *testing.T, s casstack.Store) {
	ctx := context.Background()
	mustMiss(t, s, "k")
	ok, err := s.Set(ctx, "k", []byte("v1"), casstack.Never)
	mustOK(t, "Set", ok, err)
	it := mustGet(t, s, "k")
	if string(it.Value) != "v1" {
		t.Fatalf("value = %q", it.Value)
	}
	if it.Token == nil {
		t.Fatalf("hit without token")
	}
	ok, err = s.Set(ctx, "k", []byte("v2"), far)
	mustOK(t, "Set overwrite", ok, err)
	wantValue(t, s, "k", "v2")
}

func testCloneOnRead(t *testing.T, s casstack.Store) {
	ctx := context.Background()
	in := []byte("abc")
	ok, err := s.Set(ctx, "k", in, casstack.Never)
	mustOK(t, "Set", ok, err)
	in[0] = 'X'

	it := mustGet(t, s, "k")
	it.Value[1] = 'Y'
	wantValue(t, s, "k", "abc")
}

func testEmptyValue(t *testing.T, s casstack.Store) {
	ok, err := s.Set(context.Background(), "empty", []byte{}, casstack.Never)
	mustOK(t, "Set", ok, err)
	if v := mustGet(t, s, "empty").Value; len(v) != 0 {
		t.Fatalf("value = %q, want empty", v)
	}
}

func testMulti(t *testing.T, s casstack.Store) {
	ctx := context.Background()
	res, err := s.SetMulti(ctx, map[string][]byte{"a": []byte("1"), "b": []byte("2")}, casstack.Never)
	if err != nil {
		t.Fatalf("SetMulti error: %v", err)
	}
	if !res["a"] || !res["b"] {
		t.Fatalf("SetMulti results = %v", res)
	}
	got, err := s.GetMulti(ctx, []string{"a", "b", "missing"})
	if err != nil {
		t.Fatalf("GetMulti error: %v", err)
	}
	if len(got) != 2 || string(got["a"].Value) != "1" || string(got["b"].Value) != "2" {
		t.Fatalf("GetMulti = %v", got)
	}
	if _, ok := got["missing"]; ok {
		t.Fatalf("GetMulti returned a missing key")
	}
	if got["a"].Token == nil {
		t.Fatalf("GetMulti hit without token")
	}

	del, err := s.DeleteMulti(ctx, []string{"a", "missing"})
	if err != nil {
		t.Fatalf("DeleteMulti error: %v", err)
	}
	if !del["a"] || del["missing"] {
		t.Fatalf("DeleteMulti results = %v", del)
	}
	mustMiss(t, s, "a")
	wantValue(t, s, "b", "2")
}

func testDelete(t *testing.T, s casstack.Store) {
	ctx := context.Background()
	ok, err := s.Delete(ctx, "k")
	mustFail(t, "Delete absent", ok, err)
	ok, err = s.Set(ctx, "k", []byte("v"), casstack.Never)
	mustOK(t, "Set", ok, err)
	ok, err = s.Delete(ctx, "k")
	mustOK(t, "Delete", ok, err)
	mustMiss(t, s, "k")
}

func testAdd(t *testing.T, s casstack.Store) {
	ctx := context.Background()
	ok, err := s.Add(ctx, "k", []byte("first"), casstack.Never)
	mustOK(t, "Add absent", ok, err)
	ok, err = s.Add(ctx, "k", []byte("second"), casstack.Never)
	mustFail(t, "Add present", ok, err)
	wantValue(t, s, "k", "first")

	// an expired key counts as absent
	ok, err = s.Set(ctx, "gone", []byte("x"), -1)
	mustOK(t, "Set expired", ok, err)
	ok, err = s.Add(ctx, "gone", []byte("fresh"), casstack.Never)
	mustOK(t, "Add over expired", ok, err)
	wantValue(t, s, "gone", "fresh")
}

func testReplace(t *testing.T, s casstack.Store) {
	ctx := context.Background()
	ok, err := s.Replace(ctx, "k", []byte("v"), casstack.Never)
	mustFail(t, "Replace absent", ok, err)
	mustMiss(t, s, "k")
	ok, err = s.Set(ctx, "k", []byte("v1"), casstack.Never)
	mustOK(t, "Set", ok, err)
	ok, err = s.Replace(ctx, "k", []byte("v2"), casstack.Never)
	mustOK(t, "Replace present", ok, err)
	wantValue(t, s, "k", "v2")
}

func testCAS(t *testing.T, s casstack.Store) {
	ctx := context.Background()
	ok, err := s.Set(ctx, "k", []byte("v1"), casstack.Never)
	mustOK(t, "Set", ok, err)
	tok := mustGet(t, s, "k").Token

	ok, err = s.CAS(ctx, tok, "k", []byte("v2"), casstack.Never)
	mustOK(t, "CAS matching", ok, err)
	wantValue(t, s, "k", "v2")

	// token is stale now
	ok, err = s.CAS(ctx, tok, "k", []byte("v3"), casstack.Never)
	mustFail(t, "CAS stale", ok, err)
	wantValue(t, s, "k", "v2")

	// fencing: a concurrent writer invalidates an outstanding token
	tok = mustGet(t, s, "k").Token
	ok, err = s.Set(ctx, "k", []byte("other"), casstack.Never)
	mustOK(t, "Set other", ok, err)
	ok, err = s.CAS(ctx, tok, "k", []byte("mine"), casstack.Never)
	mustFail(t, "CAS after concurrent set", ok, err)
	wantValue(t, s, "k", "other")

	// absent key: no side effects
	ok, err = s.Delete(ctx, "k")
	mustOK(t, "Delete", ok, err)
	ok, err = s.CAS(ctx, tok, "k", []byte("mine"), casstack.Never)
	mustFail(t, "CAS absent", ok, err)
	mustMiss(t, s, "k")
}

func testCounters(t *testing.T, s casstack.Store) {
	ctx := context.Background()
	n, ok, err := s.Increment(ctx, "c", 5, 3, casstack.Never)
	mustOK(t, "Increment absent", ok, err)
	if n != 3 {
		t.Fatalf("Increment absent = %d, want initial 3", n)
	}
	n, ok, err = s.Increment(ctx, "c", 5, 3, casstack.Never)
	mustOK(t, "Increment", ok, err)
	if n != 8 {
		t.Fatalf("Increment = %d, want 8", n)
	}
	wantValue(t, s, "c", "8")

	n, ok, err = s.Decrement(ctx, "c", 100, 0, casstack.Never)
	mustOK(t, "Decrement", ok, err)
	if n != 0 {
		t.Fatalf("Decrement clamp = %d, want 0", n)
	}

	_, ok, err = s.Increment(ctx, "c", -1, 0, casstack.Never)
	mustFail(t, "Increment negative offset", ok, err)
	_, ok, err = s.Decrement(ctx, "fresh", 1, -1, casstack.Never)
	mustFail(t, "Decrement negative initial", ok, err)
	mustMiss(t, s, "fresh")

	ok, err = s.Set(ctx, "text", []byte("abc"), casstack.Never)
	mustOK(t, "Set", ok, err)
	_, ok, err = s.Increment(ctx, "text", 1, 0, casstack.Never)
	mustFail(t, "Increment non-numeric", ok, err)
	wantValue(t, s, "text", "abc")

	// expiration is applied to the stored result
	_, ok, err = s.Increment(ctx, "c", 1, 0, -1)
	mustOK(t, "Increment expired", ok, err)
	mustMiss(t, s, "c")
}

func testTouch(t *testing.T, s casstack.Store) {
	ctx := context.Background()
	ok, err := s.Touch(ctx, "k", far)
	mustFail(t, "Touch absent", ok, err)

	ok, err = s.Set(ctx, "k", []byte("v"), casstack.Never)
	mustOK(t, "Set", ok, err)
	ok, err = s.Touch(ctx, "k", far)
	mustOK(t, "Touch", ok, err)
	wantValue(t, s, "k", "v")

	ok, err = s.Touch(ctx, "k", -1)
	mustOK(t, "Touch to past", ok, err)
	mustMiss(t, s, "k")
}

func testPastExpiration(t *testing.T, s casstack.Store) {
	ctx := context.Background()
	ok, err := s.Set(ctx, "k", []byte("v"), casstack.Never)
	mustOK(t, "Set", ok, err)
	ok, err = s.Set(ctx, "k", []byte("v2"), -1)
	mustOK(t, "Set expired", ok, err)
	mustMiss(t, s, "k")

	// an absolute timestamp in the past behaves the same
	ok, err = s.Set(ctx, "abs", []byte("v"), casstack.Expire(casstack.RelativeLimit+1))
	mustOK(t, "Set absolute past", ok, err)
	mustMiss(t, s, "abs")

	res, err := s.SetMulti(ctx, map[string][]byte{"m": []byte("v")}, -1)
	if err != nil || !res["m"] {
		t.Fatalf("SetMulti expired = %v, %v", res, err)
	}
	mustMiss(t, s, "m")
}

func testPermanentIdempotent(t *testing.T, s casstack.Store) {
	ctx := context.Background()
	ok, err := s.Set(ctx, "k", []byte("v"), casstack.Never)
	mustOK(t, "Set", ok, err)
	a := mustGet(t, s, "k")
	b := mustGet(t, s, "k")
	if !bytes.Equal(a.Value, b.Value) {
		t.Fatalf("repeated reads differ: %q vs %q", a.Value, b.Value)
	}
}

func testCollections(t *testing.T, s casstack.Store) {
	ctx := context.Background()
	c := s.Collection("users")
	other := s.Collection("orders")

	ok, err := s.Set(ctx, "k", []byte("root"), casstack.Never)
	mustOK(t, "Set root", ok, err)
	ok, err = c.Set(ctx, "k", []byte("users"), casstack.Never)
	mustOK(t, "Set collection", ok, err)

	wantValue(t, s, "k", "root")
	wantValue(t, c, "k", "users")
	mustMiss(t, other, "k")
	wantValue(t, s.Collection("users"), "k", "users")

	ok, err = c.Flush(ctx)
	mustOK(t, "Flush collection", ok, err)
	mustMiss(t, c, "k")
	wantValue(t, s, "k", "root")
}

func testFlush(t *testing.T, s casstack.Store) {
	ctx := context.Background()
	c := s.Collection("c")
	ok, err := s.Set(ctx, "a", []byte("1"), casstack.Never)
	mustOK(t, "Set", ok, err)
	ok, err = c.Set(ctx, "b", []byte("2"), casstack.Never)
	mustOK(t, "Set collection", ok, err)

	ok, err = s.Flush(ctx)
	mustOK(t, "Flush", ok, err)
	mustMiss(t, s, "a")
	mustMiss(t, c, "b")
	mustMiss(t, s.Collection("c"), "b")

	ok, err = s.Set(ctx, "a", []byte("again"), casstack.Never)
	mustOK(t, "Set after flush", ok, err)
	wantValue(t, s, "a", "again")
}
