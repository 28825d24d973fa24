package shard

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/casstack"
	"github.com/unkn0wn-root/casstack/provider/memory"
	"github.com/unkn0wn-root/casstack/storetest"
)

func newMems(n int) []casstack.Store {
	out := make([]casstack.Store, n)
	for i := range out {
		out[i] = memory.New(memory.Options{})
	}
	return out
}

// downStore fails every call it does not inherit.
type downStore struct {
	casstack.Store
	err error
}

func (d downStore) GetMulti(context.Context, []string) (map[string]casstack.Item, error) {
	return nil, d.err
}

func (d downStore) SetMulti(context.Context, map[string][]byte, casstack.Expire) (map[string]bool, error) {
	return nil, d.err
}

func (d downStore) Flush(context.Context) (bool, error) { return false, d.err }

type shardHooks struct {
	casstack.NopHooks
	failed []string
}

func (h *shardHooks) ShardFailed(i int, op string, _ error) {
	h.failed = append(h.failed, fmt.Sprintf("%d:%s", i, op))
}

func TestConformance(t *testing.T) {
	storetest.Run(t, "Shard", func(t *testing.T) casstack.Store {
		s, err := New(newMems(3), Options{})
		require.NoError(t, err)
		return s
	})
	storetest.Run(t, "ShardWithDuplicates", func(t *testing.T) casstack.Store {
		m := newMems(2)
		s, err := New([]casstack.Store{m[0], m[1], m[0]}, Options{})
		require.NoError(t, err)
		return s
	})
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Options{})
	require.ErrorIs(t, err, ErrNoShards)
	_, err = New([]casstack.Store{nil}, Options{})
	require.ErrorIs(t, err, casstack.ErrNilStore)
}

func TestIndexIsStableAcrossPaths(t *testing.T) {
	ctx := context.Background()
	stores := newMems(4)
	s, err := New(stores, Options{})
	require.NoError(t, err)

	keys := make([]string, 200)
	items := make(map[string][]byte, len(keys))
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
		items[keys[i]] = []byte(keys[i])
	}

	first := make(map[string]int, len(keys))
	for _, k := range keys {
		first[k] = s.Index(k)
		require.Equal(t, first[k], s.Index(k))
		require.Less(t, first[k], 4)
	}

	res, err := s.SetMulti(ctx, items, casstack.Never)
	require.NoError(t, err)
	require.Len(t, res, len(keys))

	// every key landed on the store Index names, and nowhere else
	for _, k := range keys {
		for i, st := range stores {
			_, ok, err := st.Get(ctx, k)
			require.NoError(t, err)
			require.Equal(t, i == first[k], ok, "key %s on store %d", k, i)
		}
	}

	got, err := s.GetMulti(ctx, keys)
	require.NoError(t, err)
	values := make(map[string][]byte, len(got))
	for k, it := range got {
		values[k] = it.Value
	}
	if diff := cmp.Diff(items, values); diff != "" {
		t.Fatalf("GetMulti mismatch (-want +got):\n%s", diff)
	}
}

func TestCustomHasher(t *testing.T) {
	s, err := New(newMems(3), Options{Hasher: func(string) uint32 { return 7 }})
	require.NoError(t, err)
	require.Equal(t, 1, s.Index("anything"))
	require.Equal(t, 1, s.Index("else"))
}

func TestCollectionKeepsTopology(t *testing.T) {
	ctx := context.Background()
	stores := newMems(3)
	s, err := New(stores, Options{})
	require.NoError(t, err)

	c := s.Collection("users").(*Shard)
	require.Equal(t, s.Len(), c.Len())

	ok, err := c.Set(ctx, "u1", []byte("alice"), casstack.Never)
	require.NoError(t, err)
	require.True(t, ok)

	owner := stores[s.Index("u1")].Collection("users")
	it, ok, err := owner.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "alice", string(it.Value))
}

func TestPartialFailure(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	mems := newMems(2)
	hooks := &shardHooks{}
	s, err := New([]casstack.Store{mems[0], downStore{Store: mems[1], err: boom}}, Options{Hooks: hooks})
	require.NoError(t, err)

	var healthy, broken string
	for i := 0; healthy == "" || broken == ""; i++ {
		k := fmt.Sprintf("k%d", i)
		if s.Index(k) == 0 && healthy == "" {
			healthy = k
		}
		if s.Index(k) == 1 && broken == "" {
			broken = k
		}
	}

	res, err := s.SetMulti(ctx, map[string][]byte{healthy: []byte("1"), broken: []byte("2")}, casstack.Never)
	require.ErrorIs(t, err, boom)
	require.Equal(t, map[string]bool{healthy: true, broken: false}, res)

	got, err := s.GetMulti(ctx, []string{healthy, broken})
	require.ErrorIs(t, err, boom)
	require.Contains(t, got, healthy)
	require.NotContains(t, got, broken)

	ok, err := s.Flush(ctx)
	require.False(t, ok)
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"1:setMulti", "1:getMulti", "1:flush"}, hooks.failed)
}
