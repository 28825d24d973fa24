// Package shard spreads keys over several Stores by hash.
//
// A key always maps to the same Store for a fixed, ordered list, on single-key
// and multi-key paths alike. Listing a Store more than once gives it a larger
// share of the key space. There is no cross-shard atomicity: a multi-key write
// can succeed on some shards and fail on others.
package shard

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/unkn0wn-root/casstack"
)

var ErrNoShards = errors.New("shard: at least one store is required")

// Hasher maps a key to a 32-bit hash.
type Hasher func(key string) uint32

// FNV32a is the default Hasher.
func FNV32a(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32()
}

type Options struct {
	Hasher Hasher
	Logger casstack.Logger
	Hooks  casstack.Hooks
}

type Shard struct {
	stores []casstack.Store
	hash   Hasher
	log    casstack.Logger
	hooks  casstack.Hooks
}

var _ casstack.Store = (*Shard)(nil)

// New builds a Shard over stores. The slice is copied; its order defines the mapping.
func New(stores []casstack.Store, opts Options) (*Shard, error) {
	if len(stores) == 0 {
		return nil, ErrNoShards
	}
	for _, st := range stores {
		if st == nil {
			return nil, casstack.ErrNilStore
		}
	}
	s := &Shard{
		stores: append([]casstack.Store(nil), stores...),
		hash:   opts.Hasher,
		log:    casstack.Coalesce[casstack.Logger](opts.Logger, casstack.NopLogger{}),
		hooks:  casstack.Coalesce[casstack.Hooks](opts.Hooks, casstack.NopHooks{}),
	}
	if s.hash == nil {
		s.hash = FNV32a
	}
	return s, nil
}

// Index returns the position in the store list that owns key.
func (s *Shard) Index(key string) int {
	// unsigned hash, so the remainder is never negative
	return int(s.hash(key) % uint32(len(s.stores)))
}

// Len is the number of configured stores, duplicates included.
func (s *Shard) Len() int { return len(s.stores) }

func (s *Shard) pick(key string) casstack.Store {
	return s.stores[s.Index(key)]
}

// partition groups keys by owning store index.
func (s *Shard) partition(keys []string) map[int][]string {
	groups := make(map[int][]string)
	for _, k := range keys {
		i := s.Index(k)
		groups[i] = append(groups[i], k)
	}
	return groups
}

func sortedIndexes[V any](m map[int]V) []int {
	idx := make([]int, 0, len(m))
	for i := range m {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

func (s *Shard) failed(i int, op string, err error) error {
	s.hooks.ShardFailed(i, op, err)
	s.log.Warn("shard: store failed", casstack.Fields{"index": i, "op": op, "err": err})
	return casstack.WrapErr(op, "", err)
}

func (s *Shard) Get(ctx context.Context, key string) (casstack.Item, bool, error) {
	return s.pick(key).Get(ctx, key)
}

// GetMulti issues one GetMulti per shard. Results from healthy shards are
// returned together with the aggregated error of the failed ones.
func (s *Shard) GetMulti(ctx context.Context, keys []string) (map[string]casstack.Item, error) {
	out := make(map[string]casstack.Item, len(keys))
	var errs *multierror.Error
	groups := s.partition(keys)
	for _, i := range sortedIndexes(groups) {
		got, err := s.stores[i].GetMulti(ctx, groups[i])
		if err != nil {
			errs = multierror.Append(errs, s.failed(i, "getMulti", err))
			continue
		}
		for k, it := range got {
			out[k] = it
		}
	}
	return out, errs.ErrorOrNil()
}

func (s *Shard) Set(ctx context.Context, key string, value []byte, expire casstack.Expire) (bool, error) {
	return s.pick(key).Set(ctx, key, value, expire)
}

func (s *Shard) SetMulti(ctx context.Context, items map[string][]byte, expire casstack.Expire) (map[string]bool, error) {
	groups := make(map[int]map[string][]byte)
	for k, v := range items {
		i := s.Index(k)
		if groups[i] == nil {
			groups[i] = make(map[string][]byte)
		}
		groups[i][k] = v
	}

	out := make(map[string]bool, len(items))
	var errs *multierror.Error
	for _, i := range sortedIndexes(groups) {
		res, err := s.stores[i].SetMulti(ctx, groups[i], expire)
		if err != nil {
			errs = multierror.Append(errs, s.failed(i, "setMulti", err))
			for k := range groups[i] {
				out[k] = false
			}
			continue
		}
		for k := range groups[i] {
			out[k] = res[k]
		}
	}
	return out, errs.ErrorOrNil()
}

func (s *Shard) Delete(ctx context.Context, key string) (bool, error) {
	return s.pick(key).Delete(ctx, key)
}

func (s *Shard) DeleteMulti(ctx context.Context, keys []string) (map[string]bool, error) {
	out := make(map[string]bool, len(keys))
	var errs *multierror.Error
	groups := s.partition(keys)
	for _, i := range sortedIndexes(groups) {
		res, err := s.stores[i].DeleteMulti(ctx, groups[i])
		if err != nil {
			errs = multierror.Append(errs, s.failed(i, "deleteMulti", err))
			for _, k := range groups[i] {
				out[k] = false
			}
			continue
		}
		for _, k := range groups[i] {
			out[k] = res[k]
		}
	}
	return out, errs.ErrorOrNil()
}

func (s *Shard) Add(ctx context.Context, key string, value []byte, expire casstack.Expire) (bool, error) {
	return s.pick(key).Add(ctx, key, value, expire)
}

func (s *Shard) Replace(ctx context.Context, key string, value []byte, expire casstack.Expire) (bool, error) {
	return s.pick(key).Replace(ctx, key, value, expire)
}

func (s *Shard) CAS(ctx context.Context, token casstack.Token, key string, value []byte, expire casstack.Expire) (bool, error) {
	return s.pick(key).CAS(ctx, token, key, value, expire)
}

func (s *Shard) Increment(ctx context.Context, key string, offset, initial int64, expire casstack.Expire) (int64, bool, error) {
	return s.pick(key).Increment(ctx, key, offset, initial, expire)
}

func (s *Shard) Decrement(ctx context.Context, key string, offset, initial int64, expire casstack.Expire) (int64, bool, error) {
	return s.pick(key).Decrement(ctx, key, offset, initial, expire)
}

func (s *Shard) Touch(ctx context.Context, key string, expire casstack.Expire) (bool, error) {
	return s.pick(key).Touch(ctx, key, expire)
}

// Flush flushes every store, duplicates included, and succeeds only if all of them do.
func (s *Shard) Flush(ctx context.Context) (bool, error) {
	all := true
	var errs *multierror.Error
	for i, st := range s.stores {
		ok, err := st.Flush(ctx)
		if err != nil {
			errs = multierror.Append(errs, s.failed(i, "flush", err))
		}
		all = all && ok && err == nil
	}
	return all, errs.ErrorOrNil()
}

// Collection returns a Shard over each store's collection, with the same topology.
func (s *Shard) Collection(name string) casstack.Store {
	stores := make([]casstack.Store, len(s.stores))
	for i, st := range s.stores {
		stores[i] = st.Collection(name)
	}
	return &Shard{stores: stores, hash: s.hash, log: s.log, hooks: s.hooks}
}
