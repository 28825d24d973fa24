// Package provider adapts plain byte caches to the casstack.Store contract.
//
// A Provider only needs get/set/delete with a TTL. Store layers everything else
// on top: expirations are framed next to the payload (internal/wire) so they are
// exact even when the engine's own TTL is coarse or global, collections live in
// prefixed key spaces whose generations a genstore.GenStore keeps, and
// conditional operations run under a mutex shared by the Store and all of its
// collections.
//
// Backends with native conditional writes (memory, redis, bbolt, dynamodb)
// implement casstack.Store directly instead.
package provider

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/unkn0wn-root/casstack"
	"github.com/unkn0wn-root/casstack/genstore"
	"github.com/unkn0wn-root/casstack/internal/keyspace"
	"github.com/unkn0wn-root/casstack/internal/wire"
)

// Provider is a minimal byte store with TTLs.
// Must be safe for concurrent use and byte-for-byte transparent: Get must
// return exactly the []byte previously passed to Set for the same key.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// If an IO/remote error happens, return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL (0 = none). May ignore cost if unsupported.
	// Returns ok=false when the store rejected the write under pressure.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes a key. Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error

	// Close releases resources.
	Close(ctx context.Context) error
}

// Resetter is implemented by providers that can drop every entry at once.
// Store uses it to flush the root namespace.
type Resetter interface {
	Reset(ctx context.Context) error
}

type Options struct {
	// Prefix is prepended to every physical key.
	Prefix string
	// Gens holds namespace generations; defaults to an in-process genstore.Local.
	// Share a genstore.Redis between processes caching the same data so that
	// Flush in one is observed by all.
	Gens   genstore.GenStore
	Logger casstack.Logger
	// Clock for expiration checks; defaults to time.Now.
	Now func() time.Time
}

type Store struct {
	p     Provider
	mu    *sync.Mutex
	space *keyspace.Space
	gens  genstore.GenStore
	root  bool
	log   casstack.Logger
	now   func() time.Time
}

var _ casstack.Store = (*Store)(nil)

func NewStore(p Provider, opts Options) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		p:     p,
		mu:    &sync.Mutex{},
		space: keyspace.Root(opts.Prefix),
		gens:  casstack.Coalesce[genstore.GenStore](opts.Gens, genstore.NewLocal()),
		root:  true,
		log:   casstack.Coalesce[casstack.Logger](opts.Logger, casstack.NopLogger{}),
		now:   now,
	}
}

// Provider returns the wrapped engine.
func (s *Store) Provider() Provider { return s.p }

// Close closes the provider. Collections share it; close the root only.
func (s *Store) Close(ctx context.Context) error { return s.p.Close(ctx) }

// prefix resolves the physical prefix of this namespace under the current generations.
func (s *Store) prefix(ctx context.Context) (string, error) {
	levels := s.space.Levels()
	snap, err := s.gens.SnapshotMany(ctx, levels)
	if err != nil {
		return "", casstack.WrapErr("generations", "", err)
	}
	gens := make([]uint64, len(levels))
	for i, l := range levels {
		gens[i] = snap[l]
	}
	return s.space.Prefix(gens), nil
}

func (s *Store) load(ctx context.Context, prefix, key string) ([]byte, bool, error) {
	k := prefix + "i" + key
	raw, ok, err := s.p.Get(ctx, k)
	if err != nil {
		return nil, false, casstack.WrapErr("get", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	e, err := wire.Decode(raw)
	if err != nil {
		// self-heal: a foreign or truncated value is treated as a miss
		s.log.Warn("provider: dropping corrupt entry", casstack.Fields{"key": key, "err": err})
		_ = s.p.Del(ctx, k)
		return nil, false, nil
	}
	if casstack.ExpiredAt(e.ExpireAt, s.now()) {
		return nil, false, nil
	}
	return e.Payload, true, nil
}

// put writes value, or removes the key when the expiration already passed.
func (s *Store) put(ctx context.Context, prefix, key string, value []byte, expire casstack.Expire) (bool, error) {
	now := s.now()
	abs := expire.Absolute(now)
	k := prefix + "i" + key
	if casstack.ExpiredAt(abs, now) {
		return true, casstack.WrapErr("set", key, s.p.Del(ctx, k))
	}
	ttl, _ := casstack.Expire(abs).TTL(now)
	ok, err := s.p.Set(ctx, k, wire.Encode(wire.Entry{ExpireAt: abs, Payload: value}), int64(len(value)), ttl)
	return ok, casstack.WrapErr("set", key, err)
}

func (s *Store) Get(ctx context.Context, key string) (casstack.Item, bool, error) {
	pre, err := s.prefix(ctx)
	if err != nil {
		return casstack.Item{}, false, err
	}
	v, ok, err := s.load(ctx, pre, key)
	if err != nil || !ok {
		return casstack.Item{}, false, err
	}
	return casstack.Item{Value: casstack.Clone(v), Token: casstack.Snapshot(v)}, true, nil
}

func (s *Store) GetMulti(ctx context.Context, keys []string) (map[string]casstack.Item, error) {
	pre, err := s.prefix(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]casstack.Item, len(keys))
	for _, k := range keys {
		v, ok, err := s.load(ctx, pre, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = casstack.Item{Value: casstack.Clone(v), Token: casstack.Snapshot(v)}
		}
	}
	return out, nil
}

// locked runs fn under the write mutex with the current prefix.
func (s *Store) locked(ctx context.Context, fn func(pre string) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pre, err := s.prefix(ctx)
	if err != nil {
		return err
	}
	return fn(pre)
}

func (s *Store) Set(ctx context.Context, key string, value []byte, expire casstack.Expire) (bool, error) {
	var ok bool
	err := s.locked(ctx, func(pre string) (err error) {
		ok, err = s.put(ctx, pre, key, value, expire)
		return err
	})
	return ok, err
}

func (s *Store) SetMulti(ctx context.Context, items map[string][]byte, expire casstack.Expire) (map[string]bool, error) {
	out := make(map[string]bool, len(items))
	err := s.locked(ctx, func(pre string) error {
		for k, v := range items {
			ok, err := s.put(ctx, pre, k, v, expire)
			if err != nil {
				return err
			}
			out[k] = ok
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.DeleteMulti(ctx, []string{key})
	return res[key], err
}

func (s *Store) DeleteMulti(ctx context.Context, keys []string) (map[string]bool, error) {
	out := make(map[string]bool, len(keys))
	err := s.locked(ctx, func(pre string) error {
		for _, k := range keys {
			_, present, err := s.load(ctx, pre, k)
			if err != nil {
				return err
			}
			if err := s.p.Del(ctx, pre+"i"+k); err != nil {
				return casstack.WrapErr("delete", k, err)
			}
			out[k] = out[k] || present
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// cond loads key and writes value if pred accepts the current state.
func (s *Store) cond(ctx context.Context, key string, value []byte, expire casstack.Expire, pred func(cur []byte, present bool) bool) (bool, error) {
	var ok bool
	err := s.locked(ctx, func(pre string) error {
		cur, present, err := s.load(ctx, pre, key)
		if err != nil || !pred(cur, present) {
			return err
		}
		ok, err = s.put(ctx, pre, key, value, expire)
		return err
	})
	return ok, err
}

func (s *Store) Add(ctx context.Context, key string, value []byte, expire casstack.Expire) (bool, error) {
	return s.cond(ctx, key, value, expire, func(_ []byte, present bool) bool { return !present })
}

func (s *Store) Replace(ctx context.Context, key string, value []byte, expire casstack.Expire) (bool, error) {
	return s.cond(ctx, key, value, expire, func(_ []byte, present bool) bool { return present })
}

func (s *Store) CAS(ctx context.Context, token casstack.Token, key string, value []byte, expire casstack.Expire) (bool, error) {
	snap, ok := token.(casstack.SnapshotToken)
	if !ok {
		return false, nil
	}
	return s.cond(ctx, key, value, expire, func(cur []byte, present bool) bool {
		return present && bytes.Equal(cur, snap.Value)
	})
}

func (s *Store) Increment(ctx context.Context, key string, offset, initial int64, expire casstack.Expire) (int64, bool, error) {
	return s.counter(ctx, key, casstack.Delta(offset, true), offset, initial, expire)
}

func (s *Store) Decrement(ctx context.Context, key string, offset, initial int64, expire casstack.Expire) (int64, bool, error) {
	return s.counter(ctx, key, casstack.Delta(offset, false), offset, initial, expire)
}

func (s *Store) counter(ctx context.Context, key string, delta, offset, initial int64, expire casstack.Expire) (int64, bool, error) {
	if !casstack.ValidCounterArgs(offset, initial) {
		return 0, false, nil
	}
	var (
		n  int64
		ok bool
	)
	err := s.locked(ctx, func(pre string) error {
		cur, present, err := s.load(ctx, pre, key)
		if err != nil {
			return err
		}
		n = initial
		if present {
			v, numeric := casstack.ParseCounter(cur)
			if !numeric {
				return nil
			}
			n = casstack.ApplyDelta(v, delta)
		}
		ok, err = s.put(ctx, pre, key, casstack.FormatCounter(n), expire)
		return err
	})
	if err != nil || !ok {
		return 0, false, err
	}
	return n, true, nil
}

func (s *Store) Touch(ctx context.Context, key string, expire casstack.Expire) (bool, error) {
	var ok bool
	err := s.locked(ctx, func(pre string) error {
		cur, present, err := s.load(ctx, pre, key)
		if err != nil || !present {
			return err
		}
		ok, err = s.put(ctx, pre, key, cur, expire)
		return err
	})
	return ok, err
}

// Flush bumps the namespace generation and leaves the old entries to the
// provider's eviction. The root namespace also resets providers that support it.
func (s *Store) Flush(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.p.(Resetter); ok && s.root {
		if err := r.Reset(ctx); err != nil {
			return false, casstack.WrapErr("flush", "", err)
		}
	}
	if _, err := s.gens.Bump(ctx, s.space.Path()); err != nil {
		return false, casstack.WrapErr("flush", "", err)
	}
	return true, nil
}

func (s *Store) Collection(name string) casstack.Store {
	return &Store{
		p:     s.p,
		mu:    s.mu,
		space: s.space.Child(name),
		gens:  s.gens,
		log:   s.log,
		now:   s.now,
	}
}
