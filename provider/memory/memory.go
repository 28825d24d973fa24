// Package memory is an in-process Store backed by xsync.MapOf.
//
// Conditional writes run inside MapOf.Compute, so add/replace/cas/increment/touch
// are atomic per key without a global lock. Tokens are SnapshotTokens.
package memory

import (
	"bytes"
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/unkn0wn-root/casstack"
)

type entry struct {
	value    []byte
	expireAt int64 // 0 = never
}

type Store struct {
	items    *xsync.MapOf[string, entry]
	children *xsync.MapOf[string, *Store]
	now      func() time.Time
}

var _ casstack.Store = (*Store)(nil)

type Options struct {
	// Clock for expiration checks; defaults to time.Now.
	Now func() time.Time
}

func New(opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		items:    xsync.NewMapOf[string, entry](),
		children: xsync.NewMapOf[string, *Store](),
		now:      opts.Now,
	}
}

func (s *Store) live(e entry, now time.Time) bool {
	return !casstack.ExpiredAt(e.expireAt, now)
}

func (s *Store) Get(_ context.Context, key string) (casstack.Item, bool, error) {
	e, ok := s.items.Load(key)
	if !ok || !s.live(e, s.now()) {
		return casstack.Item{}, false, nil
	}
	return casstack.Item{Value: casstack.Clone(e.value), Token: casstack.Snapshot(e.value)}, true, nil
}

func (s *Store) GetMulti(ctx context.Context, keys []string) (map[string]casstack.Item, error) {
	out := make(map[string]casstack.Item, len(keys))
	for _, k := range keys {
		it, ok, _ := s.Get(ctx, k)
		if ok {
			out[k] = it
		}
	}
	return out, nil
}

// put stores value or, for an already expired write, removes the key.
func (s *Store) put(key string, value []byte, expire casstack.Expire) {
	now := s.now()
	abs := expire.Absolute(now)
	if casstack.ExpiredAt(abs, now) {
		s.items.Delete(key)
		return
	}
	s.items.Store(key, entry{value: casstack.Clone(value), expireAt: abs})
}

func (s *Store) Set(_ context.Context, key string, value []byte, expire casstack.Expire) (bool, error) {
	s.put(key, value, expire)
	return true, nil
}

func (s *Store) SetMulti(_ context.Context, items map[string][]byte, expire casstack.Expire) (map[string]bool, error) {
	out := make(map[string]bool, len(items))
	for k, v := range items {
		s.put(k, v, expire)
		out[k] = true
	}
	return out, nil
}

func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	e, ok := s.items.LoadAndDelete(key)
	return ok && s.live(e, s.now()), nil
}

func (s *Store) DeleteMulti(ctx context.Context, keys []string) (map[string]bool, error) {
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		out[k], _ = s.Delete(ctx, k)
	}
	return out, nil
}

// cond runs a conditional write. pred sees the current live entry (present=false
// when absent or expired) and decides whether value replaces it.
func (s *Store) cond(key string, value []byte, expire casstack.Expire, pred func(cur entry, present bool) bool) bool {
	now := s.now()
	abs := expire.Absolute(now)
	applied := false
	s.items.Compute(key, func(old entry, loaded bool) (entry, bool) {
		present := loaded && s.live(old, now)
		if !pred(old, present) {
			// drop expired leftovers while we hold the bucket
			return old, !present
		}
		applied = true
		if casstack.ExpiredAt(abs, now) {
			return entry{}, true
		}
		return entry{value: casstack.Clone(value), expireAt: abs}, false
	})
	return applied
}

func (s *Store) Add(_ context.Context, key string, value []byte, expire casstack.Expire) (bool, error) {
	return s.cond(key, value, expire, func(_ entry, present bool) bool { return !present }), nil
}

func (s *Store) Replace(_ context.Context, key string, value []byte, expire casstack.Expire) (bool, error) {
	return s.cond(key, value, expire, func(_ entry, present bool) bool { return present }), nil
}

func (s *Store) CAS(_ context.Context, token casstack.Token, key string, value []byte, expire casstack.Expire) (bool, error) {
	snap, ok := token.(casstack.SnapshotToken)
	if !ok {
		return false, nil
	}
	return s.cond(key, value, expire, func(cur entry, present bool) bool {
		return present && bytes.Equal(cur.value, snap.Value)
	}), nil
}

func (s *Store) Increment(_ context.Context, key string, offset, initial int64, expire casstack.Expire) (int64, bool, error) {
	n, ok := s.incr(key, casstack.Delta(offset, true), offset, initial, expire)
	return n, ok, nil
}

func (s *Store) Decrement(_ context.Context, key string, offset, initial int64, expire casstack.Expire) (int64, bool, error) {
	n, ok := s.incr(key, casstack.Delta(offset, false), offset, initial, expire)
	return n, ok, nil
}

func (s *Store) incr(key string, delta, offset, initial int64, expire casstack.Expire) (int64, bool) {
	if !casstack.ValidCounterArgs(offset, initial) {
		return 0, false
	}
	now := s.now()
	abs := expire.Absolute(now)
	var (
		result int64
		ok     bool
	)
	s.items.Compute(key, func(old entry, loaded bool) (entry, bool) {
		if !loaded || !s.live(old, now) {
			result, ok = initial, true
		} else {
			cur, numeric := casstack.ParseCounter(old.value)
			if !numeric {
				return old, false
			}
			result, ok = casstack.ApplyDelta(cur, delta), true
		}
		if casstack.ExpiredAt(abs, now) {
			return entry{}, true
		}
		return entry{value: casstack.FormatCounter(result), expireAt: abs}, false
	})
	return result, ok
}

func (s *Store) Touch(_ context.Context, key string, expire casstack.Expire) (bool, error) {
	now := s.now()
	abs := expire.Absolute(now)
	touched := false
	s.items.Compute(key, func(old entry, loaded bool) (entry, bool) {
		if !loaded || !s.live(old, now) {
			return old, true
		}
		touched = true
		if casstack.ExpiredAt(abs, now) {
			return entry{}, true
		}
		old.expireAt = abs
		return old, false
	})
	return touched, nil
}

func (s *Store) Flush(ctx context.Context) (bool, error) {
	s.items.Clear()
	s.children.Range(func(_ string, c *Store) bool {
		_, _ = c.Flush(ctx)
		return true
	})
	return true, nil
}

func (s *Store) Collection(name string) casstack.Store {
	c, _ := s.children.LoadOrCompute(name, func() *Store {
		return New(Options{Now: s.now})
	})
	return c
}

// Len returns the number of stored entries, expired ones included, excluding collections.
func (s *Store) Len() int {
	return s.items.Size()
}
