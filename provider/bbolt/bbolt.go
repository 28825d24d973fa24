// Package bbolt implements casstack.Store on an embedded bbolt database.
//
// Every namespace is a bucket holding two sub-buckets: one for items and one for
// child collections, so item keys and collection names never collide. Each
// operation runs in its own bolt transaction, which also makes conditional writes
// and counters atomic. Values are stored with their expiration framed in front
// (internal/wire); expired entries are dropped lazily when next written.
package bbolt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/unkn0wn-root/casstack"
	"github.com/unkn0wn-root/casstack/internal/wire"
)

var (
	itemsKey    = []byte("i")
	childrenKey = []byte("c")
)

type Options struct {
	// Bucket is the top-level bucket; defaults to "casstack".
	Bucket string
	// Timeout for acquiring the file lock in Open.
	Timeout time.Duration
	Now     func() time.Time
}

type Store struct {
	db   *bolt.DB
	root []byte
	path [][]byte
	own  bool
	now  func() time.Time
}

var _ casstack.Store = (*Store)(nil)

// Open opens (or creates) the database file at path. The Store owns the handle.
func Open(path string, opts Options) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: opts.Timeout})
	if err != nil {
		return nil, fmt.Errorf("bbolt: open %s: %w", path, err)
	}
	s, err := New(db, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.own = true
	return s, nil
}

// New wraps an already open database. Close leaves it open.
func New(db *bolt.DB, opts Options) (*Store, error) {
	if db == nil {
		return nil, errors.New("bbolt: nil db")
	}
	root := opts.Bucket
	if root == "" {
		root = "casstack"
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(root))
		return err
	}); err != nil {
		return nil, fmt.Errorf("bbolt: ensure root bucket: %w", err)
	}
	return &Store{db: db, root: []byte(root), now: now}, nil
}

func (s *Store) Close() error {
	if !s.own {
		return nil
	}
	return s.db.Close()
}

// namespace walks to this Store's bucket, creating missing levels when create is set.
// It returns nil when a level is missing and create is false.
func (s *Store) namespace(tx *bolt.Tx, create bool) (*bolt.Bucket, error) {
	b := tx.Bucket(s.root)
	for _, name := range s.path {
		if b == nil {
			return nil, nil
		}
		c, err := sub(b, childrenKey, create)
		if err != nil || c == nil {
			return nil, err
		}
		if b, err = sub(c, name, create); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func sub(b *bolt.Bucket, name []byte, create bool) (*bolt.Bucket, error) {
	if create {
		return b.CreateBucketIfNotExists(name)
	}
	return b.Bucket(name), nil
}

func (s *Store) items(tx *bolt.Tx, create bool) (*bolt.Bucket, error) {
	ns, err := s.namespace(tx, create)
	if err != nil || ns == nil {
		return nil, err
	}
	return sub(ns, itemsKey, create)
}

// load returns a copy of the live payload stored under key.
func (s *Store) load(b *bolt.Bucket, key string, now time.Time) ([]byte, bool) {
	if b == nil {
		return nil, false
	}
	raw := b.Get([]byte(key))
	if raw == nil {
		return nil, false
	}
	e, err := wire.Decode(raw)
	if err != nil || casstack.ExpiredAt(e.ExpireAt, now) {
		return nil, false
	}
	return casstack.Clone(e.Payload), true
}

func put(b *bolt.Bucket, key string, value []byte, abs int64, now time.Time) error {
	if casstack.ExpiredAt(abs, now) {
		return b.Delete([]byte(key))
	}
	return b.Put([]byte(key), wire.Encode(wire.Entry{ExpireAt: abs, Payload: value}))
}

func (s *Store) view(op, key string, fn func(b *bolt.Bucket, now time.Time) error) error {
	now := s.now()
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.items(tx, false)
		if err != nil {
			return err
		}
		return fn(b, now)
	})
	return casstack.WrapErr(op, key, err)
}

func (s *Store) update(op, key string, fn func(b *bolt.Bucket, now time.Time) error) error {
	now := s.now()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.items(tx, true)
		if err != nil {
			return err
		}
		return fn(b, now)
	})
	return casstack.WrapErr(op, key, err)
}

func (s *Store) Get(_ context.Context, key string) (casstack.Item, bool, error) {
	var (
		v  []byte
		ok bool
	)
	err := s.view("get", key, func(b *bolt.Bucket, now time.Time) error {
		v, ok = s.load(b, key, now)
		return nil
	})
	if err != nil || !ok {
		return casstack.Item{}, false, err
	}
	return casstack.Item{Value: v, Token: casstack.Snapshot(v)}, true, nil
}

func (s *Store) GetMulti(_ context.Context, keys []string) (map[string]casstack.Item, error) {
	out := make(map[string]casstack.Item, len(keys))
	err := s.view("get_multi", "", func(b *bolt.Bucket, now time.Time) error {
		for _, k := range keys {
			if v, ok := s.load(b, k, now); ok {
				out[k] = casstack.Item{Value: v, Token: casstack.Snapshot(v)}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, expire casstack.Expire) (bool, error) {
	err := s.update("set", key, func(b *bolt.Bucket, now time.Time) error {
		return put(b, key, value, expire.Absolute(now), now)
	})
	return err == nil, err
}

func (s *Store) SetMulti(_ context.Context, items map[string][]byte, expire casstack.Expire) (map[string]bool, error) {
	err := s.update("set_multi", "", func(b *bolt.Bucket, now time.Time) error {
		abs := expire.Absolute(now)
		for k, v := range items {
			if err := put(b, k, v, abs, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(items))
	for k := range items {
		out[k] = true
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.DeleteMulti(ctx, []string{key})
	return res[key], err
}

func (s *Store) DeleteMulti(_ context.Context, keys []string) (map[string]bool, error) {
	out := make(map[string]bool, len(keys))
	err := s.update("delete", "", func(b *bolt.Bucket, now time.Time) error {
		for _, k := range keys {
			_, ok := s.load(b, k, now)
			out[k] = out[k] || ok
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) cond(op, key string, value []byte, expire casstack.Expire, pred func(cur []byte, present bool) bool) (bool, error) {
	applied := false
	err := s.update(op, key, func(b *bolt.Bucket, now time.Time) error {
		cur, present := s.load(b, key, now)
		if !pred(cur, present) {
			return nil
		}
		applied = true
		return put(b, key, value, expire.Absolute(now), now)
	})
	return applied && err == nil, err
}

func (s *Store) Add(_ context.Context, key string, value []byte, expire casstack.Expire) (bool, error) {
	return s.cond("add", key, value, expire, func(_ []byte, present bool) bool { return !present })
}

func (s *Store) Replace(_ context.Context, key string, value []byte, expire casstack.Expire) (bool, error) {
	return s.cond("replace", key, value, expire, func(_ []byte, present bool) bool { return present })
}

func (s *Store) CAS(_ context.Context, token casstack.Token, key string, value []byte, expire casstack.Expire) (bool, error) {
	snap, ok := token.(casstack.SnapshotToken)
	if !ok {
		return false, nil
	}
	return s.cond("cas", key, value, expire, func(cur []byte, present bool) bool {
		return present && bytes.Equal(cur, snap.Value)
	})
}

func (s *Store) Increment(_ context.Context, key string, offset, initial int64, expire casstack.Expire) (int64, bool, error) {
	return s.counter(key, casstack.Delta(offset, true), offset, initial, expire)
}

func (s *Store) Decrement(_ context.Context, key string, offset, initial int64, expire casstack.Expire) (int64, bool, error) {
	return s.counter(key, casstack.Delta(offset, false), offset, initial, expire)
}

func (s *Store) counter(key string, delta, offset, initial int64, expire casstack.Expire) (int64, bool, error) {
	if !casstack.ValidCounterArgs(offset, initial) {
		return 0, false, nil
	}
	var (
		n  int64
		ok bool
	)
	err := s.update("incr", key, func(b *bolt.Bucket, now time.Time) error {
		cur, present := s.load(b, key, now)
		n = initial
		if present {
			v, numeric := casstack.ParseCounter(cur)
			if !numeric {
				return nil
			}
			n = casstack.ApplyDelta(v, delta)
		}
		ok = true
		return put(b, key, casstack.FormatCounter(n), expire.Absolute(now), now)
	})
	if err != nil || !ok {
		return 0, false, err
	}
	return n, true, nil
}

func (s *Store) Touch(_ context.Context, key string, expire casstack.Expire) (bool, error) {
	touched := false
	err := s.update("touch", key, func(b *bolt.Bucket, now time.Time) error {
		cur, present := s.load(b, key, now)
		if !present {
			return nil
		}
		touched = true
		return put(b, key, cur, expire.Absolute(now), now)
	})
	return touched && err == nil, err
}

// Flush drops the namespace's items and every nested collection.
func (s *Store) Flush(_ context.Context) (bool, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		ns, err := s.namespace(tx, false)
		if err != nil || ns == nil {
			return err
		}
		for _, name := range [][]byte{itemsKey, childrenKey} {
			if err := ns.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, casstack.WrapErr("flush", "", err)
	}
	return true, nil
}

func (s *Store) Collection(name string) casstack.Store {
	path := make([][]byte, len(s.path)+1)
	copy(path, s.path)
	path[len(path)-1] = []byte(name)
	return &Store{db: s.db, root: s.root, path: path, now: s.now}
}
