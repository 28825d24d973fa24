// Package buffered caches every read and write of a session locally so repeated
// access to a key costs one round-trip to the backing Store.
//
// Writes go through to the backing Store immediately; the local copy mirrors the
// write only when the backend accepted it and is evicted otherwise, so the two
// never disagree about a value the backend rejected.
package buffered

import (
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/unkn0wn-root/casstack"
)

type Options struct {
	Logger casstack.Logger
	Hooks  casstack.Hooks
	// ReadTTL bounds how long a value read from the backend is served locally
	// before the next read goes back to the backend. Zero keeps it for the
	// whole session. Values this session wrote keep their own expiration.
	ReadTTL time.Duration
	// Clock for expiration handling; defaults to time.Now.
	Now func() time.Time
}

// token is the live session token of one key and the value it was issued for.
type token struct {
	id    string
	value []byte
}

// Store is a session-scoped write-through cache over a backend Store.
// It is safe for concurrent use, but its tokens are only meaningful to the
// Store (or Collection) that issued them.
//
// A key has at most one live token. Reads of an unchanged value share it; a
// write, eviction or flush of the key revokes it.
type Store struct {
	backend casstack.Store
	buf     *Buffer
	tokens  *xsync.MapOf[string, token]
	views   *xsync.MapOf[string, *Store]
	readTTL time.Duration
	log     casstack.Logger
	hooks   casstack.Hooks
	now     func() time.Time
}

var _ casstack.Store = (*Store)(nil)

func New(backend casstack.Store, opts Options) (*Store, error) {
	if backend == nil {
		return nil, casstack.ErrNilStore
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		backend: backend,
		buf:     NewBuffer(now),
		tokens:  xsync.NewMapOf[string, token](),
		views:   xsync.NewMapOf[string, *Store](),
		readTTL: opts.ReadTTL,
		log:     casstack.Coalesce[casstack.Logger](opts.Logger, casstack.NopLogger{}),
		hooks:   casstack.Coalesce[casstack.Hooks](opts.Hooks, casstack.NopHooks{}),
		now:     now,
	}, nil
}

// Buffer exposes the local overlay.
func (s *Store) Buffer() *Buffer { return s.buf }

// Tokens returns the number of live session tokens, excluding collections.
func (s *Store) Tokens() int { return s.tokens.Size() }

// issue returns v with the live token of key, minting one when the key has
// none or its token was issued for a different value.
func (s *Store) issue(key string, v []byte) casstack.Item {
	tok, _ := s.tokens.Compute(key, func(old token, loaded bool) (token, bool) {
		if loaded && bytes.Equal(old.value, v) {
			return old, false
		}
		return token{id: uuid.NewString(), value: casstack.Clone(v)}, false
	})
	return casstack.Item{Value: casstack.Clone(v), Token: casstack.NativeToken{ID: tok.id}}
}

// cache keeps a copy of a backend read.
func (s *Store) cache(key string, v []byte) {
	if s.readTTL <= 0 {
		s.buf.Put(key, v, 0)
		return
	}
	s.buf.PutRead(key, v, s.now().Add(s.readTTL))
}

// put mirrors a write this session made and revokes the key's token.
func (s *Store) put(key string, v []byte, expireAt int64) {
	s.tokens.Delete(key)
	s.buf.Put(key, v, expireAt)
}

func (s *Store) evict(key, reason string) {
	s.tokens.Delete(key)
	s.buf.Forget(key)
	s.hooks.BufferEvicted(key, reason)
	s.log.Debug("buffered: evicted", casstack.Fields{"key": key, "reason": reason})
}

// mirror applies a successful backend write locally, or evicts the key.
func (s *Store) mirror(key string, ok bool, err error, apply func()) (bool, error) {
	switch {
	case err != nil:
		s.evict(key, "error")
		return false, err
	case !ok:
		s.evict(key, "rejected")
		return false, nil
	}
	apply()
	return true, nil
}

func (s *Store) Get(ctx context.Context, key string) (casstack.Item, bool, error) {
	v, st := s.buf.Lookup(key)
	switch st {
	case Present:
		return s.issue(key, v), true, nil
	case Expired:
		return casstack.Item{}, false, nil
	}
	it, ok, err := s.backend.Get(ctx, key)
	if err != nil || !ok {
		return casstack.Item{}, false, err
	}
	// the backend does not report remaining lifetime; ReadTTL bounds the copy
	s.cache(key, it.Value)
	return s.issue(key, it.Value), true, nil
}

func (s *Store) GetMulti(ctx context.Context, keys []string) (map[string]casstack.Item, error) {
	out := make(map[string]casstack.Item, len(keys))
	var missing []string
	for _, k := range keys {
		v, st := s.buf.Lookup(k)
		switch st {
		case Present:
			out[k] = s.issue(k, v)
		case Absent:
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}
	fetched, err := s.backend.GetMulti(ctx, missing)
	if err != nil {
		return nil, err
	}
	for k, it := range fetched {
		s.cache(k, it.Value)
		out[k] = s.issue(k, it.Value)
	}
	return out, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, expire casstack.Expire) (bool, error) {
	exp := expire.Normalize(s.now())
	ok, err := s.backend.Set(ctx, key, value, exp)
	return s.mirror(key, ok, err, func() { s.put(key, value, int64(exp)) })
}

func (s *Store) SetMulti(ctx context.Context, items map[string][]byte, expire casstack.Expire) (map[string]bool, error) {
	exp := expire.Normalize(s.now())
	res, err := s.backend.SetMulti(ctx, items, exp)
	// a failed fan-out may still report the keys it did write
	for k, v := range items {
		switch {
		case res[k]:
			s.put(k, v, int64(exp))
		case err != nil:
			s.evict(k, "error")
		default:
			s.evict(k, "rejected")
		}
	}
	return res, err
}

func (s *Store) Add(ctx context.Context, key string, value []byte, expire casstack.Expire) (bool, error) {
	exp := expire.Normalize(s.now())
	ok, err := s.backend.Add(ctx, key, value, exp)
	return s.mirror(key, ok, err, func() { s.put(key, value, int64(exp)) })
}

func (s *Store) Replace(ctx context.Context, key string, value []byte, expire casstack.Expire) (bool, error) {
	exp := expire.Normalize(s.now())
	ok, err := s.backend.Replace(ctx, key, value, exp)
	return s.mirror(key, ok, err, func() { s.put(key, value, int64(exp)) })
}

// CAS re-resolves a session token against the backend: the snapshot recorded for
// token must equal the backend's current value, and the write is then guarded by
// the backend's own token for that value.
func (s *Store) CAS(ctx context.Context, token casstack.Token, key string, value []byte, expire casstack.Expire) (bool, error) {
	var snap []byte
	switch t := token.(type) {
	case casstack.NativeToken:
		live, ok := s.tokens.Load(key)
		if !ok || live.id != t.ID {
			return false, nil
		}
		snap = live.value
	case casstack.SnapshotToken:
		snap = t.Value
	default:
		return false, nil
	}

	cur, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		s.evict(key, "error")
		return false, err
	}
	if !ok || !bytes.Equal(cur.Value, snap) {
		// the local copy may be what made the caller think the value was current
		s.evict(key, "rejected")
		return false, nil
	}

	exp := expire.Normalize(s.now())
	ok, err = s.backend.CAS(ctx, cur.Token, key, value, exp)
	return s.mirror(key, ok, err, func() { s.put(key, value, int64(exp)) })
}

func (s *Store) Increment(ctx context.Context, key string, offset, initial int64, expire casstack.Expire) (int64, bool, error) {
	exp := expire.Normalize(s.now())
	n, ok, err := s.backend.Increment(ctx, key, offset, initial, exp)
	ok, err = s.mirror(key, ok, err, func() { s.put(key, casstack.FormatCounter(n), int64(exp)) })
	return n, ok, err
}

func (s *Store) Decrement(ctx context.Context, key string, offset, initial int64, expire casstack.Expire) (int64, bool, error) {
	exp := expire.Normalize(s.now())
	n, ok, err := s.backend.Decrement(ctx, key, offset, initial, exp)
	ok, err = s.mirror(key, ok, err, func() { s.put(key, casstack.FormatCounter(n), int64(exp)) })
	return n, ok, err
}

func (s *Store) Touch(ctx context.Context, key string, expire casstack.Expire) (bool, error) {
	exp := expire.Normalize(s.now())
	ok, err := s.backend.Touch(ctx, key, exp)
	return s.mirror(key, ok, err, func() {
		s.tokens.Delete(key)
		if _, st := s.buf.Lookup(key); st == Present {
			_, _ = s.buf.Touch(ctx, key, exp)
		} else if exp.Expired(s.now()) {
			s.buf.MarkExpired(key)
		}
	})
}

// Delete marks the key Expired locally whatever the backend reports, so later
// reads in this session miss without a round-trip.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	ok, err := s.backend.Delete(ctx, key)
	if err != nil {
		s.evict(key, "error")
		return false, err
	}
	s.tokens.Delete(key)
	s.buf.MarkExpired(key)
	return ok, nil
}

func (s *Store) DeleteMulti(ctx context.Context, keys []string) (map[string]bool, error) {
	res, err := s.backend.DeleteMulti(ctx, keys)
	if err != nil {
		for _, k := range keys {
			s.evict(k, "error")
		}
		return nil, err
	}
	for _, k := range keys {
		s.tokens.Delete(k)
		s.buf.MarkExpired(k)
	}
	return res, nil
}

// Flush clears the backend and the local overlay. The overlay is cleared even
// when the backend fails, since its content can no longer be trusted.
func (s *Store) Flush(ctx context.Context) (bool, error) {
	ok, err := s.backend.Flush(ctx)
	s.Reset()
	return ok, err
}

// Reset drops every local copy and token, collections included, leaving the
// backend untouched. A Store reused across sessions should be Reset between them.
func (s *Store) Reset() {
	_, _ = s.buf.Flush(context.Background())
	s.revoke()
}

func (s *Store) revoke() {
	s.tokens.Clear()
	s.views.Range(func(_ string, v *Store) bool {
		v.revoke()
		return true
	})
}

// Collection returns the session view of the backend's collection. Repeated
// calls return the same view, so its tokens stay valid.
func (s *Store) Collection(name string) casstack.Store {
	v, _ := s.views.LoadOrCompute(name, func() *Store {
		return &Store{
			backend: s.backend.Collection(name),
			buf:     s.buf.Child(name),
			tokens:  xsync.NewMapOf[string, token](),
			views:   xsync.NewMapOf[string, *Store](),
			readTTL: s.readTTL,
			log:     s.log,
			hooks:   s.hooks,
			now:     s.now,
		}
	})
	return v
}
