package buffered

import (
	"bytes"
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/unkn0wn-root/casstack"
)

// State is what a Buffer knows about a key.
type State uint8

const (
	// Absent: never seen. The caller must consult the backing Store.
	Absent State = iota
	// Present: a live value is cached.
	Present
	// Expired: the key was deleted or expired locally. The backing Store must not be
	// consulted, it may not reflect the pending delete yet.
	Expired
)

type slot struct {
	value    []byte
	expireAt int64
	// staleAt (Unix nanoseconds, 0 = never) returns a copy read from elsewhere
	// to Absent, so the caller reads it again.
	staleAt int64
	dead    bool
}

// Buffer is an in-memory Store that remembers deletions. Unlike the providers it
// never evicts and never forgets a key on its own: dropping an uncommitted write
// would be a correctness bug, so a full Buffer grows until the process runs out
// of memory.
type Buffer struct {
	slots    *xsync.MapOf[string, slot]
	children *xsync.MapOf[string, *Buffer]
	now      func() time.Time
}

var _ casstack.Store = (*Buffer)(nil)

// NewBuffer returns an empty Buffer. now defaults to time.Now.
func NewBuffer(now func() time.Time) *Buffer {
	if now == nil {
		now = time.Now
	}
	return &Buffer{
		slots:    xsync.NewMapOf[string, slot](),
		children: xsync.NewMapOf[string, *Buffer](),
		now:      now,
	}
}

func (b *Buffer) state(sl slot, loaded bool, now time.Time) State {
	switch {
	case !loaded:
		return Absent
	case sl.dead || casstack.ExpiredAt(sl.expireAt, now):
		return Expired
	case sl.staleAt != 0 && sl.staleAt <= now.UnixNano():
		return Absent
	default:
		return Present
	}
}

// Lookup returns a copy of the cached value and the key's state.
func (b *Buffer) Lookup(key string) ([]byte, State) {
	sl, loaded := b.slots.Load(key)
	st := b.state(sl, loaded, b.now())
	if st != Present {
		return nil, st
	}
	return casstack.Clone(sl.value), Present
}

// Expired reports whether key is known to be deleted or expired. A key the
// Buffer has never seen is not expired.
func (b *Buffer) Expired(key string) bool {
	_, st := b.Lookup(key)
	return st == Expired
}

// MarkExpired records key as deleted.
func (b *Buffer) MarkExpired(key string) {
	b.slots.Store(key, slot{dead: true})
}

// Forget returns key to the Absent state.
func (b *Buffer) Forget(key string) {
	b.slots.Delete(key)
}

// Put caches value with an absolute expiration (0 = never); an expiration in the
// past marks the key Expired.
func (b *Buffer) Put(key string, value []byte, expireAt int64) {
	if casstack.ExpiredAt(expireAt, b.now()) {
		b.MarkExpired(key)
		return
	}
	b.slots.Store(key, slot{value: casstack.Clone(value), expireAt: expireAt})
}

// PutRead caches a value read from the backing Store until the given time,
// after which the key is Absent again. It never records a deletion.
func (b *Buffer) PutRead(key string, value []byte, until time.Time) {
	b.slots.Store(key, slot{value: casstack.Clone(value), staleAt: until.UnixNano()})
}

func (b *Buffer) Get(_ context.Context, key string) (casstack.Item, bool, error) {
	v, st := b.Lookup(key)
	if st != Present {
		return casstack.Item{}, false, nil
	}
	return casstack.Item{Value: v, Token: casstack.Snapshot(v)}, true, nil
}

func (b *Buffer) GetMulti(_ context.Context, keys []string) (map[string]casstack.Item, error) {
	out := make(map[string]casstack.Item, len(keys))
	for _, k := range keys {
		if v, st := b.Lookup(k); st == Present {
			out[k] = casstack.Item{Value: v, Token: casstack.Snapshot(v)}
		}
	}
	return out, nil
}

func (b *Buffer) Set(_ context.Context, key string, value []byte, expire casstack.Expire) (bool, error) {
	b.Put(key, value, expire.Absolute(b.now()))
	return true, nil
}

func (b *Buffer) SetMulti(ctx context.Context, items map[string][]byte, expire casstack.Expire) (map[string]bool, error) {
	out := make(map[string]bool, len(items))
	for k, v := range items {
		out[k], _ = b.Set(ctx, k, v, expire)
	}
	return out, nil
}

func (b *Buffer) Delete(_ context.Context, key string) (bool, error) {
	var was State
	now := b.now()
	b.slots.Compute(key, func(old slot, loaded bool) (slot, bool) {
		was = b.state(old, loaded, now)
		return slot{dead: true}, false
	})
	return was == Present, nil
}

func (b *Buffer) DeleteMulti(ctx context.Context, keys []string) (map[string]bool, error) {
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		out[k], _ = b.Delete(ctx, k)
	}
	return out, nil
}

// write runs a conditional write under the key's bucket lock.
func (b *Buffer) write(key string, fn func(cur []byte, st State) (next []byte, apply bool), expire casstack.Expire) bool {
	now := b.now()
	abs := expire.Absolute(now)
	applied := false
	b.slots.Compute(key, func(old slot, loaded bool) (slot, bool) {
		st := b.state(old, loaded, now)
		next, ok := fn(old.value, st)
		if !ok {
			return old, !loaded
		}
		applied = true
		if casstack.ExpiredAt(abs, now) {
			return slot{dead: true}, false
		}
		return slot{value: casstack.Clone(next), expireAt: abs}, false
	})
	return applied
}

func (b *Buffer) Add(_ context.Context, key string, value []byte, expire casstack.Expire) (bool, error) {
	return b.write(key, func(_ []byte, st State) ([]byte, bool) {
		return value, st != Present
	}, expire), nil
}

func (b *Buffer) Replace(_ context.Context, key string, value []byte, expire casstack.Expire) (bool, error) {
	return b.write(key, func(_ []byte, st State) ([]byte, bool) {
		return value, st == Present
	}, expire), nil
}

func (b *Buffer) CAS(_ context.Context, token casstack.Token, key string, value []byte, expire casstack.Expire) (bool, error) {
	snap, ok := token.(casstack.SnapshotToken)
	if !ok {
		return false, nil
	}
	return b.write(key, func(cur []byte, st State) ([]byte, bool) {
		return value, st == Present && bytes.Equal(cur, snap.Value)
	}, expire), nil
}

func (b *Buffer) Increment(_ context.Context, key string, offset, initial int64, expire casstack.Expire) (int64, bool, error) {
	n, ok := b.counter(key, casstack.Delta(offset, true), offset, initial, expire)
	return n, ok, nil
}

func (b *Buffer) Decrement(_ context.Context, key string, offset, initial int64, expire casstack.Expire) (int64, bool, error) {
	n, ok := b.counter(key, casstack.Delta(offset, false), offset, initial, expire)
	return n, ok, nil
}

func (b *Buffer) counter(key string, delta, offset, initial int64, expire casstack.Expire) (int64, bool) {
	if !casstack.ValidCounterArgs(offset, initial) {
		return 0, false
	}
	var result int64
	ok := b.write(key, func(cur []byte, st State) ([]byte, bool) {
		if st != Present {
			result = initial
			return casstack.FormatCounter(result), true
		}
		n, numeric := casstack.ParseCounter(cur)
		if !numeric {
			return nil, false
		}
		result = casstack.ApplyDelta(n, delta)
		return casstack.FormatCounter(result), true
	}, expire)
	return result, ok
}

func (b *Buffer) Touch(_ context.Context, key string, expire casstack.Expire) (bool, error) {
	return b.write(key, func(cur []byte, st State) ([]byte, bool) {
		return cur, st == Present
	}, expire), nil
}

// Flush drops every entry, collections included. Keys return to Absent.
func (b *Buffer) Flush(ctx context.Context) (bool, error) {
	b.slots.Clear()
	b.children.Range(func(_ string, c *Buffer) bool {
		_, _ = c.Flush(ctx)
		return true
	})
	return true, nil
}

func (b *Buffer) Collection(name string) casstack.Store {
	return b.Child(name)
}

// Child is Collection with the concrete type.
func (b *Buffer) Child(name string) *Buffer {
	c, _ := b.children.LoadOrCompute(name, func() *Buffer {
		return NewBuffer(b.now)
	})
	return c
}

// Len returns the number of tracked keys (present and expired), excluding collections.
func (b *Buffer) Len() int {
	return b.slots.Size()
}
