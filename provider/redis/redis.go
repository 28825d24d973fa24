// Package redis implements casstack.Store on Redis.
//
// Conditional writes map onto native commands: Add is SET NX, Replace is SET XX,
// and CAS and counters run as WATCH/MULTI transactions retried on contention.
// Expirations are Redis key TTLs. Collections are key prefixes; flushing one
// scans and unlinks its keys, flushing an unprefixed root runs FLUSHDB.
package redis

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/casstack"
	"github.com/unkn0wn-root/casstack/internal/keyspace"
)

var (
	ErrNilClient = errors.New("redis provider: nil client")
	// ErrContention is returned when a WATCH transaction kept losing races.
	ErrContention = errors.New("redis provider: too much contention")
)

const (
	maxRetries = 16
	scanCount  = 512
)

type Store struct {
	rdb         goredis.UniversalClient
	space       *keyspace.Space
	closeClient bool
	log         casstack.Logger
	now         func() time.Time
}

var _ casstack.Store = (*Store)(nil)

type Config struct {
	Client      goredis.UniversalClient
	CloseClient bool // set true only if this store exclusively owns the client
	// Prefix namespaces every key. An empty prefix makes Flush on the root run FLUSHDB.
	Prefix string
	Logger casstack.Logger
	Now    func() time.Time
}

func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		rdb:         cfg.Client,
		space:       keyspace.Root(cfg.Prefix),
		closeClient: cfg.CloseClient,
		log:         casstack.Coalesce[casstack.Logger](cfg.Logger, casstack.NopLogger{}),
		now:         now,
	}, nil
}

func (s *Store) key(k string) string { return s.space.Key(k) }

func (s *Store) Get(ctx context.Context, key string) (casstack.Item, bool, error) {
	b, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if err == goredis.Nil {
		return casstack.Item{}, false, nil
	}
	if err != nil {
		return casstack.Item{}, false, casstack.WrapErr("get", key, err)
	}
	return casstack.Item{Value: b, Token: casstack.Snapshot(b)}, true, nil
}

// GetMulti pipelines one GET per key; MGET would fail across cluster slots.
func (s *Store) GetMulti(ctx context.Context, keys []string) (map[string]casstack.Item, error) {
	out := make(map[string]casstack.Item, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	cmds := make([]*goredis.StringCmd, len(keys))
	// per-command errors are inspected below; Pipelined reports redis.Nil for misses
	_, _ = s.rdb.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = p.Get(ctx, s.key(k))
		}
		return nil
	})
	for i, cmd := range cmds {
		b, err := cmd.Bytes()
		if err == goredis.Nil {
			continue
		}
		if err != nil {
			return nil, casstack.WrapErr("get_multi", keys[i], err)
		}
		out[keys[i]] = casstack.Item{Value: b, Token: casstack.Snapshot(b)}
	}
	return out, nil
}

// args translates an absolute expiration into SET arguments. Never clears any TTL.
func args(abs int64, mode string) goredis.SetArgs {
	a := goredis.SetArgs{Mode: mode}
	if abs != 0 {
		a.ExpireAt = time.Unix(abs, 0)
	}
	return a
}

func (s *Store) Set(ctx context.Context, key string, value []byte, expire casstack.Expire) (bool, error) {
	now := s.now()
	abs := expire.Absolute(now)
	if casstack.ExpiredAt(abs, now) {
		return true, casstack.WrapErr("set", key, s.rdb.Del(ctx, s.key(key)).Err())
	}
	if err := s.rdb.SetArgs(ctx, s.key(key), value, args(abs, "")).Err(); err != nil {
		return false, casstack.WrapErr("set", key, err)
	}
	return true, nil
}

func (s *Store) SetMulti(ctx context.Context, items map[string][]byte, expire casstack.Expire) (map[string]bool, error) {
	now := s.now()
	abs := expire.Absolute(now)
	gone := casstack.ExpiredAt(abs, now)
	_, err := s.rdb.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for k, v := range items {
			if gone {
				p.Del(ctx, s.key(k))
				continue
			}
			p.SetArgs(ctx, s.key(k), v, args(abs, ""))
		}
		return nil
	})
	if err != nil {
		return nil, casstack.WrapErr("set_multi", "", err)
	}
	out := make(map[string]bool, len(items))
	for k := range items {
		out[k] = true
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Del(ctx, s.key(key)).Result()
	if err != nil {
		return false, casstack.WrapErr("delete", key, err)
	}
	return n > 0, nil
}

func (s *Store) DeleteMulti(ctx context.Context, keys []string) (map[string]bool, error) {
	cmds := make([]*goredis.IntCmd, len(keys))
	_, err := s.rdb.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = p.Del(ctx, s.key(k))
		}
		return nil
	})
	if err != nil {
		return nil, casstack.WrapErr("delete_multi", "", err)
	}
	out := make(map[string]bool, len(keys))
	for i, k := range keys {
		out[k] = out[k] || cmds[i].Val() > 0
	}
	return out, nil
}

func (s *Store) Add(ctx context.Context, key string, value []byte, expire casstack.Expire) (bool, error) {
	now := s.now()
	abs := expire.Absolute(now)
	if casstack.ExpiredAt(abs, now) {
		n, err := s.rdb.Exists(ctx, s.key(key)).Result()
		return n == 0, casstack.WrapErr("add", key, err)
	}
	err := s.rdb.SetArgs(ctx, s.key(key), value, args(abs, "NX")).Err()
	if err == goredis.Nil {
		return false, nil
	}
	if err != nil {
		return false, casstack.WrapErr("add", key, err)
	}
	return true, nil
}

func (s *Store) Replace(ctx context.Context, key string, value []byte, expire casstack.Expire) (bool, error) {
	now := s.now()
	abs := expire.Absolute(now)
	if casstack.ExpiredAt(abs, now) {
		n, err := s.rdb.Del(ctx, s.key(key)).Result()
		return n > 0, casstack.WrapErr("replace", key, err)
	}
	err := s.rdb.SetArgs(ctx, s.key(key), value, args(abs, "XX")).Err()
	if err == goredis.Nil {
		return false, nil
	}
	if err != nil {
		return false, casstack.WrapErr("replace", key, err)
	}
	return true, nil
}

// watch runs fn in an optimistic transaction on key, retrying when another
// client modified the key between WATCH and EXEC.
func (s *Store) watch(ctx context.Context, op, key string, fn func(tx *goredis.Tx) error) error {
	k := s.key(key)
	for i := 0; i < maxRetries; i++ {
		err := s.rdb.Watch(ctx, fn, k)
		if err == nil {
			return nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			s.log.Debug("redis: watch retry", casstack.Fields{"op": op, "key": key, "attempt": i + 1})
			continue
		}
		return casstack.WrapErr(op, key, err)
	}
	return casstack.WrapErr(op, key, ErrContention)
}

// write queues value or its removal inside a MULTI.
func (s *Store) write(ctx context.Context, p goredis.Pipeliner, key string, value []byte, abs int64) {
	if casstack.ExpiredAt(abs, s.now()) {
		p.Del(ctx, s.key(key))
		return
	}
	p.SetArgs(ctx, s.key(key), value, args(abs, ""))
}

func (s *Store) CAS(ctx context.Context, token casstack.Token, key string, value []byte, expire casstack.Expire) (bool, error) {
	snap, ok := token.(casstack.SnapshotToken)
	if !ok {
		return false, nil
	}
	abs := expire.Absolute(s.now())
	swapped := false
	err := s.watch(ctx, "cas", key, func(tx *goredis.Tx) error {
		swapped = false
		cur, err := tx.Get(ctx, s.key(key)).Bytes()
		if err == goredis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		if !bytes.Equal(cur, snap.Value) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			s.write(ctx, p, key, value, abs)
			return nil
		})
		swapped = err == nil
		return err
	})
	return swapped, err
}

func (s *Store) Increment(ctx context.Context, key string, offset, initial int64, expire casstack.Expire) (int64, bool, error) {
	return s.counter(ctx, key, casstack.Delta(offset, true), offset, initial, expire)
}

func (s *Store) Decrement(ctx context.Context, key string, offset, initial int64, expire casstack.Expire) (int64, bool, error) {
	return s.counter(ctx, key, casstack.Delta(offset, false), offset, initial, expire)
}

// counter is a read-modify-write under WATCH; INCRBY cannot clamp at zero.
func (s *Store) counter(ctx context.Context, key string, delta, offset, initial int64, expire casstack.Expire) (int64, bool, error) {
	if !casstack.ValidCounterArgs(offset, initial) {
		return 0, false, nil
	}
	abs := expire.Absolute(s.now())
	var (
		n  int64
		ok bool
	)
	err := s.watch(ctx, "incr", key, func(tx *goredis.Tx) error {
		ok = false
		cur, err := tx.Get(ctx, s.key(key)).Bytes()
		switch {
		case err == goredis.Nil:
			n = initial
		case err != nil:
			return err
		default:
			v, numeric := casstack.ParseCounter(cur)
			if !numeric {
				return nil
			}
			n = casstack.ApplyDelta(v, delta)
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			s.write(ctx, p, key, casstack.FormatCounter(n), abs)
			return nil
		})
		ok = err == nil
		return err
	})
	if err != nil || !ok {
		return 0, false, err
	}
	return n, true, nil
}

func (s *Store) Touch(ctx context.Context, key string, expire casstack.Expire) (bool, error) {
	abs := expire.Absolute(s.now())
	k := s.key(key)
	if abs != 0 {
		// EXPIREAT with a past time deletes the key and still reports it existed.
		ok, err := s.rdb.ExpireAt(ctx, k, time.Unix(abs, 0)).Result()
		return ok, casstack.WrapErr("touch", key, err)
	}
	// PERSIST reports false for keys without a TTL, so existence is read in the same MULTI.
	var exists *goredis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		exists = p.Exists(ctx, k)
		p.Persist(ctx, k)
		return nil
	})
	if err != nil {
		return false, casstack.WrapErr("touch", key, err)
	}
	return exists.Val() > 0, nil
}

// Flush removes every key of this namespace and its collections.
func (s *Store) Flush(ctx context.Context) (bool, error) {
	path := s.space.Path()
	if path == "" {
		if err := s.eachNode(ctx, func(ctx context.Context, c goredis.Cmdable) error {
			return c.FlushDB(ctx).Err()
		}); err != nil {
			return false, casstack.WrapErr("flush", "", err)
		}
		return true, nil
	}
	pattern := escapeGlob(path) + "*"
	if err := s.eachNode(ctx, func(ctx context.Context, c goredis.Cmdable) error {
		return unlinkMatching(ctx, c, pattern)
	}); err != nil {
		return false, casstack.WrapErr("flush", "", err)
	}
	return true, nil
}

// eachNode runs fn on every master of a cluster, or once on any other client.
func (s *Store) eachNode(ctx context.Context, fn func(context.Context, goredis.Cmdable) error) error {
	if cc, ok := s.rdb.(*goredis.ClusterClient); ok {
		return cc.ForEachMaster(ctx, func(ctx context.Context, c *goredis.Client) error {
			return fn(ctx, c)
		})
	}
	return fn(ctx, s.rdb)
}

func unlinkMatching(ctx context.Context, c goredis.Cmdable, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := c.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			// one key per command so cluster slots never mix
			_, err := c.Pipelined(ctx, func(p goredis.Pipeliner) error {
				for _, k := range keys {
					p.Unlink(ctx, k)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) Collection(name string) casstack.Store {
	return &Store{
		rdb:   s.rdb,
		space: s.space.Child(name),
		log:   s.log,
		now:   s.now,
	}
}

// Close releases the underlying redis client only when this store owns it.
// Safe to call multiple times; repeated calls become no-ops.
func (s *Store) Close(context.Context) error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
