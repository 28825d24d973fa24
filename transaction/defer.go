package transaction

import (
	"bytes"
	"context"
	"errors"
	"sort"

	"github.com/emirpasic/gods/maps/treemap"

	"github.com/unkn0wn-root/casstack"
)

// Defer is the write queue of one transaction: at most one folded op per key,
// ordered by key, plus a flush flag that supersedes everything queued before it.
// Not safe for concurrent use.
type Defer struct {
	ops   *treemap.Map // string -> op
	flush bool
}

func NewDefer() *Defer {
	return &Defer{ops: treemap.NewWithStringComparator()}
}

func (d *Defer) queue(key string, next op) bool {
	var prev op
	if v, found := d.ops.Get(key); found {
		prev = v.(op)
	}
	folded, ok := fold(prev, next)
	if ok {
		d.ops.Put(key, folded)
	}
	return ok
}

func (d *Defer) Set(key string, value []byte, expire casstack.Expire) {
	d.queue(key, setOp{value: casstack.Clone(value), expire: expire})
}

func (d *Defer) Add(key string, value []byte, expire casstack.Expire) {
	d.queue(key, addOp{value: casstack.Clone(value), expire: expire})
}

func (d *Defer) Replace(key string, value []byte, expire casstack.Expire) {
	d.queue(key, replaceOp{value: casstack.Clone(value), expire: expire})
}

// CAS queues a write conditional on the backend still holding original.
func (d *Defer) CAS(key string, original, value []byte, expire casstack.Expire) {
	d.queue(key, casOp{original: casstack.Clone(original), value: casstack.Clone(value), expire: expire})
}

// IncDec queues a counter update (delta < 0 decrements). It reports false, and
// queues nothing, when a pending write for key is not a counter.
func (d *Defer) IncDec(key string, delta, initial int64, expire casstack.Expire) bool {
	return d.queue(key, incDecOp{steps: []step{{delta: delta, initial: initial}}, expire: expire})
}

func (d *Defer) Touch(key string, expire casstack.Expire) {
	d.queue(key, touchOp{expire: expire})
}

func (d *Defer) Delete(key string) {
	d.queue(key, deleteOp{})
}

// Flush drops everything queued so far and schedules a backend flush.
func (d *Defer) Flush() {
	d.ops.Clear()
	d.flush = true
}

// Has reports whether an op is queued for key.
func (d *Defer) Has(key string) bool {
	_, found := d.ops.Get(key)
	return found
}

// Pending reports whether committing would write anything.
func (d *Defer) Pending() bool {
	return d.flush || !d.ops.Empty()
}

func (d *Defer) Clear() {
	d.ops.Clear()
	d.flush = false
}

// action is one backend call of a commit.
type action struct {
	rank int
	name string
	run  func(ctx context.Context) (failedKey string, err error)
}

// candidate is a key whose commit-time write is undone if a later action fails.
type candidate struct {
	written []byte
	before  casstack.Item
	existed bool
}

type committer struct {
	target  casstack.Store
	env     *env
	snaps   map[string]casstack.Item
	applied map[string]candidate
	actions []action
}

// Commit applies the queue to target in ascending order of risk:
// flush, cas, replace, add, touch and counters, set, delete. On the first
// failure it stops, restores the cas/replace/add writes already applied whose
// value nobody has overwritten since, and returns a *CommitError.
// The queue is cleared either way.
//
// Restored keys lose their original expiration and become permanent; the
// Store contract has no way to read an expiration back.
func (d *Defer) Commit(ctx context.Context, target casstack.Store, e *env) error {
	defer d.Clear()
	if !d.Pending() {
		return nil
	}

	c := &committer{target: target, env: e, applied: map[string]candidate{}}
	if err := c.snapshot(ctx, d); err != nil {
		return &CommitError{Op: "snapshot", Err: err}
	}
	c.plan(d)

	for _, a := range c.actions {
		key, err := a.run(ctx)
		if err == nil {
			continue
		}
		e.hooks.CommitFailed(key, a.name, infraErr(err))
		e.log.Warn("transaction: commit failed", casstack.Fields{"key": key, "op": a.name, "err": err})
		c.rollback(ctx)
		return &CommitError{Key: key, Op: a.name, Err: err}
	}
	return nil
}

func infraErr(err error) error {
	if errors.Is(err, ErrConflict) {
		return nil
	}
	return err
}

// snapshot reads the pre-commit value of every rollback candidate.
func (c *committer) snapshot(ctx context.Context, d *Defer) error {
	var keys []string
	d.ops.Each(func(k, v interface{}) {
		switch v.(type) {
		case casOp, replaceOp:
			keys = append(keys, k.(string))
		}
	})
	if len(keys) == 0 {
		c.snaps = map[string]casstack.Item{}
		return nil
	}
	snaps, err := c.target.GetMulti(ctx, keys)
	c.snaps = snaps
	return err
}

func (c *committer) plan(d *Defer) {
	if d.flush {
		c.actions = append(c.actions, action{rank: rankFlush, name: "flush", run: func(ctx context.Context) (string, error) {
			return "", check(c.target.Flush(ctx))
		}})
	}

	sets := map[casstack.Expire]map[string][]byte{}
	var deletes []string

	d.ops.Each(func(k, v interface{}) {
		key := k.(string)
		switch o := v.(type) {
		case setOp:
			if sets[o.expire] == nil {
				sets[o.expire] = map[string][]byte{}
			}
			sets[o.expire][key] = o.value
		case deleteOp:
			deletes = append(deletes, key)
		default:
			c.actions = append(c.actions, c.single(key, v.(op)))
		}
	})

	expires := make([]casstack.Expire, 0, len(sets))
	for exp := range sets {
		expires = append(expires, exp)
	}
	sort.Slice(expires, func(i, j int) bool { return expires[i] < expires[j] })
	for _, exp := range expires {
		items := sets[exp]
		c.actions = append(c.actions, action{rank: rankSet, name: "set", run: func(ctx context.Context) (string, error) {
			res, err := c.target.SetMulti(ctx, items, exp)
			if err != nil {
				return "", err
			}
			for _, k := range sortedKeys(items) {
				if !res[k] {
					return k, ErrConflict
				}
			}
			return "", nil
		}})
	}

	if len(deletes) > 0 {
		c.actions = append(c.actions, action{rank: rankDelete, name: "delete", run: func(ctx context.Context) (string, error) {
			// a key that is already gone is as deleted as we wanted it
			_, err := c.target.DeleteMulti(ctx, deletes)
			return "", err
		}})
	}

	sort.SliceStable(c.actions, func(i, j int) bool { return c.actions[i].rank < c.actions[j].rank })
}

func (c *committer) single(key string, o op) action {
	a := action{rank: o.rank(), name: o.name()}
	switch o := o.(type) {
	case casOp:
		a.run = func(ctx context.Context) (string, error) {
			cur, ok := c.snaps[key]
			if !ok || !bytes.Equal(cur.Value, o.original) {
				return key, ErrConflict
			}
			if err := check(c.target.CAS(ctx, cur.Token, key, o.value, o.expire)); err != nil {
				return key, err
			}
			c.applied[key] = candidate{written: o.value, before: cur, existed: true}
			return "", nil
		}
	case replaceOp:
		a.run = func(ctx context.Context) (string, error) {
			if err := check(c.target.Replace(ctx, key, o.value, o.expire)); err != nil {
				return key, err
			}
			cur, ok := c.snaps[key]
			c.applied[key] = candidate{written: o.value, before: cur, existed: ok}
			return "", nil
		}
	case addOp:
		a.run = func(ctx context.Context) (string, error) {
			if err := check(c.target.Add(ctx, key, o.value, o.expire)); err != nil {
				return key, err
			}
			c.applied[key] = candidate{written: o.value}
			return "", nil
		}
	case touchOp:
		a.run = func(ctx context.Context) (string, error) {
			return key, check(c.target.Touch(ctx, key, o.expire))
		}
	case incDecOp:
		a.run = func(ctx context.Context) (string, error) {
			for _, s := range o.steps {
				var (
					ok  bool
					err error
				)
				if s.delta >= 0 {
					_, ok, err = c.target.Increment(ctx, key, s.delta, s.initial, o.expire)
				} else {
					_, ok, err = c.target.Decrement(ctx, key, -s.delta, s.initial, o.expire)
				}
				if err := check(ok, err); err != nil {
					return key, err
				}
			}
			return "", nil
		}
	}
	return a
}

// rollback undoes applied candidates that still hold what this commit wrote.
// A key someone else has written since is left alone: that writer won.
func (c *committer) rollback(ctx context.Context) {
	for _, key := range sortedKeys(c.applied) {
		cand := c.applied[key]
		restored, err := c.restore(ctx, key, cand)
		if err != nil {
			c.env.log.Error("transaction: rollback failed", casstack.Fields{"key": key, "err": err})
		}
		c.env.hooks.RollbackApplied(key, restored)
	}
}

func (c *committer) restore(ctx context.Context, key string, cand candidate) (bool, error) {
	cur, ok, err := c.target.Get(ctx, key)
	if err != nil || !ok || !bytes.Equal(cur.Value, cand.written) {
		return false, err
	}
	if !cand.existed {
		return c.target.Delete(ctx, key)
	}
	return c.target.CAS(ctx, cur.Token, key, cand.before.Value, casstack.Never)
}

// check turns a soft failure into ErrConflict.
func check(ok bool, err error) error {
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
