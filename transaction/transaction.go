// Package transaction stages writes against a Store and applies them on Commit.
//
// A Transaction reads through a local Buffer (falling back to its parent) and
// records every write twice: in the Buffer, so later reads in the transaction see
// it, and in a Defer queue, which folds writes per key and replays them on commit
// in ascending order of risk. A failed commit rolls back what it already applied.
//
// Transactions nest: Store keeps a stack in which each Transaction's parent is the
// one below it, so committing a nested transaction only stages its writes in the
// enclosing one.
package transaction

import (
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/casstack"
	"github.com/unkn0wn-root/casstack/buffered"
)

type State uint8

const (
	Open State = iota
	Committing
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled back"
	}
	return "unknown"
}

type Options struct {
	Logger casstack.Logger
	Hooks  casstack.Hooks
	// Clock for expiration handling; defaults to time.Now.
	Now func() time.Time
}

type env struct {
	log   casstack.Logger
	hooks casstack.Hooks
	now   func() time.Time
}

func newEnv(opts Options) *env {
	e := &env{
		log:   casstack.Coalesce[casstack.Logger](opts.Logger, casstack.NopLogger{}),
		hooks: casstack.Coalesce[casstack.Hooks](opts.Hooks, casstack.NopHooks{}),
		now:   opts.Now,
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Transaction is a Store whose writes reach its parent only on Commit.
// Not safe for concurrent use.
type Transaction struct {
	parent   casstack.Store
	local    *buffered.Buffer
	queue    *Defer
	tokens   map[string][]byte // session token id -> observed value, shared with collections
	flushed  bool              // an uncommitted Flush hides the parent
	state    State
	children map[string]*Transaction
	env      *env
}

var _ casstack.Store = (*Transaction)(nil)

// New opens a transaction over parent.
func New(parent casstack.Store, opts Options) *Transaction {
	e := newEnv(opts)
	return &Transaction{
		parent:   parent,
		local:    buffered.NewBuffer(e.now),
		queue:    NewDefer(),
		tokens:   map[string][]byte{},
		children: map[string]*Transaction{},
		env:      e,
	}
}

func (t *Transaction) State() State { return t.state }

func (t *Transaction) open() error {
	if t.state != Open {
		return ErrTransactionClosed
	}
	return nil
}

// load returns the value visible to this transaction and caches it locally.
func (t *Transaction) load(ctx context.Context, key string) ([]byte, bool, error) {
	v, st := t.local.Lookup(key)
	switch st {
	case buffered.Present:
		return v, true, nil
	case buffered.Expired:
		return nil, false, nil
	}
	if t.flushed {
		return nil, false, nil
	}
	it, ok, err := t.parent.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	t.local.Put(key, it.Value, 0)
	return it.Value, true, nil
}

func (t *Transaction) issue(v []byte) casstack.Item {
	id := uuid.NewString()
	t.tokens[id] = casstack.Clone(v)
	return casstack.Item{Value: casstack.Clone(v), Token: casstack.NativeToken{ID: id}}
}

func (t *Transaction) resolve(token casstack.Token) ([]byte, bool) {
	switch tok := token.(type) {
	case casstack.NativeToken:
		v, ok := t.tokens[tok.ID]
		return v, ok
	case casstack.SnapshotToken:
		return tok.Value, true
	}
	return nil, false
}

func (t *Transaction) expire(e casstack.Expire) casstack.Expire {
	return e.Normalize(t.env.now())
}

func (t *Transaction) Get(ctx context.Context, key string) (casstack.Item, bool, error) {
	if err := t.open(); err != nil {
		return casstack.Item{}, false, err
	}
	v, ok, err := t.load(ctx, key)
	if err != nil || !ok {
		return casstack.Item{}, false, err
	}
	return t.issue(v), true, nil
}

func (t *Transaction) GetMulti(ctx context.Context, keys []string) (map[string]casstack.Item, error) {
	if err := t.open(); err != nil {
		return nil, err
	}
	out := make(map[string]casstack.Item, len(keys))
	var missing []string
	for _, k := range keys {
		v, st := t.local.Lookup(k)
		switch {
		case st == buffered.Present:
			out[k] = t.issue(v)
		case st == buffered.Absent && !t.flushed:
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}
	fetched, err := t.parent.GetMulti(ctx, missing)
	if err != nil {
		return nil, err
	}
	for k, it := range fetched {
		t.local.Put(k, it.Value, 0)
		out[k] = t.issue(it.Value)
	}
	return out, nil
}

func (t *Transaction) Set(_ context.Context, key string, value []byte, expire casstack.Expire) (bool, error) {
	if err := t.open(); err != nil {
		return false, err
	}
	exp := t.expire(expire)
	t.local.Put(key, value, int64(exp))
	t.queue.Set(key, value, exp)
	return true, nil
}

func (t *Transaction) SetMulti(ctx context.Context, items map[string][]byte, expire casstack.Expire) (map[string]bool, error) {
	if err := t.open(); err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(items))
	for k, v := range items {
		out[k], _ = t.Set(ctx, k, v, expire)
	}
	return out, nil
}

func (t *Transaction) Add(ctx context.Context, key string, value []byte, expire casstack.Expire) (bool, error) {
	if err := t.open(); err != nil {
		return false, err
	}
	if _, ok, err := t.load(ctx, key); err != nil || ok {
		return false, err
	}
	exp := t.expire(expire)
	t.local.Put(key, value, int64(exp))
	t.queue.Add(key, value, exp)
	return true, nil
}

func (t *Transaction) Replace(ctx context.Context, key string, value []byte, expire casstack.Expire) (bool, error) {
	if err := t.open(); err != nil {
		return false, err
	}
	if _, ok, err := t.load(ctx, key); err != nil || !ok {
		return false, err
	}
	exp := t.expire(expire)
	t.local.Put(key, value, int64(exp))
	t.queue.Replace(key, value, exp)
	return true, nil
}

// CAS checks token against this transaction's view and, if it matches, stages a
// write that commit only applies if the parent still holds the observed value.
func (t *Transaction) CAS(ctx context.Context, token casstack.Token, key string, value []byte, expire casstack.Expire) (bool, error) {
	if err := t.open(); err != nil {
		return false, err
	}
	snap, ok := t.resolve(token)
	if !ok {
		return false, nil
	}
	cur, ok, err := t.load(ctx, key)
	if err != nil || !ok || !bytes.Equal(cur, snap) {
		return false, err
	}
	exp := t.expire(expire)
	t.local.Put(key, value, int64(exp))
	t.queue.CAS(key, snap, value, exp)
	return true, nil
}

func (t *Transaction) Increment(ctx context.Context, key string, offset, initial int64, expire casstack.Expire) (int64, bool, error) {
	return t.counter(ctx, key, offset, initial, true, expire)
}

func (t *Transaction) Decrement(ctx context.Context, key string, offset, initial int64, expire casstack.Expire) (int64, bool, error) {
	return t.counter(ctx, key, offset, initial, false, expire)
}

func (t *Transaction) counter(ctx context.Context, key string, offset, initial int64, up bool, expire casstack.Expire) (int64, bool, error) {
	if err := t.open(); err != nil {
		return 0, false, err
	}
	if !casstack.ValidCounterArgs(offset, initial) {
		return 0, false, nil
	}
	_, live, err := t.load(ctx, key)
	if err != nil {
		return 0, false, err
	}
	exp := t.expire(expire)
	var n int64
	var ok bool
	if up {
		n, ok, _ = t.local.Increment(ctx, key, offset, initial, exp)
	} else {
		n, ok, _ = t.local.Decrement(ctx, key, offset, initial, exp)
	}
	if !ok {
		return 0, false, nil
	}
	if !live && t.queue.Has(key) {
		// queued op deleted or expired the key: the result is known exactly
		t.queue.Set(key, casstack.FormatCounter(n), exp)
		return n, true, nil
	}
	if !t.queue.IncDec(key, casstack.Delta(offset, up), initial, exp) {
		t.local.Forget(key)
		return 0, false, nil
	}
	return n, true, nil
}

func (t *Transaction) Touch(ctx context.Context, key string, expire casstack.Expire) (bool, error) {
	if err := t.open(); err != nil {
		return false, err
	}
	if _, ok, err := t.load(ctx, key); err != nil || !ok {
		return false, err
	}
	exp := t.expire(expire)
	_, _ = t.local.Touch(ctx, key, exp)
	t.queue.Touch(key, exp)
	return true, nil
}

func (t *Transaction) Delete(ctx context.Context, key string) (bool, error) {
	if err := t.open(); err != nil {
		return false, err
	}
	if _, ok, err := t.load(ctx, key); err != nil || !ok {
		return false, err
	}
	t.local.MarkExpired(key)
	t.queue.Delete(key)
	return true, nil
}

func (t *Transaction) DeleteMulti(ctx context.Context, keys []string) (map[string]bool, error) {
	if err := t.open(); err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		ok, err := t.Delete(ctx, k)
		if err != nil {
			return nil, err
		}
		out[k] = ok
	}
	return out, nil
}

// Flush discards everything staged so far, in collections too, and hides the
// parent from reads until the transaction ends.
func (t *Transaction) Flush(_ context.Context) (bool, error) {
	if err := t.open(); err != nil {
		return false, err
	}
	t.flushAll()
	return true, nil
}

func (t *Transaction) flushAll() {
	t.local.Flush(context.Background())
	t.queue.Flush()
	t.flushed = true
	for _, c := range t.children {
		c.flushAll()
	}
}

// Collection returns a child transaction over the parent's collection. It shares
// this transaction's lifecycle: Commit, Rollback, Flush and Close cover it.
func (t *Transaction) Collection(name string) casstack.Store {
	if c, ok := t.children[name]; ok {
		return c
	}
	c := &Transaction{
		parent:   t.parent.Collection(name),
		local:    t.local.Child(name),
		queue:    NewDefer(),
		tokens:   t.tokens,
		flushed:  t.flushed,
		state:    t.state,
		children: map[string]*Transaction{},
		env:      t.env,
	}
	t.children[name] = c
	return c
}

// Pending reports whether Commit would write anything.
func (t *Transaction) Pending() bool {
	if t.queue.Pending() {
		return true
	}
	for _, c := range t.children {
		if c.Pending() {
			return true
		}
	}
	return false
}

// Commit applies staged writes to the parent, then commits collections in name
// order. A failure rolls this transaction back and returns a *CommitError;
// collections committed before the failure stay committed.
func (t *Transaction) Commit(ctx context.Context) error {
	if err := t.open(); err != nil {
		return err
	}
	t.state = Committing
	if err := t.queue.Commit(ctx, t.parent, t.env); err != nil {
		t.end(RolledBack)
		return err
	}
	for _, name := range sortedKeys(t.children) {
		c := t.children[name]
		if err := c.Commit(ctx); err != nil {
			t.end(RolledBack)
			return err
		}
	}
	t.end(Committed)
	return nil
}

// Rollback discards staged writes. Nothing reaches the parent.
func (t *Transaction) Rollback() error {
	if err := t.open(); err != nil {
		return err
	}
	t.end(RolledBack)
	return nil
}

// Close ends an open transaction. Writes still pending are discarded and
// reported with ErrUncommitted; closing an ended transaction is a no-op.
func (t *Transaction) Close() error {
	if t.state != Open {
		return nil
	}
	pending := t.Pending()
	t.end(RolledBack)
	if pending {
		t.env.log.Warn("transaction: closed with pending writes", nil)
		return ErrUncommitted
	}
	return nil
}

func (t *Transaction) end(s State) {
	t.state = s
	t.queue.Clear()
	t.local.Flush(context.Background())
	t.flushed = false
	for _, c := range t.children {
		if c.state == Open || c.state == Committing {
			c.end(s)
		}
	}
}
