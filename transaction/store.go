package transaction

import (
	"context"

	"github.com/hashicorp/go-multierror"

	"github.com/unkn0wn-root/casstack"
)

// Store routes every operation to the innermost open transaction, or straight to
// the root Store when none is open. Not safe for concurrent use; give each
// caller its own Store over a shared root.
type Store struct {
	root  casstack.Store
	stack []*Transaction
	opts  Options
}

var _ casstack.Store = (*Store)(nil)

func NewStore(root casstack.Store, opts Options) (*Store, error) {
	if root == nil {
		return nil, casstack.ErrNilStore
	}
	return &Store{root: root, opts: opts}, nil
}

// Begin opens a transaction nested in the current one.
func (s *Store) Begin() *Transaction {
	tx := New(s.top(), s.opts)
	s.stack = append(s.stack, tx)
	return tx
}

// Commit commits the innermost transaction into its parent.
func (s *Store) Commit(ctx context.Context) error {
	tx, err := s.pop()
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Rollback discards the innermost transaction.
func (s *Store) Rollback() error {
	tx, err := s.pop()
	if err != nil {
		return err
	}
	return tx.Rollback()
}

// Close rolls back every open transaction, innermost first. It returns
// ErrUncommitted if any of them had pending writes.
func (s *Store) Close() error {
	var errs *multierror.Error
	for len(s.stack) > 0 {
		tx, _ := s.pop()
		if err := tx.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// Depth is the number of open transactions.
func (s *Store) Depth() int { return len(s.stack) }

func (s *Store) pop() (*Transaction, error) {
	if len(s.stack) == 0 {
		return nil, ErrNoTransaction
	}
	tx := s.stack[len(s.stack)-1]
	s.stack[len(s.stack)-1] = nil
	s.stack = s.stack[:len(s.stack)-1]
	return tx, nil
}

func (s *Store) top() casstack.Store {
	if len(s.stack) == 0 {
		return s.root
	}
	return s.stack[len(s.stack)-1]
}

func (s *Store) Get(ctx context.Context, key string) (casstack.Item, bool, error) {
	return s.top().Get(ctx, key)
}

func (s *Store) GetMulti(ctx context.Context, keys []string) (map[string]casstack.Item, error) {
	return s.top().GetMulti(ctx, keys)
}

func (s *Store) Set(ctx context.Context, key string, value []byte, expire casstack.Expire) (bool, error) {
	return s.top().Set(ctx, key, value, expire)
}

func (s *Store) SetMulti(ctx context.Context, items map[string][]byte, expire casstack.Expire) (map[string]bool, error) {
	return s.top().SetMulti(ctx, items, expire)
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	return s.top().Delete(ctx, key)
}

func (s *Store) DeleteMulti(ctx context.Context, keys []string) (map[string]bool, error) {
	return s.top().DeleteMulti(ctx, keys)
}

func (s *Store) Add(ctx context.Context, key string, value []byte, expire casstack.Expire) (bool, error) {
	return s.top().Add(ctx, key, value, expire)
}

func (s *Store) Replace(ctx context.Context, key string, value []byte, expire casstack.Expire) (bool, error) {
	return s.top().Replace(ctx, key, value, expire)
}

func (s *Store) CAS(ctx context.Context, token casstack.Token, key string, value []byte, expire casstack.Expire) (bool, error) {
	return s.top().CAS(ctx, token, key, value, expire)
}

func (s *Store) Increment(ctx context.Context, key string, offset, initial int64, expire casstack.Expire) (int64, bool, error) {
	return s.top().Increment(ctx, key, offset, initial, expire)
}

func (s *Store) Decrement(ctx context.Context, key string, offset, initial int64, expire casstack.Expire) (int64, bool, error) {
	return s.top().Decrement(ctx, key, offset, initial, expire)
}

func (s *Store) Touch(ctx context.Context, key string, expire casstack.Expire) (bool, error) {
	return s.top().Touch(ctx, key, expire)
}

func (s *Store) Flush(ctx context.Context) (bool, error) {
	return s.top().Flush(ctx)
}

// Collection returns a view that always addresses the collection of whichever
// transaction is innermost at call time.
func (s *Store) Collection(name string) casstack.Store {
	return &view{s: s, path: []string{name}}
}

type view struct {
	s    *Store
	path []string
}

func (v *view) store() casstack.Store {
	st := v.s.top()
	for _, name := range v.path {
		st = st.Collection(name)
	}
	return st
}

func (v *view) Get(ctx context.Context, key string) (casstack.Item, bool, error) {
	return v.store().Get(ctx, key)
}

func (v *view) GetMulti(ctx context.Context, keys []string) (map[string]casstack.Item, error) {
	return v.store().GetMulti(ctx, keys)
}

func (v *view) Set(ctx context.Context, key string, value []byte, expire casstack.Expire) (bool, error) {
	return v.store().Set(ctx, key, value, expire)
}

func (v *view) SetMulti(ctx context.Context, items map[string][]byte, expire casstack.Expire) (map[string]bool, error) {
	return v.store().SetMulti(ctx, items, expire)
}

func (v *view) Delete(ctx context.Context, key string) (bool, error) {
	return v.store().Delete(ctx, key)
}

func (v *view) DeleteMulti(ctx context.Context, keys []string) (map[string]bool, error) {
	return v.store().DeleteMulti(ctx, keys)
}

func (v *view) Add(ctx context.Context, key string, value []byte, expire casstack.Expire) (bool, error) {
	return v.store().Add(ctx, key, value, expire)
}

func (v *view) Replace(ctx context.Context, key string, value []byte, expire casstack.Expire) (bool, error) {
	return v.store().Replace(ctx, key, value, expire)
}

func (v *view) CAS(ctx context.Context, token casstack.Token, key string, value []byte, expire casstack.Expire) (bool, error) {
	return v.store().CAS(ctx, token, key, value, expire)
}

func (v *view) Increment(ctx context.Context, key string, offset, initial int64, expire casstack.Expire) (int64, bool, error) {
	return v.store().Increment(ctx, key, offset, initial, expire)
}

func (v *view) Decrement(ctx context.Context, key string, offset, initial int64, expire casstack.Expire) (int64, bool, error) {
	return v.store().Decrement(ctx, key, offset, initial, expire)
}

func (v *view) Touch(ctx context.Context, key string, expire casstack.Expire) (bool, error) {
	return v.store().Touch(ctx, key, expire)
}

func (v *view) Flush(ctx context.Context) (bool, error) {
	return v.store().Flush(ctx)
}

func (v *view) Collection(name string) casstack.Store {
	path := make([]string, len(v.path), len(v.path)+1)
	copy(path, v.path)
	return &view{s: v.s, path: append(path, name)}
}
