package casstack

import (
	"context"
	"fmt"

	"github.com/unkn0wn-root/casstack/codec"
)

// Typed layers a Codec over any Store so callers work with V instead of bytes.
// Counters, Touch, Delete and Flush need no codec and are reached through Store.
type Typed[V any] struct {
	Store Store
	Codec codec.Codec[V]
}

// NewTyped binds a codec to a store.
func NewTyped[V any](s Store, c codec.Codec[V]) Typed[V] {
	return Typed[V]{Store: s, Codec: c}
}

// Get decodes the stored value. A value that fails to decode is reported as an
// error, not a miss, so corruption is not silently recomputed over.
func (t Typed[V]) Get(ctx context.Context, key string) (V, Token, bool, error) {
	var zero V
	it, ok, err := t.Store.Get(ctx, key)
	if err != nil || !ok {
		return zero, nil, false, err
	}
	v, err := t.Codec.Decode(it.Value)
	if err != nil {
		return zero, nil, false, fmt.Errorf("casstack: decode %q: %w", key, err)
	}
	return v, it.Token, true, nil
}

// GetMulti returns decoded hits. Undecodable entries abort the call.
func (t Typed[V]) GetMulti(ctx context.Context, keys []string) (map[string]V, map[string]Token, error) {
	items, err := t.Store.GetMulti(ctx, keys)
	if err != nil {
		return nil, nil, err
	}
	values := make(map[string]V, len(items))
	tokens := make(map[string]Token, len(items))
	for k, it := range items {
		v, err := t.Codec.Decode(it.Value)
		if err != nil {
			return nil, nil, fmt.Errorf("casstack: decode %q: %w", k, err)
		}
		values[k] = v
		tokens[k] = it.Token
	}
	return values, tokens, nil
}

func (t Typed[V]) Set(ctx context.Context, key string, v V, expire Expire) (bool, error) {
	b, err := t.Codec.Encode(v)
	if err != nil {
		return false, err
	}
	return t.Store.Set(ctx, key, b, expire)
}

func (t Typed[V]) Add(ctx context.Context, key string, v V, expire Expire) (bool, error) {
	b, err := t.Codec.Encode(v)
	if err != nil {
		return false, err
	}
	return t.Store.Add(ctx, key, b, expire)
}

func (t Typed[V]) Replace(ctx context.Context, key string, v V, expire Expire) (bool, error) {
	b, err := t.Codec.Encode(v)
	if err != nil {
		return false, err
	}
	return t.Store.Replace(ctx, key, b, expire)
}

func (t Typed[V]) CAS(ctx context.Context, token Token, key string, v V, expire Expire) (bool, error) {
	b, err := t.Codec.Encode(v)
	if err != nil {
		return false, err
	}
	return t.Store.CAS(ctx, token, key, b, expire)
}
