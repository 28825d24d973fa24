package casstack

import (
	"context"
)

// Item is a value returned by a read together with the token a later CAS must present.
// Value is always an independent copy; callers may mutate it freely.
type Item struct {
	Value []byte
	Token Token
}

// Store is the operation set every backend and every layer implements.
//
// Soft failures (missing key, failed precondition, non-numeric counter, negative
// offset) are reported as ok=false with a nil error. A non-nil error always means
// the backend could not be reached or misbehaved; it is never used for "not found".
type Store interface {
	// Get returns (item, true, nil) on hit and (Item{}, false, nil) on miss or expiry.
	Get(ctx context.Context, key string) (Item, bool, error)
	// GetMulti returns hits only; missing keys are absent from the map.
	GetMulti(ctx context.Context, keys []string) (map[string]Item, error)

	// Set writes unconditionally.
	Set(ctx context.Context, key string, value []byte, expire Expire) (bool, error)
	// SetMulti writes every item with the same expiration and reports success per key.
	SetMulti(ctx context.Context, items map[string][]byte, expire Expire) (map[string]bool, error)

	// Delete reports false when the key was not present.
	Delete(ctx context.Context, key string) (bool, error)
	DeleteMulti(ctx context.Context, keys []string) (map[string]bool, error)

	// Add writes only if the key is absent or expired.
	Add(ctx context.Context, key string, value []byte, expire Expire) (bool, error)
	// Replace writes only if the key is present and unexpired.
	Replace(ctx context.Context, key string, value []byte, expire Expire) (bool, error)
	// CAS writes only if the current value still matches the one token was issued for.
	// It fails without side effects if the key is absent.
	CAS(ctx context.Context, token Token, key string, value []byte, expire Expire) (bool, error)

	// Increment adds offset (>= 0) to a base-10 counter, creating it with initial (>= 0)
	// when absent. Results never drop below 0.
	Increment(ctx context.Context, key string, offset, initial int64, expire Expire) (int64, bool, error)
	// Decrement subtracts offset (>= 0); see Increment.
	Decrement(ctx context.Context, key string, offset, initial int64, expire Expire) (int64, bool, error)

	// Touch changes the expiration of a present key.
	Touch(ctx context.Context, key string, expire Expire) (bool, error)

	// Flush clears every key reachable through this Store, collections included.
	Flush(ctx context.Context) (bool, error)

	// Collection returns an isolated key space backed by the same storage.
	Collection(name string) Store
}

// Token is the opaque value handed out by Get and consumed by CAS.
// It is either a NativeToken or a SnapshotToken.
type Token interface {
	isToken()
}

// NativeToken is an identifier only meaningful to the Store that issued it.
type NativeToken struct {
	ID string
}

// SnapshotToken carries the value as it was observed. A CAS holding it succeeds
// only if the stored value is still byte-for-byte identical.
type SnapshotToken struct {
	Value []byte
}

func (NativeToken) isToken()   {}
func (SnapshotToken) isToken() {}

// Snapshot returns a SnapshotToken holding a private copy of v.
func Snapshot(v []byte) SnapshotToken {
	return SnapshotToken{Value: Clone(v)}
}

// Clone copies v. A nil or empty input yields an empty, non-nil slice so that
// stored empty values stay distinguishable from misses.
func Clone(v []byte) []byte {
	out := make([]byte, len(v))
	copy(out, v)
	return out
}
