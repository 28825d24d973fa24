// Package casstack defines a backend-agnostic key-value Store contract and the
// shared vocabulary (tokens, expirations, counters, logging, hooks) used by the
// layers built on top of it.
//
// Layers (each is itself a Store, so they compose):
//   - buffered:    session-local read cache with write-through and CAS token re-resolution.
//   - transaction: deferred writes with folding, risk-ordered commit and rollback; nestable.
//   - shard:       deterministic key routing across several Stores.
//   - stampede:    sentinel-based protection against concurrent recomputation on misses.
//
// Backends live under provider/ (memory, redis, bbolt, ristretto, bigcache, dynamodb).
//
// Expirations use the memcached encoding (see Expire). Soft failures are ok=false with
// a nil error; errors are reserved for infrastructure failures.
//
// Typical stack:
//
//	s, err := shard.New([]casstack.Store{redisA, redisB}, shard.Options{})
//	if err != nil {
//	    return err
//	}
//	ts, err := transaction.NewStore(s, transaction.Options{})
//	if err != nil {
//	    return err
//	}
//	ts.Begin()
//	_, _ = ts.Set(ctx, "a", []byte("1"), casstack.Never)
//	_, _ = ts.Increment(ctx, "hits", 1, 1, casstack.Never)
//	if err := ts.Commit(ctx); err != nil {
//	    // nothing from this transaction is visible in s
//	}
package casstack
