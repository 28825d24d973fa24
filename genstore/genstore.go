// Package genstore keeps namespace generations for provider.Store.
//
// Flushing a collection on a provider without prefix deletion bumps the
// generation of that namespace; every physical key embeds the generations of
// its namespace levels, so earlier entries become unreachable. Use Local for a
// single process, or Redis when several processes front the same data with
// their own caches and must observe each other's flushes.
//
// Generations are never pruned: a generation falling back to an earlier value
// would make flushed entries reachable again.
package genstore

import "context"

type GenStore interface {
	// Snapshot returns the current generation; missing => 0.
	Snapshot(ctx context.Context, ns string) (uint64, error)
	// SnapshotMany returns gens for many namespaces; missing => 0.
	SnapshotMany(ctx context.Context, ns []string) (map[string]uint64, error)
	// Bump atomically increments and returns the new generation.
	Bump(ctx context.Context, ns string) (uint64, error)
	// Close releases resources (no-op ok).
	Close(context.Context) error
}
