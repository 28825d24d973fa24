package genstore

import (
	"context"
	"sync"
)

// Local keeps generations in-process (default).
type Local struct {
	mu   sync.RWMutex
	gens map[string]uint64
}

var _ GenStore = (*Local)(nil)

func NewLocal() *Local {
	return &Local{gens: make(map[string]uint64)}
}

func (s *Local) Snapshot(_ context.Context, ns string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gens[ns], nil
}

// SnapshotMany acquires the read lock once and reads all requested namespaces.
func (s *Local) SnapshotMany(_ context.Context, ns []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(ns))
	s.mu.RLock()
	for _, n := range ns {
		out[n] = s.gens[n]
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *Local) Bump(_ context.Context, ns string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gens[ns]++
	return s.gens[ns], nil
}

func (s *Local) Close(context.Context) error { return nil }
