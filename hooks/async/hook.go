// Package asynchook moves hook delivery off the caller's goroutine.
//
// usage:
//
//	raw := sloghook.New(slog.Default(), sloghook.Options{EvictEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	tx, _ := transaction.NewStore(backend, transaction.Options{Hooks: hooks})
//
// Events are dropped when the queue is full; Dropped reports how many.
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/casstack"
)

type Hooks struct {
	inner   casstack.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ casstack.Hooks = (*Hooks)(nil)

func New(inner casstack.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Later events are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) BufferEvicted(k, r string) { h.try(func() { h.inner.BufferEvicted(k, r) }) }
func (h *Hooks) CommitFailed(k, op string, err error) {
	h.try(func() { h.inner.CommitFailed(k, op, err) })
}
func (h *Hooks) RollbackApplied(k string, restored bool) {
	h.try(func() { h.inner.RollbackApplied(k, restored) })
}
func (h *Hooks) StampedeWaited(k string, n int, resolved bool) {
	h.try(func() { h.inner.StampedeWaited(k, n, resolved) })
}
func (h *Hooks) ShardFailed(i int, op string, err error) {
	h.try(func() { h.inner.ShardFailed(i, op, err) })
}
