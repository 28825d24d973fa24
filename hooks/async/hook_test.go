package asynchook

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/unkn0wn-root/casstack"
)

type counting struct {
	casstack.NopHooks
	mu      sync.Mutex
	evicted []string
	block   chan struct{}
}

func (c *counting) BufferEvicted(k, _ string) {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	c.evicted = append(c.evicted, k)
	c.mu.Unlock()
}

func TestDeliversBeforeClose(t *testing.T) {
	inner := &counting{}
	h := New(inner, 2, 16)
	for i := 0; i < 10; i++ {
		h.BufferEvicted("k", "error")
	}
	h.Close()
	assert.Len(t, inner.evicted, 10)
	assert.Zero(t, h.Dropped())
}

func TestDropsWhenFullAndAfterClose(t *testing.T) {
	inner := &counting{block: make(chan struct{})}
	h := New(inner, 1, 1)

	// one event is held by the worker, one sits in the queue, the rest drop
	for i := 0; i < 5; i++ {
		h.BufferEvicted("k", "error")
	}
	close(inner.block)
	h.Close()
	h.ShardFailed(0, "get", nil)

	assert.GreaterOrEqual(t, h.Dropped(), uint64(4))
	assert.LessOrEqual(t, len(inner.evicted), 2)
}
