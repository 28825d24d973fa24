package stampede

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/casstack"
	"github.com/unkn0wn-root/casstack/provider/memory"
	"github.com/unkn0wn-root/casstack/storetest"
)

// countingStore counts GetMulti round-trips.
type countingStore struct {
	casstack.Store
	reads atomic.Int64
}

func (c *countingStore) GetMulti(ctx context.Context, keys []string) (map[string]casstack.Item, error) {
	c.reads.Add(1)
	return c.Store.GetMulti(ctx, keys)
}

type waitHooks struct {
	casstack.NopHooks
	mu       sync.Mutex
	resolved int
	gaveUp   int
	maxTries int
}

func (h *waitHooks) StampedeWaited(_ string, attempts int, resolved bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if resolved {
		h.resolved++
	} else {
		h.gaveUp++
	}
	if attempts > h.maxTries {
		h.maxTries = attempts
	}
}

func TestConformance(t *testing.T) {
	storetest.Run(t, "Protector", func(t *testing.T) casstack.Store {
		p, err := New(memory.New(memory.Options{}), Options{SLA: 20 * time.Millisecond, Attempts: 2})
		require.NoError(t, err)
		return p
	})
}

func TestSingleFlight(t *testing.T) {
	const callers = 20
	ctx := context.Background()
	hooks := &waitHooks{}
	p, err := New(memory.New(memory.Options{}), Options{SLA: time.Second, Attempts: 10, Hooks: hooks})
	require.NoError(t, err)

	var computes atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	values := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			it, ok, err := p.Get(ctx, "report")
			if !assert.NoError(t, err) {
				return
			}
			if !ok {
				computes.Add(1)
				time.Sleep(20 * time.Millisecond)
				_, err := p.Set(ctx, "report", []byte("done"), casstack.Never)
				assert.NoError(t, err)
				values[i] = "done"
				return
			}
			values[i] = string(it.Value)
		}(i)
	}
	close(start)
	wg.Wait()

	require.EqualValues(t, 1, computes.Load())
	for i, v := range values {
		require.Equal(t, "done", v, "caller %d", i)
	}
	require.Zero(t, hooks.gaveUp)
	require.LessOrEqual(t, hooks.maxTries, 10)
}

func TestWaitIsBounded(t *testing.T) {
	ctx := context.Background()
	backend := &countingStore{Store: memory.New(memory.Options{})}
	hooks := &waitHooks{}
	p, err := New(backend, Options{SLA: 50 * time.Millisecond, Attempts: 5, Hooks: hooks})
	require.NoError(t, err)

	// first caller claims and never fills the key
	_, ok, err := p.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	backend.reads.Store(0)
	began := time.Now()
	_, ok, err = p.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
	require.EqualValues(t, 1+5, backend.reads.Load())
	require.GreaterOrEqual(t, time.Since(began), 50*time.Millisecond)
	require.Equal(t, 1, hooks.gaveUp)
	require.Equal(t, 5, hooks.maxTries)
}

func TestValueWithSentinelShortCircuits(t *testing.T) {
	ctx := context.Background()
	backend := &countingStore{Store: memory.New(memory.Options{})}
	p, err := New(backend, Options{})
	require.NoError(t, err)

	_, _ = backend.Set(ctx, "k", []byte("v"), casstack.Never)
	_, _ = backend.Set(ctx, "k"+Suffix, []byte("1"), casstack.Never)

	it, ok, err := p.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(it.Value))
	require.EqualValues(t, 1, backend.reads.Load())
}

func TestCancelledWait(t *testing.T) {
	backend := memory.New(memory.Options{})
	p, err := New(backend, Options{SLA: 10 * time.Second})
	require.NoError(t, err)
	_, _ = backend.Set(context.Background(), "k"+Suffix, []byte("1"), casstack.Never)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = p.Get(ctx, "k")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReservedSuffix(t *testing.T) {
	ctx := context.Background()
	p, err := New(memory.New(memory.Options{}), Options{})
	require.NoError(t, err)

	_, _, err = p.Get(ctx, "x"+Suffix)
	require.ErrorIs(t, err, ErrReservedKey)
	_, err = p.Set(ctx, "x"+Suffix, []byte("v"), casstack.Never)
	require.ErrorIs(t, err, ErrReservedKey)
	_, err = p.GetMulti(ctx, []string{"ok", "x" + Suffix})
	require.ErrorIs(t, err, ErrReservedKey)
	_, _, err = p.Increment(ctx, "x"+Suffix, 1, 0, casstack.Never)
	require.ErrorIs(t, err, ErrReservedKey)
}

func TestCollectionKeepsParameters(t *testing.T) {
	p, err := New(memory.New(memory.Options{}), Options{SLA: 3 * time.Second, Attempts: 4})
	require.NoError(t, err)
	c := p.Collection("users").(*Protector)
	require.Equal(t, 3*time.Second, c.sla)
	require.Equal(t, 4, c.attempts)
}
