package provider

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/casstack"
	"github.com/unkn0wn-root/casstack/genstore"
	"github.com/unkn0wn-root/casstack/storetest"
)

// mapProvider is a Provider without Reset, so flushes go through generations.
type mapProvider struct {
	mu   sync.Mutex
	m    map[string][]byte
	ttls map[string]time.Duration
}

func newMapProvider() *mapProvider {
	return &mapProvider{m: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (p *mapProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.m[key]
	return b, ok, nil
}

func (p *mapProvider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[key] = append([]byte(nil), value...)
	p.ttls[key] = ttl
	return true, nil
}

func (p *mapProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, key)
	return nil
}

func (p *mapProvider) Close(context.Context) error { return nil }

type resettable struct{ *mapProvider }

func (r resettable) Reset(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m = map[string][]byte{}
	return nil
}

func TestConformance(t *testing.T) {
	storetest.Run(t, "Generations", func(*testing.T) casstack.Store {
		return NewStore(newMapProvider(), Options{Prefix: "app:"})
	})
	storetest.Run(t, "Resetter", func(*testing.T) casstack.Store {
		return NewStore(resettable{newMapProvider()}, Options{})
	})
}

func TestCorruptEntryIsDroppedAsMiss(t *testing.T) {
	p := newMapProvider()
	s := NewStore(p, Options{})
	ctx := context.Background()

	phys := s.space.GenKey([]uint64{0}, "k")
	_, _ = p.Set(ctx, phys, []byte("not a frame"), 0, 0)

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	_, still, _ := p.Get(ctx, phys)
	assert.False(t, still, "corrupt entry should be deleted")

	ok, err = s.Add(ctx, "k", []byte("v"), casstack.Never)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFramedExpirationIsExact(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := newMapProvider()
	s := NewStore(p, Options{Now: func() time.Time { return now }})
	ctx := context.Background()

	ok, err := s.Set(ctx, "k", []byte("v"), 5)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, p.ttls[s.space.GenKey([]uint64{0}, "k")])

	now = now.Add(5 * time.Second)
	_, ok, _ = s.Get(ctx, "k")
	assert.False(t, ok, "provider still holds the bytes but the frame has expired")
}

func TestCollectionFlushBumpsGeneration(t *testing.T) {
	p := newMapProvider()
	s := NewStore(p, Options{})
	ctx := context.Background()

	c := s.Collection("users")
	_, _ = c.Set(ctx, "k", []byte("c"), casstack.Never)
	_, _ = s.Set(ctx, "k", []byte("root"), casstack.Never)

	ok, err := c.Flush(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = c.Get(ctx, "k")
	assert.False(t, ok)
	it, ok, _ := s.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "root", string(it.Value))

	ok, _ = c.Add(ctx, "k", []byte("again"), casstack.Never)
	assert.True(t, ok, "flushed collection must accept new writes")
}

func TestSharedGenerationsPropagateFlush(t *testing.T) {
	gens := genstore.NewLocal()
	p := newMapProvider()
	ctx := context.Background()
	a := NewStore(p, Options{Gens: gens})
	b := NewStore(p, Options{Gens: gens})

	_, _ = a.Collection("users").Set(ctx, "k", []byte("v"), casstack.Never)
	_, ok, _ := b.Collection("users").Get(ctx, "k")
	require.True(t, ok)

	_, err := a.Collection("users").Flush(ctx)
	require.NoError(t, err)
	_, ok, _ = b.Collection("users").Get(ctx, "k")
	assert.False(t, ok, "flush through one store must be seen by another sharing generations")
}
