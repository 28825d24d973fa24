package redis

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/casstack"
	"github.com/unkn0wn-root/casstack/storetest"
)

// Integration tests run against CASSTACK_REDIS_ADDR (e.g. localhost:6379).
func client(t *testing.T) goredis.UniversalClient {
	addr := os.Getenv("CASSTACK_REDIS_ADDR")
	if addr == "" {
		t.Skip("CASSTACK_REDIS_ADDR not set")
	}
	c := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Ping(context.Background()).Err())
	return c
}

func newStore(t *testing.T) casstack.Store {
	s, err := New(Config{Client: client(t), Prefix: "casstack-test:" + uuid.NewString() + ":"})
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = s.Flush(context.Background()) })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, "Redis", newStore)
}

func TestNilClient(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, ErrNilClient)
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `a\*b\?c\[d\]e\\f`, escapeGlob(`a*b?c[d]e\f`))
	assert.Equal(t, "plain:", escapeGlob("plain:"))
}

func TestFlushLeavesOtherPrefixes(t *testing.T) {
	c := client(t)
	ctx := context.Background()
	a, _ := New(Config{Client: c, Prefix: "casstack-test:" + uuid.NewString() + ":a*"})
	b, _ := New(Config{Client: c, Prefix: "casstack-test:" + uuid.NewString() + ":b"})
	t.Cleanup(func() { _, _ = b.Flush(ctx) })

	_, _ = a.Set(ctx, "k", []byte("1"), casstack.Never)
	_, _ = b.Set(ctx, "k", []byte("2"), casstack.Never)
	ok, err := a.Flush(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = a.Get(ctx, "k")
	assert.False(t, ok)
	_, ok, _ = b.Get(ctx, "k")
	assert.True(t, ok)
}

func TestTouchNeverPersists(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, _ = s.Set(ctx, "k", []byte("v"), 60)

	ok, err := s.Touch(ctx, "k", casstack.Never)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Touch(ctx, "k", casstack.Never)
	require.NoError(t, err)
	assert.True(t, ok, "touching a key without TTL still reports it present")
}
