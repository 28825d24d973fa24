package config

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/casstack"
	"github.com/unkn0wn-root/casstack/storetest"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestEnvAndFlagPrecedence(t *testing.T) {
	t.Setenv("CASSTACK_BACKEND", "redis")
	t.Setenv("CASSTACK_REDIS_ADDRS", "a:6379, b:6379")
	t.Setenv("CASSTACK_STAMPEDE_SLA", "250ms")
	t.Setenv("CASSTACK_SHARDS", "4")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--shards=2"}))

	c, err := Load(fs)
	require.NoError(t, err)
	assert.Equal(t, "redis", c.Backend)
	assert.Equal(t, []string{"a:6379", "b:6379"}, c.RedisAddrs)
	assert.Equal(t, 250*time.Millisecond, c.StampedeSLA)
	assert.Equal(t, 2, c.Shards, "explicit flag wins over env")
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	c := Default()
	c.Backend = "redis"
	c.Shards = 0
	c.Log = "syslog"
	err := c.Validate()
	require.Error(t, err)
	for _, want := range []string{"redis-addrs", "shards", "syslog"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestBuildFullStackConforms(t *testing.T) {
	storetest.Run(t, "MemoryStack", func(t *testing.T) casstack.Store {
		c := Default()
		c.Shards = 3
		c.Buffered = true
		c.Transactional = true
		c.Metrics = true
		st, err := Build(context.Background(), c)
		require.NoError(t, err)
		t.Cleanup(func() { require.NoError(t, st.Close(context.Background())) })
		require.NotNil(t, st.Tx)
		return st.Store
	})
}

func TestBuildShardedBBolt(t *testing.T) {
	dir := t.TempDir()
	c := Default()
	c.Backend = "bbolt"
	c.BBoltPath = filepath.Join(dir, "a.db") + "," + filepath.Join(dir, "b.db")
	c.Log = "slog"
	c.Metrics = true

	ctx := context.Background()
	st, err := Build(ctx, c)
	require.NoError(t, err)
	defer st.Close(ctx)

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		ok, err := st.Store.Set(ctx, k, []byte(k), casstack.Never)
		require.NoError(t, err)
		require.True(t, ok)
	}
	got, err := st.Store.GetMulti(ctx, []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)
	assert.Len(t, got, 5)

	var buf bytes.Buffer
	assert.True(t, st.WriteMetrics(&buf))
}

func TestBuildStampedeLayer(t *testing.T) {
	c := Default()
	c.Backend = "ristretto"
	c.StampedeSLA = 50 * time.Millisecond
	c.StampedeAttempts = 2
	ctx := context.Background()
	st, err := Build(ctx, c)
	require.NoError(t, err)
	defer st.Close(ctx)

	_, ok, err := st.Store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = st.Store.Set(ctx, "k.stampede", []byte("x"), casstack.Never)
	assert.Error(t, err, "reserved suffix must be rejected by the stampede layer")
}

func TestSessionsHaveTheirOwnBuffer(t *testing.T) {
	c := Default()
	c.Buffered = true
	ctx := context.Background()
	st, err := Build(ctx, c)
	require.NoError(t, err)
	defer st.Close(ctx)

	a, err := st.Session()
	require.NoError(t, err)
	_, err = a.Store.Set(ctx, "k", []byte("v1"), casstack.Never)
	require.NoError(t, err)

	b, err := st.Session()
	require.NoError(t, err)
	it, ok, err := b.Store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", string(it.Value), "sessions share the backends")

	_, err = b.Store.Set(ctx, "k", []byte("v2"), casstack.Never)
	require.NoError(t, err)
	it, _, _ = a.Store.Get(ctx, "k")
	assert.Equal(t, "v1", string(it.Value), "a session keeps serving what it buffered")

	fresh, err := st.Session()
	require.NoError(t, err)
	it, _, _ = fresh.Store.Get(ctx, "k")
	assert.Equal(t, "v2", string(it.Value))
	assert.NoError(t, fresh.Close())
}

func TestSessionTransactionsAreIndependent(t *testing.T) {
	c := Default()
	c.Transactional = true
	ctx := context.Background()
	st, err := Build(ctx, c)
	require.NoError(t, err)
	defer st.Close(ctx)

	a, err := st.Session()
	require.NoError(t, err)
	b, err := st.Session()
	require.NoError(t, err)

	a.Tx.Begin()
	_, err = a.Store.Set(ctx, "k", []byte("v"), casstack.Never)
	require.NoError(t, err)
	assert.Equal(t, 0, b.Tx.Depth())
	_, ok, err := b.Store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "uncommitted write leaked into another session")

	require.NoError(t, a.Tx.Commit(ctx))
	_, ok, _ = b.Store.Get(ctx, "k")
	assert.True(t, ok)
}

func TestHookSinksThroughQueue(t *testing.T) {
	c := Default()
	c.Buffered = true
	c.Metrics = true
	c.HookLog = true
	c.HookQueue = 16
	ctx := context.Background()
	st, err := Build(ctx, c)
	require.NoError(t, err)

	_, err = st.Store.Set(ctx, "k", []byte("v"), casstack.Never)
	require.NoError(t, err)
	s, err := st.Session()
	require.NoError(t, err)
	ok, err := s.Store.Add(ctx, "k", []byte("w"), casstack.Never)
	require.NoError(t, err)
	require.False(t, ok)

	// Close drains the queue before returning
	require.NoError(t, st.Close(ctx))
	var buf bytes.Buffer
	require.True(t, st.WriteMetrics(&buf))
	assert.Contains(t, buf.String(), `casstack_buffer_evictions_total{reason="rejected"} 1`)
}

func TestLoadHookSettings(t *testing.T) {
	t.Setenv("CASSTACK_HOOK_QUEUE", "64")
	t.Setenv("CASSTACK_BUFFER_READ_TTL", "2s")
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--hook-log"}))

	c, err := Load(fs)
	require.NoError(t, err)
	assert.Equal(t, 64, c.HookQueue)
	assert.True(t, c.HookLog)
	assert.Equal(t, 2*time.Second, c.BufferReadTTL)
}
