package bbolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/casstack"
	"github.com/unkn0wn-root/casstack/storetest"
)

func tempPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "bbolt-"+uuid.NewString()+".db")
}

func newStore(t *testing.T) casstack.Store {
	s, err := Open(tempPath(t), Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, "BBolt", newStore)
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := tempPath(t)
	ctx := context.Background()

	s, err := Open(path, Options{})
	require.NoError(t, err)
	_, err = s.Collection("users").Set(ctx, "k", []byte("v"), casstack.Never)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, Options{})
	require.NoError(t, err)
	defer s.Close()
	it, ok, err := s.Collection("users").Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", string(it.Value))
}

func TestCollectionNameDoesNotShadowItems(t *testing.T) {
	s := newStore(t).(*Store)
	ctx := context.Background()

	_, _ = s.Set(ctx, "users", []byte("item"), casstack.Never)
	_, _ = s.Collection("users").Set(ctx, "k", []byte("child"), casstack.Never)

	it, ok, _ := s.Get(ctx, "users")
	require.True(t, ok)
	assert.Equal(t, "item", string(it.Value))
}

func TestReadsDoNotCreateBuckets(t *testing.T) {
	s := newStore(t).(*Store)
	ctx := context.Background()

	_, ok, err := s.Collection("never").Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.Collection("never").Flush(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}
