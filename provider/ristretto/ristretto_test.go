package ristretto

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/casstack"
	"github.com/unkn0wn-root/casstack/provider"
	"github.com/unkn0wn-root/casstack/storetest"
)

func newStore(t *testing.T) casstack.Store {
	s, err := Open(Config{NumCounters: 1e4, MaxCost: 1 << 24, BufferItems: 64}, provider.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, "Ristretto", newStore)
}

func TestInvalidConfig(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
