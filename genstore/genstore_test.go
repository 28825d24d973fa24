package genstore

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestLocalSnapshotManyIncludesAllAndZeroForMissing(t *testing.T) {
	ctx := context.Background()
	s := NewLocal()
	t.Cleanup(func() { _ = s.Close(ctx) })

	keys := []string{"a", "b", "c"}
	// bump b twice -> gen=2
	if _, err := s.Bump(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Bump(ctx, "b"); err != nil {
		t.Fatal(err)
	}

	got, err := s.SnapshotMany(ctx, keys)
	if err != nil {
		t.Fatal(err)
	}

	if got["a"] != 0 || got["b"] != 2 || got["c"] != 0 {
		t.Fatalf("got=%v want a=0,b=2,c=0", got)
	}
}

func TestLocalConcurrentBumpsAreCounted(t *testing.T) {
	ctx := context.Background()
	s := NewLocal()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Bump(ctx, "ns")
		}()
	}
	wg.Wait()
	if g, _ := s.Snapshot(ctx, "ns"); g != 50 {
		t.Fatalf("gen=%d want 50", g)
	}
}

func TestRedisBumpIsShared(t *testing.T) {
	addr := os.Getenv("CASSTACK_REDIS_ADDR")
	if addr == "" {
		t.Skip("CASSTACK_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	ns := "test-" + uuid.NewString()
	a, b := NewRedis(rdb, ns), NewRedis(rdb, ns)
	if _, err := a.Bump(ctx, "users"); err != nil {
		t.Fatal(err)
	}
	got, err := b.SnapshotMany(ctx, []string{"users", "other"})
	if err != nil {
		t.Fatal(err)
	}
	if got["users"] != 1 || got["other"] != 0 {
		t.Fatalf("got=%v want users=1 other=0", got)
	}
	t.Cleanup(func() { rdb.Del(ctx, a.key("users")) })
}
