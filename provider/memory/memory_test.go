package memory

import (
	"context"
	"testing"
	"time"

	"github.com/unkn0wn-root/casstack"
	"github.com/unkn0wn-root/casstack/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, "Memory", func(*testing.T) casstack.Store {
		return New(Options{})
	})
}

func TestRelativeExpirationFollowsClock(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := New(Options{Now: func() time.Time { return now }})
	ctx := context.Background()

	if ok, _ := s.Set(ctx, "k", []byte("v"), 10); !ok {
		t.Fatalf("Set failed")
	}
	now = now.Add(9 * time.Second)
	if _, ok, _ := s.Get(ctx, "k"); !ok {
		t.Fatalf("expired too early")
	}
	now = now.Add(time.Second)
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatalf("still visible at expiration")
	}
	if ok, _ := s.Replace(ctx, "k", []byte("v2"), casstack.Never); ok {
		t.Fatalf("Replace succeeded on expired key")
	}
}

func TestNativeTokenRejected(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	_, _ = s.Set(ctx, "k", []byte("v"), casstack.Never)
	ok, err := s.CAS(ctx, casstack.NativeToken{ID: "nope"}, "k", []byte("x"), casstack.Never)
	if err != nil || ok {
		t.Fatalf("CAS with foreign token = %v, %v", ok, err)
	}
}
