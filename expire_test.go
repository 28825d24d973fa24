package casstack

import (
	"testing"
	"time"
)

func TestExpireAbsolute(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cases := []struct {
		name string
		e    Expire
		want int64
	}{
		{"never", Never, 0},
		{"relative", 10, 1_700_000_010},
		{"largest relative", RelativeLimit - 1, 1_700_000_000 + RelativeLimit - 1},
		{"absolute", RelativeLimit, RelativeLimit},
		{"absolute future", 1_800_000_000, 1_800_000_000},
		{"negative", -5, 1_699_999_999},
	}
	for _, c := range cases {
		if got := c.e.Absolute(now); got != c.want {
			t.Fatalf("%s: Absolute = %d, want %d", c.name, got, c.want)
		}
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	for _, e := range []Expire{Never, 1, 3600, RelativeLimit - 1, 1_800_000_000, -1} {
		n := e.Normalize(now)
		if n.Normalize(now.Add(time.Hour)) != n && n > 0 {
			t.Fatalf("Normalize(%d) = %d is not stable", e, n)
		}
	}
}

func TestExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	if Never.Expired(now) {
		t.Fatalf("Never expired")
	}
	if !Expire(-1).Expired(now) {
		t.Fatalf("negative not expired")
	}
	if !Expire(1_000_000_000).Expired(now) {
		t.Fatalf("past timestamp not expired")
	}
	if Expire(1).Expired(now) {
		t.Fatalf("one second from now already expired")
	}
	if !ExpiredAt(now.Unix(), now) {
		t.Fatalf("entry must be gone at its expiration second")
	}
}

func TestTTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	if _, ok := Never.TTL(now); ok {
		t.Fatalf("Never has a TTL")
	}
	if d, ok := Expire(90).TTL(now); !ok || d != 90*time.Second {
		t.Fatalf("TTL = %v, %v", d, ok)
	}
	if d, ok := Expire(-1).TTL(now); !ok || d != 0 {
		t.Fatalf("expired TTL = %v, %v", d, ok)
	}
}

func TestInAndAt(t *testing.T) {
	if In(0) >= 0 {
		t.Fatalf("In(0) should be expired")
	}
	if In(1500*time.Millisecond) != 2 {
		t.Fatalf("In rounds up to whole seconds")
	}
	if e := In(40 * 24 * time.Hour); e < RelativeLimit {
		t.Fatalf("long durations become absolute, got %d", e)
	}
	if At(time.Time{}) != Never {
		t.Fatalf("zero time should be Never")
	}
	ts := time.Unix(1_800_000_000, 0)
	if At(ts) != 1_800_000_000 {
		t.Fatalf("At = %d", At(ts))
	}
	if At(time.Unix(5, 0)) >= 0 {
		t.Fatalf("timestamps inside the relative range must read as expired")
	}
}
