package casstack

import "time"

// Expire encodes an expiration in seconds, memcached style:
//
//	0                 never expires
//	0 < e < 30 days   relative offset from now
//	e >= 30 days      absolute Unix timestamp
//	e < 0             already expired
//
// Layers normalize to absolute timestamps with Normalize before delegating,
// which nested Stores read back unchanged.
type Expire int64

const (
	// Never marks an entry as permanent.
	Never Expire = 0

	// RelativeLimit is the largest relative offset, in seconds. Larger values are
	// Unix timestamps.
	RelativeLimit = 30 * 24 * 60 * 60
)

// In returns an expiration d from now, rounded up to whole seconds.
// Non-positive durations produce an already expired value.
func In(d time.Duration) Expire {
	if d <= 0 {
		return Expire(-1)
	}
	secs := int64((d + time.Second - 1) / time.Second)
	if secs >= RelativeLimit {
		return Expire(time.Now().Unix() + secs)
	}
	return Expire(secs)
}

// At returns an absolute expiration. The zero time means Never.
func At(t time.Time) Expire {
	if t.IsZero() {
		return Never
	}
	u := t.Unix()
	if u < RelativeLimit {
		return Expire(-1)
	}
	return Expire(u)
}

// Absolute returns the Unix timestamp at which the entry expires, or 0 for Never.
func (e Expire) Absolute(now time.Time) int64 {
	switch {
	case e == Never:
		return 0
	case e < 0:
		return now.Unix() - 1
	case e < RelativeLimit:
		return now.Unix() + int64(e)
	default:
		return int64(e)
	}
}

// Normalize converts e to its absolute form.
func (e Expire) Normalize(now time.Time) Expire {
	return Expire(e.Absolute(now))
}

// Expired reports whether an entry written now with e is already gone.
func (e Expire) Expired(now time.Time) bool {
	return ExpiredAt(e.Absolute(now), now)
}

// TTL returns the remaining lifetime. ok is false for permanent entries.
// Already expired entries report a zero duration with ok=true.
func (e Expire) TTL(now time.Time) (ttl time.Duration, ok bool) {
	abs := e.Absolute(now)
	if abs == 0 {
		return 0, false
	}
	ttl = time.Unix(abs, 0).Sub(now)
	if ttl < 0 {
		ttl = 0
	}
	return ttl, true
}

// ExpiredAt reports whether an absolute expiration has passed.
func ExpiredAt(abs int64, now time.Time) bool {
	return abs != 0 && abs <= now.Unix()
}
