package casstack

import (
	"math"
	"strconv"
)

// ParseCounter reads a value written by FormatCounter. Anything that is not a
// non-negative base-10 integer is rejected.
func ParseCounter(v []byte) (int64, bool) {
	n, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// FormatCounter encodes n the way every Store stores counters.
func FormatCounter(n int64) []byte {
	return strconv.AppendInt(nil, n, 10)
}

// ValidCounterArgs reports whether an increment/decrement call is well formed.
func ValidCounterArgs(offset, initial int64) bool {
	return offset >= 0 && initial >= 0
}

// ApplyDelta adds a signed delta to cur, clamping at 0 and saturating at MaxInt64.
func ApplyDelta(cur, delta int64) int64 {
	if delta > 0 && cur > math.MaxInt64-delta {
		return math.MaxInt64
	}
	n := cur + delta
	if n < 0 {
		return 0
	}
	return n
}

// Delta returns the signed offset of an increment (up) or decrement.
func Delta(offset int64, up bool) int64 {
	if up {
		return offset
	}
	return -offset
}
