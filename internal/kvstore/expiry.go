package kvstore

import (
	"math"
	"time"
)

// MaxExpirySeconds is the longest relative expiry a backend stores. Longer
// expiries are clamped so the deadline fits a time.Duration and a Redis
// millisecond timestamp.
const MaxExpirySeconds = math.MaxInt64 / int64(time.Second)

func clampExpiry(expiry int64) int64 {
	return min(expiry, MaxExpirySeconds)
}

// expiresAtUnixSeconds returns the absolute deadline for a positive expiry.
func expiresAtUnixSeconds(now time.Time, expiry int64) int64 {
	return now.Unix() + clampExpiry(expiry)
}
