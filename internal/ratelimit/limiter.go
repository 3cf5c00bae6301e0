package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Config describes one fixed-window quota.
type Config struct {
	Window      time.Duration
	MaxRequests int
}

// Result reports the outcome of a limit check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	// RetryAfter is set only when the request was blocked.
	RetryAfter time.Duration
}

// Limiter gates request volume per caller key within a fixed window. The
// window is lazily reset: the first request after expiry starts a fresh
// count. Bursts at window boundaries are a known, accepted imprecision of
// fixed-window counting.
//
// Two implementations exist: MemoryLimiter for single-instance deployments
// and RedisLimiter when multiple stateless instances must share counters.
type Limiter interface {
	Check(ctx context.Context, key string, cfg Config) (Result, error)
}

// FingerprintKey derives a rate-limit bucket for anonymous callers from the
// connection fingerprint, without storing raw identifying data.
func FingerprintKey(ip, userAgent string) string {
	sum := sha256.Sum256([]byte(ip + "|" + userAgent))
	return "fp:" + hex.EncodeToString(sum[:8])
}

// UserKey derives a rate-limit bucket for the authenticated generation
// endpoint.
func UserKey(userID string) string {
	return "user:" + userID
}
