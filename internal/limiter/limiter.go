// Package limiter throttles failed logins per username and client address.
package limiter

import (
	"context"
	"crypto/sha256"
	"time"
)

// Limiter tracks failed logins and places temporary blocks.
// Keys are the normalised username plus a hash of the client IP.
type Limiter interface {
	// Allow reports whether a login may be attempted now and, if not, for how long it stays blocked.
	Allow(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error)
	// Success resets counters after a successful login.
	Success(ctx context.Context, username string, ipHash []byte) error
	// Failure records a failed attempt; may place a temporary block.
	Failure(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error)
}

// HashIP returns the key form of a client IP; raw addresses are never stored.
func HashIP(ip string) []byte {
	h := sha256.Sum256([]byte(ip))
	return h[:]
}
