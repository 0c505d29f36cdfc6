package securechannel

import (
	"sync"
	"time"
)

// Clock abstracts time for testability.
type Clock interface { // A
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = wallClock{}

// NonceCache remembers the nonces of recently accepted packets so a
// captured packet cannot be replayed while it is still inside the
// freshness window. Each nonce is kept until its deadline; the table is
// swept at most once per ttl.
type NonceCache struct { // A
	mu        sync.Mutex
	deadlines map[[NonceSize]byte]time.Time
	ttl       time.Duration
	nextSweep time.Time
	clock     Clock
}

// NewNonceCache returns a cache that forgets a nonce ttl after it was
// recorded. A nil clock uses SystemClock.
func NewNonceCache(ttl time.Duration, clock Clock) *NonceCache { // A
	if clock == nil {
		clock = SystemClock
	}
	return &NonceCache{
		deadlines: make(map[[NonceSize]byte]time.Time),
		ttl:       ttl,
		clock:     clock,
	}
}

// Record reports whether nonce is fresh, and remembers it if so.
func (nc *NonceCache) Record(nonce [NonceSize]byte) bool { // A
	now := nc.clock.Now()
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if !now.Before(nc.nextSweep) {
		nc.sweep(now)
	}
	if deadline, ok := nc.deadlines[nonce]; ok && now.Before(deadline) {
		return false
	}
	nc.deadlines[nonce] = now.Add(nc.ttl)
	return true
}

// Len returns the number of nonces still remembered.
func (nc *NonceCache) Len() int { // A
	now := nc.clock.Now()
	nc.mu.Lock()
	defer nc.mu.Unlock()
	nc.sweep(now)
	return len(nc.deadlines)
}

func (nc *NonceCache) sweep(now time.Time) { // A
	for k, deadline := range nc.deadlines {
		if !now.Before(deadline) {
			delete(nc.deadlines, k)
		}
	}
	nc.nextSweep = now.Add(nc.ttl)
}
