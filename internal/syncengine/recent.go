package syncengine

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/i5heu/clipring/internal/clipboard"
)

const (
	// DefaultRecentCapacity bounds the recently-seen set.
	DefaultRecentCapacity = 512
	// DefaultRecentTTL is how long a fingerprint stays recent.
	DefaultRecentTTL = 10 * time.Minute
)

// Origin tells where a recent fingerprint came from.
type Origin uint8

const (
	// OriginSent marks content this device broadcast.
	OriginSent Origin = iota + 1
	// OriginReceived marks content a peer delivered and the Listener
	// wrote to the clipboard.
	OriginReceived
)

// RecentSet remembers the fingerprints of content that recently crossed
// the network in either direction. Entries expire after a TTL and the
// least recently used ones are evicted beyond the capacity.
type RecentSet struct { // A
	lru *expirable.LRU[clipboard.Fingerprint, Origin]
}

// NewRecentSet creates a set. Non-positive arguments use the defaults.
func NewRecentSet(capacity int, ttl time.Duration) *RecentSet { // A
	if capacity <= 0 {
		capacity = DefaultRecentCapacity
	}
	if ttl <= 0 {
		ttl = DefaultRecentTTL
	}
	return &RecentSet{lru: expirable.NewLRU[clipboard.Fingerprint, Origin](capacity, nil, ttl)}
}

// Record stores fp with its origin, refreshing its expiry.
func (r *RecentSet) Record(fp clipboard.Fingerprint, o Origin) { // A
	r.lru.Add(fp, o)
}

// Lookup returns the origin of fp if it is recent.
func (r *RecentSet) Lookup(fp clipboard.Fingerprint) (Origin, bool) { // A
	return r.lru.Get(fp)
}

// ConsumeReceived reports whether fp was recently received and, if so,
// forgets it. The Monitor calls this once per change it detects, so a
// value that came from a peer is swallowed exactly once and copying it
// again later is an ordinary local change.
func (r *RecentSet) ConsumeReceived(fp clipboard.Fingerprint) bool { // A
	o, ok := r.lru.Peek(fp)
	if !ok || o != OriginReceived {
		return false
	}
	r.lru.Remove(fp)
	return true
}

// Len returns the number of live entries.
func (r *RecentSet) Len() int { // A
	return r.lru.Len()
}
