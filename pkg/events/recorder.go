package events

import (
	"slices"
	"sync"
	"time"
)

const (
	cleanupInterval   = time.Minute
	subscriberBacklog = 64
)

// Kind tells which Sink method produced an Event.
type Kind int // A

const ( // A
	KindLog Kind = iota
	KindPeers
	KindNotify
)

// Event is what subscribers of a Recorder receive.
type Event struct { // A
	Kind         Kind
	Entry        Entry
	Peers        []PeerSnapshot
	Notification Notification
}

// Recorder is an in-memory Sink. It keeps log entries with level based
// retention, remembers the latest peer list and fans every event out to
// subscribers. A UI process can render straight from it.
//
// NewRecorder starts a cleanup goroutine. Call Stop when done.
type Recorder struct { // AC
	mu            sync.RWMutex
	entries       []Entry
	peers         []PeerSnapshot
	notifications []Notification
	subscribers   map[int]chan Event
	nextSub       int

	now    func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRecorder creates a Recorder and starts the TTL cleanup goroutine.
func NewRecorder() *Recorder { // H
	r := &Recorder{
		subscribers: make(map[int]chan Event),
		now:         time.Now,
		stopCh:      make(chan struct{}),
	}
	r.wg.Add(1)
	go r.cleanupLoop()
	return r
}

// Stop terminates the cleanup goroutine and closes every subscriber.
func (r *Recorder) Stop() { // H
	close(r.stopCh)
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.subscribers {
		close(ch)
		delete(r.subscribers, id)
	}
}

// Log stores e. A zero timestamp is set to now.
func (r *Recorder) Log(e Entry) { // AC
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now()
	}
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
	r.publish(Event{Kind: KindLog, Entry: e})
}

// PeersUpdated replaces the remembered peer list.
func (r *Recorder) PeersUpdated(peers []PeerSnapshot) { // A
	cp := slices.Clone(peers)
	r.mu.Lock()
	r.peers = cp
	r.mu.Unlock()
	r.publish(Event{Kind: KindPeers, Peers: slices.Clone(cp)})
}

// Notify records n.
func (r *Recorder) Notify(n Notification) { // A
	r.mu.Lock()
	r.notifications = append(r.notifications, n)
	r.mu.Unlock()
	r.publish(Event{Kind: KindNotify, Notification: n})
}

// Tail returns the most recent limit entries. limit <= 0 returns all.
func (r *Recorder) Tail( // AC
	limit int,
) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, limit)
	copy(out, r.entries[n-limit:])
	return out
}

// Since returns entries at or above level recorded at or after since.
func (r *Recorder) Since( // AC
	level Level,
	since time.Time,
) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Entry
	for i := range r.entries {
		e := &r.entries[i]
		if e.Level >= level && !e.Timestamp.Before(since) {
			out = append(out, *e)
		}
	}
	return out
}

// Peers returns the latest peer list.
func (r *Recorder) Peers() []PeerSnapshot { // A
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.peers)
}

// Notifications returns every notification request seen so far.
func (r *Recorder) Notifications() []Notification { // A
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.notifications)
}

// Subscribe returns a channel of future events and a cancel function.
// A subscriber that falls behind loses events rather than stalling the
// core.
func (r *Recorder) Subscribe() (<-chan Event, func()) { // AC
	ch := make(chan Event, subscriberBacklog)
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subscribers[id] = ch
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if c, ok := r.subscribers[id]; ok {
				close(c)
				delete(r.subscribers, id)
			}
		})
	}
}

func (r *Recorder) publish(ev Event) { // AC
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// cleanupLoop periodically removes expired entries.
func (r *Recorder) cleanupLoop() { // AC
	defer r.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.cleanup()
		}
	}
}

// cleanup removes entries whose TTL has expired.
func (r *Recorder) cleanup() { // AC
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.entries[:0]
	for i := range r.entries {
		if !r.entries[i].isExpired(now) {
			kept = append(kept, r.entries[i])
		}
	}
	r.entries = kept
}
