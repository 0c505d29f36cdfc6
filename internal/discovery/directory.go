package discovery

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/i5heu/clipring/pkg/events"
)

const (
	logKeyDevice  = "deviceID"
	logKeyName    = "name"
	logKeyAddress = "address"
	logKeyReason  = "reason"
	logKeyError   = "error"
	logKeyRound   = "round"
	logKeyCount   = "count"

	subscriberBacklog = 8
)

// PeerRecord is one reachable ring member.
type PeerRecord struct { // A
	DeviceID    string
	DisplayName string
	Address     string
	LastSeen    time.Time
}

// DirectoryConfig configures a Directory.
type DirectoryConfig struct { // A
	// SelfID is the local device id; its own records are ignored.
	SelfID string
	// Token is the local ring discovery token.
	Token string
	// Sink receives the peer list after every change.
	Sink   events.Sink
	Logger *slog.Logger
	Now    func() time.Time
}

// Directory is the concurrent peer table, keyed by device id. Every
// membership or address change is published to subscribers and to the
// event sink; a refresh that changes nothing only bumps LastSeen.
type Directory struct { // A
	mu    sync.RWMutex
	peers map[string]*PeerRecord

	// pubMu orders publishes so the newest list is delivered last.
	pubMu sync.Mutex

	subMu   sync.Mutex
	subs    map[int]chan []PeerRecord
	nextSub int

	self  string
	token string
	sink  events.Sink
	log   *slog.Logger
	now   func() time.Time
}

// NewDirectory creates an empty Directory.
func NewDirectory(cfg DirectoryConfig) *Directory { // A
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Directory{
		peers: make(map[string]*PeerRecord),
		subs:  make(map[int]chan []PeerRecord),
		self:  cfg.SelfID,
		token: cfg.Token,
		sink:  events.OrNop(cfg.Sink),
		log:   logger,
		now:   now,
	}
}

// Resolve applies one Presence and reports whether the table changed.
func (d *Directory) Resolve(p Presence) bool { // A
	if p.Removed {
		id := p.DeviceID
		if parsed, ok := DeviceIDFromInstance(p.Instance); ok {
			id = parsed
		}
		return d.remove(id, "withdrawn")
	}
	if p.DeviceID == d.self || p.Instance == InstanceName(d.self) {
		return false
	}
	if p.Token != d.token {
		return false
	}
	addr, ok := SelectAddress(p.IPv4, p.IPv6, p.Port)
	if !ok {
		return false
	}
	return d.Upsert(PeerRecord{
		DeviceID:    p.DeviceID,
		DisplayName: p.DisplayName,
		Address:     addr,
	})
}

// Upsert inserts or updates a peer. LastSeen is always refreshed; the
// change is only published when address or name differ.
func (d *Directory) Upsert(rec PeerRecord) bool { // A
	rec.LastSeen = d.now()

	d.mu.Lock()
	existing, ok := d.peers[rec.DeviceID]
	if ok && existing.Address == rec.Address && existing.DisplayName == rec.DisplayName {
		existing.LastSeen = rec.LastSeen
		d.mu.Unlock()
		return false
	}
	cp := rec
	d.peers[rec.DeviceID] = &cp
	d.mu.Unlock()

	if ok {
		d.log.Info("peer updated",
			logKeyDevice, rec.DeviceID,
			logKeyName, rec.DisplayName,
			logKeyAddress, rec.Address)
	} else {
		d.log.Info("peer added",
			logKeyDevice, rec.DeviceID,
			logKeyName, rec.DisplayName,
			logKeyAddress, rec.Address)
	}
	d.publish()
	return true
}

// Remove deletes a peer by id.
func (d *Directory) Remove(deviceID string) bool { // A
	return d.remove(deviceID, "removed")
}

// ReportSendFailure removes deviceID only if it is still registered at
// addr. A peer that moved since the failed send keeps its new entry.
func (d *Directory) ReportSendFailure(deviceID, addr string) bool { // A
	d.mu.Lock()
	rec, ok := d.peers[deviceID]
	if !ok || rec.Address != addr {
		d.mu.Unlock()
		return false
	}
	delete(d.peers, deviceID)
	d.mu.Unlock()

	d.log.Info("peer removed",
		logKeyDevice, deviceID,
		logKeyAddress, addr,
		logKeyReason, "send failed")
	d.publish()
	return true
}

// Sweep removes peers not seen for longer than maxAge and returns how
// many were dropped.
func (d *Directory) Sweep(maxAge time.Duration) int { // A
	cutoff := d.now().Add(-maxAge)
	var removed []string

	d.mu.Lock()
	for id, rec := range d.peers {
		if rec.LastSeen.Before(cutoff) {
			delete(d.peers, id)
			removed = append(removed, id)
		}
	}
	d.mu.Unlock()

	if len(removed) == 0 {
		return 0
	}
	for _, id := range removed {
		d.log.Info("peer removed",
			logKeyDevice, id,
			logKeyReason, "stale")
	}
	d.publish()
	return len(removed)
}

// Clear empties the table.
func (d *Directory) Clear() { // A
	d.mu.Lock()
	n := len(d.peers)
	d.peers = make(map[string]*PeerRecord)
	d.mu.Unlock()
	if n > 0 {
		d.publish()
	}
}

// Get returns the record of deviceID.
func (d *Directory) Get(deviceID string) (PeerRecord, bool) { // A
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.peers[deviceID]
	if !ok {
		return PeerRecord{}, false
	}
	return *rec, true
}

// Len returns the number of peers.
func (d *Directory) Len() int { // A
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

// Snapshot returns every peer, ordered by device id.
func (d *Directory) Snapshot() []PeerRecord { // A
	d.mu.RLock()
	out := make([]PeerRecord, 0, len(d.peers))
	for _, rec := range d.peers {
		out = append(out, *rec)
	}
	d.mu.RUnlock()
	slices.SortFunc(out, func(a, b PeerRecord) int {
		return strings.Compare(a.DeviceID, b.DeviceID)
	})
	return out
}

// Subscribe returns a channel receiving the full peer list after each
// change. Slow subscribers only ever see the latest list.
func (d *Directory) Subscribe() (<-chan []PeerRecord, func()) { // A
	ch := make(chan []PeerRecord, subscriberBacklog)
	d.subMu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = ch
	d.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.subMu.Lock()
			delete(d.subs, id)
			d.subMu.Unlock()
			close(ch)
		})
	}
}

func (d *Directory) remove(deviceID, reason string) bool { // A
	d.mu.Lock()
	_, ok := d.peers[deviceID]
	delete(d.peers, deviceID)
	d.mu.Unlock()
	if !ok {
		return false
	}
	d.log.Info("peer removed",
		logKeyDevice, deviceID,
		logKeyReason, reason)
	d.publish()
	return true
}

func (d *Directory) publish() { // A
	d.pubMu.Lock()
	defer d.pubMu.Unlock()
	snap := d.Snapshot()

	d.subMu.Lock()
	for _, ch := range d.subs {
		select {
		case ch <- snap:
		default:
			// Replace the oldest pending list with the newest one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
	d.subMu.Unlock()

	peers := make([]events.PeerSnapshot, len(snap))
	for i, rec := range snap {
		peers[i] = events.PeerSnapshot{
			DeviceID:    rec.DeviceID,
			DisplayName: rec.DisplayName,
			Address:     rec.Address,
			LastSeen:    rec.LastSeen,
		}
	}
	d.sink.PeersUpdated(peers)
}

// sweepLoop runs Sweep every interval until ctx is done.
func (d *Directory) sweepLoop(ctx context.Context, interval, maxAge time.Duration) { // A
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := d.Sweep(maxAge); n > 0 {
				d.log.DebugContext(ctx, "swept stale peers", logKeyCount, n)
			}
		}
	}
}
