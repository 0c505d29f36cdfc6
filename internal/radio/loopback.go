package radio

import (
	"context"
	"errors"
	"sync"
)

// Bus is the shared air between Loopback drivers.
type Bus struct { // A
	mu      sync.Mutex
	drivers map[string]*Loopback
}

// NewBus returns an empty Bus.
func NewBus() *Bus { // A
	return &Bus{drivers: make(map[string]*Loopback)}
}

// Loopback is an in-memory Driver. Callbacks are queued on the events
// channel without blocking the caller.
type Loopback struct { // A
	id  string
	bus *Bus

	mu          sync.Mutex
	events      chan<- Event
	powered     bool
	advertising string
	writes      int
	failWrites  error
	closed      bool
}

var _ Driver = (*Loopback)(nil)

// NewLoopback attaches a driver with the radio id id to bus.
func NewLoopback(bus *Bus, id string) *Loopback { // A
	l := &Loopback{id: id, bus: bus}
	bus.mu.Lock()
	bus.drivers[id] = l
	bus.mu.Unlock()
	return l
}

// ID is the radio address of the driver.
func (l *Loopback) ID() string { return l.id }

// Open attaches events. A driver may be opened again after Close; an
// adapter that is already powered reports so straight away.
func (l *Loopback) Open(events chan<- Event) error { // A
	l.mu.Lock()
	if l.events != nil && !l.closed {
		l.mu.Unlock()
		return errors.New("radio: loopback already open")
	}
	l.events = events
	l.closed = false
	powered := l.powered
	l.mu.Unlock()
	if powered {
		l.emit(Event{Kind: EventPoweredOn})
	}
	return nil
}

// PowerOn simulates the adapter reporting powered on.
func (l *Loopback) PowerOn() { // A
	l.mu.Lock()
	l.powered = true
	l.mu.Unlock()
	l.emit(Event{Kind: EventPoweredOn})
}

// PowerOff simulates the adapter going away.
func (l *Loopback) PowerOff() { // A
	l.mu.Lock()
	l.powered = false
	l.advertising = ""
	l.mu.Unlock()
	l.emit(Event{Kind: EventPoweredOff})
}

// FailWrites makes every following Write return err. Nil clears it.
func (l *Loopback) FailWrites(err error) { // A
	l.mu.Lock()
	l.failWrites = err
	l.mu.Unlock()
}

// Advertising returns the local name currently advertised.
func (l *Loopback) Advertising() string { // A
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.advertising
}

// Writes counts successful outgoing writes.
func (l *Loopback) Writes() int { // A
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writes
}

func (l *Loopback) AddService() error { // A
	if !l.isPowered() {
		return ErrRadioOff
	}
	l.emit(Event{Kind: EventServiceAdded})
	return nil
}

// StartAdvertising announces name to every other powered driver and
// reports the advertisers already on the bus back to l.
func (l *Loopback) StartAdvertising(name string) error { // A
	if !l.isPowered() {
		return ErrRadioOff
	}
	l.mu.Lock()
	l.advertising = name
	l.mu.Unlock()
	l.emit(Event{Kind: EventAdvertisingStarted})

	for _, other := range l.bus.others(l.id) {
		if other.isPowered() {
			other.emit(Event{Kind: EventDiscovered, Peer: l.id, LocalName: name})
		}
		if adv := other.Advertising(); adv != "" {
			l.emit(Event{Kind: EventDiscovered, Peer: other.id, LocalName: adv})
		}
	}
	return nil
}

func (l *Loopback) StopAdvertising() error { // A
	l.mu.Lock()
	l.advertising = ""
	l.mu.Unlock()
	return nil
}

func (l *Loopback) Write(ctx context.Context, peer string, data []byte) error { // A
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	failure, powered := l.failWrites, l.powered && !l.closed
	l.mu.Unlock()
	if failure != nil {
		return failure
	}
	if !powered {
		return ErrRadioOff
	}

	l.bus.mu.Lock()
	target, ok := l.bus.drivers[peer]
	l.bus.mu.Unlock()
	if !ok || peer == l.id || !target.isPowered() {
		return ErrPeerUnreachable
	}

	target.emit(Event{Kind: EventWrite, Peer: l.id, Data: append([]byte(nil), data...)})
	l.mu.Lock()
	l.writes++
	l.mu.Unlock()
	return nil
}

// Close detaches the driver. The simulated adapter keeps its power state.
func (l *Loopback) Close() error { // A
	l.mu.Lock()
	l.closed = true
	l.advertising = ""
	l.mu.Unlock()
	return nil
}

func (l *Loopback) isPowered() bool { // A
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.powered && !l.closed
}

func (l *Loopback) emit(ev Event) { // A
	l.mu.Lock()
	ch, closed := l.events, l.closed
	l.mu.Unlock()
	if ch == nil || closed {
		return
	}
	select {
	case ch <- ev:
	default:
		// Backlog full: the callback is lost, as on a real adapter.
	}
}

func (b *Bus) others(id string) []*Loopback { // A
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Loopback, 0, len(b.drivers))
	for k, d := range b.drivers {
		if k != id {
			out = append(out, d)
		}
	}
	return out
}
