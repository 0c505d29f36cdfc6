package radio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/i5heu/clipring/internal/transport"
	"github.com/i5heu/clipring/pkg/envelope"
	"github.com/i5heu/clipring/pkg/identity"
	"github.com/i5heu/clipring/pkg/securechannel"
)

const (
	logKeyState  = "state"
	logKeyEvent  = "event"
	logKeyPeer   = "peer"
	logKeyDevice = "deviceID"
	logKeyName   = "name"
	logKeyType   = "packetType"
	logKeyError  = "error"

	// DefaultRotationCheck is how often the advertised name is compared
	// against the current rotating token.
	DefaultRotationCheck = time.Minute

	eventBacklog = 64
)

// Config configures a radio Transport.
type Config struct { // A
	Identity   *identity.Identity
	DeviceID   string
	DeviceName string
	Driver     Driver
	// Inbound receives envelopes from verified peers. Required.
	Inbound       chan<- transport.Inbound
	RotationCheck time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

// Peer is a device that proved ring membership with a Hello.
type Peer struct { // A
	DeviceID   string
	DeviceName string
	// RadioID is the driver address of the device.
	RadioID  string
	Verified time.Time
}

// Transport implements transport.Transport over a Driver.
type Transport struct { // A
	cfg    Config
	log    *slog.Logger
	events chan Event
	done   chan struct{}

	mu         sync.RWMutex
	state      State
	advertised string
	peers      map[string]Peer
	started    bool
}

var _ transport.Transport = (*Transport)(nil)

// New validates cfg. The transport is idle until Start.
func New(cfg Config) (*Transport, error) { // A
	if cfg.Identity == nil || cfg.Driver == nil {
		return nil, errors.New("radio: transport needs an identity and a driver")
	}
	if cfg.Inbound == nil {
		return nil, errors.New("radio: transport needs an inbound channel")
	}
	if cfg.DeviceID == "" {
		return nil, errors.New("radio: transport needs a device id")
	}
	if cfg.RotationCheck <= 0 {
		cfg.RotationCheck = DefaultRotationCheck
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		cfg:    cfg,
		log:    logger,
		events: make(chan Event, eventBacklog),
		done:   make(chan struct{}),
		peers:  make(map[string]Peer),
	}, nil
}

// Start opens the driver and runs the event loop until ctx is done.
func (t *Transport) Start(ctx context.Context) error { // A
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return errors.New("radio: transport already started")
	}
	t.started = true
	t.mu.Unlock()

	if err := t.cfg.Driver.Open(t.events); err != nil {
		close(t.done)
		return fmt.Errorf("open radio driver: %w", err)
	}
	go t.run(ctx)
	return nil
}

// Wait blocks until the event loop has closed the driver. It returns at
// once when the transport never started.
func (t *Transport) Wait() { // A
	if !t.isStarted() {
		return
	}
	<-t.done
}

// State returns the current lifecycle state.
func (t *Transport) State() State { // A
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// LocalName is the advertised name for time now.
func (t *Transport) LocalName(now time.Time) string { // A
	return LocalNamePrefix + t.cfg.Identity.RotatingToken(now)
}

// Peers returns the verified peers, ordered by device id.
func (t *Transport) Peers() []Peer { // A
	t.mu.RLock()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	t.mu.RUnlock()
	slices.SortFunc(out, func(a, b Peer) int {
		return strings.Compare(a.DeviceID, b.DeviceID)
	})
	return out
}

// Send writes env to peer. peer.Address is the radio id of the device.
func (t *Transport) Send(ctx context.Context, peer transport.Peer, env *envelope.Envelope) error { // A
	if !t.isStarted() {
		return ErrNotStarted
	}
	if t.State() == StateOff {
		return ErrRadioOff
	}
	addr := peer.Address
	if addr == "" {
		p, ok := t.peer(peer.DeviceID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrPeerUnreachable, peer.DeviceID)
		}
		addr = p.RadioID
	}
	if err := t.cfg.Driver.Write(ctx, addr, env.Marshal()); err != nil {
		return fmt.Errorf("radio write to %s: %w", addr, err)
	}
	return nil
}

// Broadcast sends env to every verified peer.
func (t *Transport) Broadcast(ctx context.Context, env *envelope.Envelope) error { // A
	var errs []error
	for _, p := range t.Peers() {
		if err := t.Send(ctx, transport.Peer{DeviceID: p.DeviceID, Address: p.RadioID}, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Transport) run(ctx context.Context) { // A
	ticker := time.NewTicker(t.cfg.RotationCheck)
	defer ticker.Stop()
	defer func() {
		if err := t.cfg.Driver.Close(); err != nil {
			t.log.Warn("close radio driver", logKeyError, err.Error())
		}
		t.setState(StateOff)
		t.clearPeers()
		close(t.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-t.events:
			t.apply(ctx, ev)
		case <-ticker.C:
			t.rotate(ctx)
		}
	}
}

func (t *Transport) apply(ctx context.Context, ev Event) { // A
	prev := t.State()
	next := Transition(prev, ev)
	if next != prev {
		t.setState(next)
		t.log.DebugContext(ctx, "radio state changed",
			logKeyEvent, ev.Kind.String(),
			logKeyState, next.String())
	}

	switch ev.Kind {
	case EventPoweredOn:
		if next == StateOn && prev == StateOff {
			if err := t.cfg.Driver.AddService(); err != nil {
				t.log.WarnContext(ctx, "add radio service", logKeyError, err.Error())
			}
		}
	case EventPoweredOff:
		t.clearPeers()
		t.mu.Lock()
		t.advertised = ""
		t.mu.Unlock()
	case EventServiceAdded:
		if ev.Err != nil {
			t.log.WarnContext(ctx, "radio service registration failed", logKeyError, ev.Err.Error())
			return
		}
		if next == StateServiceRegistered {
			t.advertise(ctx)
		}
	case EventAdvertisingStarted:
		if ev.Err != nil {
			t.log.WarnContext(ctx, "radio advertising failed", logKeyError, ev.Err.Error())
		}
	case EventDiscovered:
		t.discovered(ctx, ev)
	case EventWrite:
		t.received(ctx, ev)
	}
}

func (t *Transport) advertise(ctx context.Context) { // A
	name := t.LocalName(t.cfg.Now())
	if err := t.cfg.Driver.StartAdvertising(name); err != nil {
		t.log.WarnContext(ctx, "start radio advertising", logKeyError, err.Error())
		return
	}
	t.mu.Lock()
	t.advertised = name
	t.mu.Unlock()
}

// rotate restarts advertising when the rotating token moved on.
func (t *Transport) rotate(ctx context.Context) { // A
	t.mu.RLock()
	state, current := t.state, t.advertised
	t.mu.RUnlock()
	if state != StateAdvertising || current == t.LocalName(t.cfg.Now()) {
		return
	}
	if err := t.cfg.Driver.StopAdvertising(); err != nil {
		t.log.WarnContext(ctx, "stop radio advertising", logKeyError, err.Error())
		return
	}
	t.setState(StateServiceRegistered)
	t.advertise(ctx)
}

func (t *Transport) discovered(ctx context.Context, ev Event) { // A
	if t.State() == StateOff {
		return
	}
	token, ok := strings.CutPrefix(ev.LocalName, LocalNamePrefix)
	if !ok || !t.cfg.Identity.MatchesRotatingToken(token, t.cfg.Now()) {
		return
	}
	if t.knowsRadio(ev.Peer) {
		return
	}
	t.sendHello(ctx, ev.Peer)
}

func (t *Transport) sendHello(ctx context.Context, radioID string) { // A
	env, err := BuildHello(t.cfg.Identity, t.cfg.DeviceID, t.cfg.DeviceName)
	if err != nil {
		t.log.WarnContext(ctx, "build hello", logKeyError, err.Error())
		return
	}
	if err := t.cfg.Driver.Write(ctx, radioID, env.Marshal()); err != nil {
		t.log.WarnContext(ctx, "send hello",
			logKeyPeer, radioID,
			logKeyError, err.Error())
	}
}

func (t *Transport) received(ctx context.Context, ev Event) { // A
	env, err := envelope.Unmarshal(ev.Data)
	if err != nil {
		t.log.DebugContext(ctx, "dropping radio packet",
			logKeyPeer, ev.Peer,
			logKeyError, err.Error())
		return
	}

	if env.Header.Type == envelope.PacketHello {
		t.hello(ctx, ev.Peer, env)
		return
	}

	p, ok := t.peer(env.Header.SenderID)
	if !ok || p.RadioID != ev.Peer {
		t.log.DebugContext(ctx, "dropping packet from unverified peer",
			logKeyPeer, ev.Peer,
			logKeyDevice, env.Header.SenderID,
			logKeyType, env.Header.Type.String())
		return
	}

	select {
	case t.cfg.Inbound <- transport.Inbound{From: ev.Peer, Envelope: env}:
	case <-ctx.Done():
	}
}

func (t *Transport) hello(ctx context.Context, radioID string, env *envelope.Envelope) { // A
	h, err := OpenHello(env, t.cfg.Identity, t.cfg.Now(), securechannel.DefaultWindow)
	if err != nil {
		t.log.WarnContext(ctx, "rejected hello",
			logKeyPeer, radioID,
			logKeyError, err.Error())
		return
	}
	if h.DeviceID == t.cfg.DeviceID {
		return
	}

	t.mu.Lock()
	prev, known := t.peers[h.DeviceID]
	t.peers[h.DeviceID] = Peer{
		DeviceID:   h.DeviceID,
		DeviceName: h.DeviceName,
		RadioID:    radioID,
		Verified:   t.cfg.Now(),
	}
	t.mu.Unlock()

	if known && prev.RadioID == radioID {
		return
	}
	t.log.InfoContext(ctx, "radio peer verified",
		logKeyDevice, h.DeviceID,
		logKeyName, h.DeviceName,
		logKeyPeer, radioID)
	t.sendHello(ctx, radioID)
}

func (t *Transport) setState(s State) { // A
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Transport) clearPeers() { // A
	t.mu.Lock()
	t.peers = make(map[string]Peer)
	t.mu.Unlock()
}

func (t *Transport) peer(deviceID string) (Peer, bool) { // A
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[deviceID]
	return p, ok
}

func (t *Transport) knowsRadio(radioID string) bool { // A
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.peers {
		if p.RadioID == radioID {
			return true
		}
	}
	return false
}

func (t *Transport) isStarted() bool { // A
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.started
}
