package radio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/i5heu/clipring/internal/transport"
	"github.com/i5heu/clipring/pkg/envelope"
	"github.com/i5heu/clipring/pkg/identity"
	"github.com/i5heu/clipring/pkg/logging"
	"github.com/i5heu/clipring/pkg/securechannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIdentity(t testing.TB) *identity.Identity { // A
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	return id
}

type node struct { // A
	driver  *Loopback
	tr      *Transport
	inbound chan transport.Inbound
}

func startNode( // A
	t *testing.T,
	ctx context.Context,
	bus *Bus,
	id *identity.Identity,
	deviceID string,
) *node {
	t.Helper()
	n := &node{
		driver:  NewLoopback(bus, "radio-"+deviceID),
		inbound: make(chan transport.Inbound, 8),
	}
	tr, err := New(Config{
		Identity:   id,
		DeviceID:   deviceID,
		DeviceName: "dev-" + deviceID,
		Driver:     n.driver,
		Inbound:    n.inbound,
		Logger:     logging.Discard(),
	})
	require.NoError(t, err)
	require.NoError(t, tr.Start(ctx))
	n.tr = tr
	return n
}

func TestTransitionTable(t *testing.T) { // A
	t.Parallel()
	boom := errors.New("boom")
	cases := []struct {
		from State
		ev   Event
		want State
	}{
		{StateOff, Event{Kind: EventPoweredOn}, StateOn},
		{StateOn, Event{Kind: EventPoweredOn}, StateOn},
		{StateOn, Event{Kind: EventServiceAdded}, StateServiceRegistered},
		{StateOn, Event{Kind: EventServiceAdded, Err: boom}, StateOn},
		{StateOff, Event{Kind: EventServiceAdded}, StateOff},
		{StateServiceRegistered, Event{Kind: EventAdvertisingStarted}, StateAdvertising},
		{StateServiceRegistered, Event{Kind: EventAdvertisingStarted, Err: boom}, StateServiceRegistered},
		{StateOn, Event{Kind: EventAdvertisingStarted}, StateOn},
		{StateAdvertising, Event{Kind: EventPoweredOff}, StateOff},
		{StateAdvertising, Event{Kind: EventWrite}, StateAdvertising},
		{StateAdvertising, Event{Kind: EventDiscovered}, StateAdvertising},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Transition(c.from, c.ev), "%s + %s", c.from, c.ev.Kind)
	}
}

func TestTransportReachesAdvertising(t *testing.T) { // A
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id := newIdentity(t)
	n := startNode(t, ctx, NewBus(), id, "aaaaaaaaaaaa")
	assert.Equal(t, StateOff, n.tr.State())

	n.driver.PowerOn()
	require.Eventually(t, func() bool { return n.tr.State() == StateAdvertising }, time.Second, 5*time.Millisecond)
	assert.Equal(t, LocalNamePrefix+id.RotatingToken(time.Now()), n.driver.Advertising())

	n.driver.PowerOff()
	require.Eventually(t, func() bool { return n.tr.State() == StateOff }, time.Second, 5*time.Millisecond)
}

func TestDriverReopensAfterWait(t *testing.T) { // A
	t.Parallel()
	id := newIdentity(t)
	first, cancel := context.WithCancel(context.Background())
	n := startNode(t, first, NewBus(), id, "aaaaaaaaaaaa")
	n.driver.PowerOn()
	require.Eventually(t, func() bool { return n.tr.State() == StateAdvertising }, time.Second, 5*time.Millisecond)

	cancel()
	n.tr.Wait()
	assert.Equal(t, StateOff, n.tr.State())
	assert.Empty(t, n.driver.Advertising())

	second, stop := context.WithCancel(context.Background())
	defer stop()
	next, err := New(Config{
		Identity: id,
		DeviceID: "aaaaaaaaaaaa",
		Driver:   n.driver,
		Inbound:  n.inbound,
		Logger:   logging.Discard(),
	})
	require.NoError(t, err)
	next.Wait()
	require.NoError(t, next.Start(second))
	require.Eventually(t, func() bool { return next.State() == StateAdvertising }, time.Second, 5*time.Millisecond)
}

func TestHandshakeAndDelivery(t *testing.T) { // A
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id := newIdentity(t)
	bus := NewBus()
	a := startNode(t, ctx, bus, id, "aaaaaaaaaaaa")
	b := startNode(t, ctx, bus, id, "bbbbbbbbbbbb")
	a.driver.PowerOn()
	b.driver.PowerOn()

	require.Eventually(t, func() bool {
		return len(a.tr.Peers()) == 1 && len(b.tr.Peers()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "bbbbbbbbbbbb", a.tr.Peers()[0].DeviceID)
	assert.Equal(t, "dev-bbbbbbbbbbbb", a.tr.Peers()[0].DeviceName)
	assert.Equal(t, "radio-aaaaaaaaaaaa", b.tr.Peers()[0].RadioID)

	env, err := envelope.Build("aaaaaaaaaaaa", envelope.PacketClipboardText, []byte("hello"), id.SharedSecret[:], id.SigningKey)
	require.NoError(t, err)
	require.NoError(t, a.tr.Broadcast(ctx, env))

	select {
	case in := <-b.inbound:
		assert.Equal(t, "radio-aaaaaaaaaaaa", in.From)
		got, err := envelope.Open(in.Envelope, id.SharedSecret[:], id.VerifyKey)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), got)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope not delivered")
	}
}

func TestForeignRingStaysInvisible(t *testing.T) { // A
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewBus()
	a := startNode(t, ctx, bus, newIdentity(t), "aaaaaaaaaaaa")
	b := startNode(t, ctx, bus, newIdentity(t), "bbbbbbbbbbbb")
	a.driver.PowerOn()
	b.driver.PowerOn()

	require.Eventually(t, func() bool {
		return a.tr.State() == StateAdvertising && b.tr.State() == StateAdvertising
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, a.tr.Peers())
	assert.Empty(t, b.tr.Peers())
	assert.Zero(t, a.driver.Writes())
}

func TestUnverifiedPacketsDropped(t *testing.T) { // A
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id := newIdentity(t)
	bus := NewBus()
	b := startNode(t, ctx, bus, id, "bbbbbbbbbbbb")
	b.driver.PowerOn()
	require.Eventually(t, func() bool { return b.tr.State() == StateAdvertising }, time.Second, 5*time.Millisecond)

	// A raw driver that never says hello.
	raw := NewLoopback(bus, "radio-raw")
	require.NoError(t, raw.Open(make(chan Event, 8)))
	raw.PowerOn()
	env, err := envelope.Build("cccccccccccc", envelope.PacketClipboardText, []byte("x"), id.SharedSecret[:], id.SigningKey)
	require.NoError(t, err)
	require.NoError(t, raw.Write(ctx, b.driver.ID(), env.Marshal()))
	require.NoError(t, raw.Write(ctx, b.driver.ID(), []byte("garbage")))

	select {
	case <-b.inbound:
		t.Fatal("unverified envelope delivered")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendRequiresStartAndPower(t *testing.T) { // A
	t.Parallel()
	id := newIdentity(t)
	tr, err := New(Config{
		Identity: id,
		DeviceID: "aaaaaaaaaaaa",
		Driver:   NewLoopback(NewBus(), "x"),
		Inbound:  make(chan transport.Inbound),
		Logger:   logging.Discard(),
	})
	require.NoError(t, err)
	env, err := BuildHello(id, "aaaaaaaaaaaa", "x")
	require.NoError(t, err)

	assert.ErrorIs(t, tr.Send(context.Background(), transport.Peer{Address: "y"}, env), ErrNotStarted)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, tr.Start(ctx))
	assert.ErrorIs(t, tr.Send(ctx, transport.Peer{Address: "y"}, env), ErrRadioOff)
	assert.Error(t, tr.Start(ctx))
}

func TestNewValidates(t *testing.T) { // A
	t.Parallel()
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{Identity: newIdentity(t), Driver: NewLoopback(NewBus(), "x")})
	assert.Error(t, err)
}

func TestOpenHello(t *testing.T) { // A
	t.Parallel()
	id := newIdentity(t)
	env, err := BuildHello(id, "aaaaaaaaaaaa", "Laptop")
	require.NoError(t, err)

	h, err := OpenHello(env, id, time.Now(), securechannel.DefaultWindow)
	require.NoError(t, err)
	assert.Equal(t, "aaaaaaaaaaaa", h.DeviceID)
	assert.Equal(t, "Laptop", h.DeviceName)

	_, err = OpenHello(env, newIdentity(t), time.Now(), securechannel.DefaultWindow)
	assert.ErrorIs(t, err, envelope.ErrInvalidSignature)

	_, err = OpenHello(env, id, time.Now().Add(2*time.Minute), securechannel.DefaultWindow)
	assert.ErrorIs(t, err, ErrStaleHello)

	other, err := envelope.Build("aaaaaaaaaaaa", envelope.PacketAck, nil, id.HandshakeKey[:], id.SigningKey)
	require.NoError(t, err)
	_, err = OpenHello(other, id, time.Now(), securechannel.DefaultWindow)
	assert.ErrorIs(t, err, ErrNotHello)

	spoof, err := envelope.Build("bbbbbbbbbbbb", envelope.PacketHello,
		Hello{DeviceID: "aaaaaaaaaaaa", PublicKey: id.VerifyKey}.marshal(),
		id.HandshakeKey[:], id.SigningKey)
	require.NoError(t, err)
	_, err = OpenHello(spoof, id, time.Now(), securechannel.DefaultWindow)
	assert.ErrorIs(t, err, ErrMalformedHello)
}

func TestLocalNameRotates(t *testing.T) { // A
	t.Parallel()
	id := newIdentity(t)
	tr, err := New(Config{
		Identity: id,
		DeviceID: "aaaaaaaaaaaa",
		Driver:   NewLoopback(NewBus(), "x"),
		Inbound:  make(chan transport.Inbound),
	})
	require.NoError(t, err)

	t0 := time.Unix(1_700_000_000, 0)
	assert.Equal(t, tr.LocalName(t0), tr.LocalName(t0.Add(time.Second)))
	assert.NotEqual(t, tr.LocalName(t0), tr.LocalName(t0.Add(identity.RotationPeriod)))
}

func TestRotationRestartsAdvertising(t *testing.T) { // A
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id := newIdentity(t)
	clk := &testClock{now: time.Unix(1_700_000_000, 0)}
	driver := NewLoopback(NewBus(), "radio-a")
	tr, err := New(Config{
		Identity:      id,
		DeviceID:      "aaaaaaaaaaaa",
		Driver:        driver,
		Inbound:       make(chan transport.Inbound, 1),
		RotationCheck: 10 * time.Millisecond,
		Logger:        logging.Discard(),
		Now:           clk.Now,
	})
	require.NoError(t, err)
	require.NoError(t, tr.Start(ctx))
	driver.PowerOn()
	require.Eventually(t, func() bool { return tr.State() == StateAdvertising }, time.Second, 5*time.Millisecond)
	first := driver.Advertising()

	clk.Advance(identity.RotationPeriod)
	require.Eventually(t, func() bool {
		return driver.Advertising() != first && tr.State() == StateAdvertising
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, tr.LocalName(clk.Now()), driver.Advertising())
}

type testClock struct { // A
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time { // A
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) { // A
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
