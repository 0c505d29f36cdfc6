package discovery

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/i5heu/clipring/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend replays a fixed set of presences every round.
type fakeBackend struct { // A
	mu         sync.Mutex
	advertised []string
	stopped    atomic.Bool
	rounds     atomic.Int32
	failFirst  int32
	presences  []Presence
	advertErr  error
}

func (f *fakeBackend) Advertise(instance string, port int, txt []string) (func(), error) { // A
	if f.advertErr != nil {
		return nil, f.advertErr
	}
	f.mu.Lock()
	f.advertised = append([]string{instance}, txt...)
	f.mu.Unlock()
	return func() { f.stopped.Store(true) }, nil
}

func (f *fakeBackend) Browse(ctx context.Context, out chan<- Presence) error { // A
	n := f.rounds.Add(1)
	if n <= f.failFirst {
		return errors.New("resolver unavailable")
	}
	for _, p := range f.presences {
		select {
		case out <- p:
		case <-ctx.Done():
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

func TestServiceAdvertisesAndResolves(t *testing.T) { // A
	t.Parallel()
	dir := newTestDirectory(t, nil, nil)
	backend := &fakeBackend{presences: []Presence{
		presence("bbbbbbbbbbbb", "10.0.0.7"),
		presence(testSelf, "10.0.0.1"),
	}}
	svc, err := NewService(ServiceConfig{
		Directory:      dir,
		Backend:        backend,
		DeviceID:       testSelf,
		Token:          testToken,
		DisplayName:    "Desk",
		Port:           5566,
		BrowseInterval: 50 * time.Millisecond,
		Logger:         logging.Discard(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	assert.Eventually(t, func() bool { return dir.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return backend.rounds.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.True(t, backend.stopped.Load())

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, []string{
		"clipring-" + testSelf,
		"version=1",
		"ring=" + testToken,
		"name=Desk",
		"device=" + testSelf,
	}, backend.advertised)
}

func TestServiceRetriesBrowseErrors(t *testing.T) { // A
	t.Parallel()
	dir := newTestDirectory(t, nil, nil)
	backend := &fakeBackend{
		failFirst: 1,
		presences: []Presence{presence("bbbbbbbbbbbb", "10.0.0.7")},
	}
	svc, err := NewService(ServiceConfig{
		Directory:      dir,
		Backend:        backend,
		DeviceID:       testSelf,
		Token:          testToken,
		BrowseInterval: 100 * time.Millisecond,
		Logger:         logging.Discard(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Run(ctx) }()

	assert.Eventually(t, func() bool { return dir.Len() == 1 }, 5*time.Second, 20*time.Millisecond)
}

func TestServiceAdvertiseFailureIsReturned(t *testing.T) { // A
	t.Parallel()
	svc, err := NewService(ServiceConfig{
		Directory: newTestDirectory(t, nil, nil),
		Backend:   &fakeBackend{advertErr: errors.New("no multicast")},
		DeviceID:  testSelf,
		Token:     testToken,
		Logger:    logging.Discard(),
	})
	require.NoError(t, err)
	assert.Error(t, svc.Run(context.Background()))
}

func TestNewServiceValidates(t *testing.T) { // A
	t.Parallel()
	_, err := NewService(ServiceConfig{})
	assert.Error(t, err)
}

func TestPresenceFromTXT(t *testing.T) { // A
	t.Parallel()
	p := PresenceFromTXT(
		"clipring-bbbbbbbbbbbb",
		[]string{`ring="abc"`, "name=Laptop", "version=1", "garbage"},
		[]net.IP{net.ParseIP("10.0.0.7")},
		nil,
		5566,
	)
	assert.Equal(t, "bbbbbbbbbbbb", p.DeviceID, "falls back to instance")
	assert.Equal(t, "abc", p.Token)
	assert.Equal(t, "Laptop", p.DisplayName)
	assert.Equal(t, "1", p.Version)

	unnamed := PresenceFromTXT("other", nil, nil, nil, 1)
	assert.Equal(t, "other", unnamed.DeviceID)
	assert.Equal(t, "Unknown", unnamed.DisplayName)
}

func TestDeviceIDFromInstance(t *testing.T) { // A
	t.Parallel()
	id, ok := DeviceIDFromInstance("clipring-0123456789ab._clipring._tcp.local.")
	assert.True(t, ok)
	assert.Equal(t, "0123456789ab", id)
	_, ok = DeviceIDFromInstance("printer._ipp._tcp.local.")
	assert.False(t, ok)
	_, ok = DeviceIDFromInstance("clipring-")
	assert.False(t, ok)
}
