package syncengine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/i5heu/clipring/internal/clipboard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestGateHeldThroughSettle(t *testing.T) { // A
	t.Parallel()
	g := NewGate(10*time.Millisecond, 150*time.Millisecond, time.Second)

	var wrote atomic.Bool
	done := make(chan error, 1)
	go func() {
		done <- g.Write(context.Background(), func() error {
			wrote.Store(true)
			return nil
		})
	}()

	require.Eventually(t, wrote.Load, time.Second, time.Millisecond)
	assert.False(t, g.TryEnter(), "gate must stay closed while settling")

	require.NoError(t, <-done)
	require.True(t, g.TryEnter())
	g.Leave()
}

func TestGateWriterWaitsForReader(t *testing.T) { // A
	t.Parallel()
	g := NewGate(0, 0, time.Second)
	require.True(t, g.TryEnter())

	var wrote atomic.Bool
	done := make(chan error, 1)
	go func() {
		done <- g.Write(context.Background(), func() error {
			wrote.Store(true)
			return nil
		})
	}()

	time.Sleep(30 * time.Millisecond)
	assert.False(t, wrote.Load())
	g.Leave()
	require.NoError(t, <-done)
	assert.True(t, wrote.Load())
}

func TestGateAcquireTimeout(t *testing.T) { // A
	t.Parallel()
	g := NewGate(0, 0, 20*time.Millisecond)
	require.True(t, g.TryEnter())
	defer g.Leave()

	err := g.Write(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrGateTimeout)
}

func TestGateFailedWriteReleasesImmediately(t *testing.T) { // A
	t.Parallel()
	g := NewGate(0, time.Hour, time.Second)
	boom := errors.New("boom")
	assert.ErrorIs(t, g.Write(context.Background(), func() error { return boom }), boom)
	require.True(t, g.TryEnter())
	g.Leave()
}

func TestGateCancelledBeforeWrite(t *testing.T) { // A
	t.Parallel()
	g := NewGate(time.Hour, 0, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	called := false
	err := g.Write(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)
}

func TestRecentSetConsumesReceivedOnce(t *testing.T) { // A
	t.Parallel()
	r := NewRecentSet(0, 0)
	fp := clipboard.FingerprintText("hello")

	r.Record(fp, OriginReceived)
	assert.True(t, r.ConsumeReceived(fp))
	assert.False(t, r.ConsumeReceived(fp))

	sent := clipboard.FingerprintText("mine")
	r.Record(sent, OriginSent)
	assert.False(t, r.ConsumeReceived(sent))
	o, ok := r.Lookup(sent)
	assert.True(t, ok)
	assert.Equal(t, OriginSent, o)
}

func TestRecentSetEvictsOldest(t *testing.T) { // A
	t.Parallel()
	r := NewRecentSet(2, time.Hour)
	a, b, c := clipboard.FingerprintText("a"), clipboard.FingerprintText("b"), clipboard.FingerprintText("c")
	r.Record(a, OriginReceived)
	r.Record(b, OriginReceived)
	r.Record(c, OriginReceived)

	assert.Equal(t, 2, r.Len())
	_, ok := r.Lookup(a)
	assert.False(t, ok)
	_, ok = r.Lookup(c)
	assert.True(t, ok)
}

func TestRecentSetExpires(t *testing.T) { // A
	t.Parallel()
	r := NewRecentSet(8, 30*time.Millisecond)
	fp := clipboard.FingerprintText("short lived")
	r.Record(fp, OriginReceived)

	assert.Eventually(t, func() bool {
		_, ok := r.Lookup(fp)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestRecentSetBoundedProperty(t *testing.T) { // A
	t.Parallel()
	rapid.Check(t, func(rt *rapid.T) {
		capacity := rapid.IntRange(1, 16).Draw(rt, "capacity")
		r := NewRecentSet(capacity, time.Hour)
		values := rapid.SliceOfN(rapid.String(), 1, 64).Draw(rt, "values")
		for _, v := range values {
			r.Record(clipboard.FingerprintText(v), OriginReceived)
		}
		if r.Len() > capacity {
			rt.Fatalf("len %d exceeds capacity %d", r.Len(), capacity)
		}
		last := clipboard.FingerprintText(values[len(values)-1])
		if !r.ConsumeReceived(last) {
			rt.Fatalf("most recent value was evicted")
		}
	})
}
