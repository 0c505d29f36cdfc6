package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	// DefaultPreWriteDelay lets a concurrent reader finish before a write.
	DefaultPreWriteDelay = 100 * time.Millisecond
	// DefaultSettleDelay keeps the gate closed after a write so the OS
	// clipboard owners see a stable value.
	DefaultSettleDelay = 500 * time.Millisecond
	// DefaultAcquireTimeout bounds how long a writer waits for the gate.
	DefaultAcquireTimeout = 5 * time.Second
)

// ErrGateTimeout is returned when a writer could not get the clipboard.
var ErrGateTimeout = errors.New("syncengine: clipboard gate timeout")

// Gate serializes access to the OS clipboard between the Monitor and the
// Listener's writes. The Monitor only ever tries to enter and skips its
// tick when the gate is held; writers wait for it.
type Gate struct { // A
	sem            *semaphore.Weighted
	preWrite       time.Duration
	settle         time.Duration
	acquireTimeout time.Duration
}

// NewGate creates an open Gate. Negative delays are treated as zero;
// a zero acquireTimeout uses DefaultAcquireTimeout.
func NewGate(preWrite, settle, acquireTimeout time.Duration) *Gate { // A
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}
	return &Gate{
		sem:            semaphore.NewWeighted(1),
		preWrite:       max(preWrite, 0),
		settle:         max(settle, 0),
		acquireTimeout: acquireTimeout,
	}
}

// TryEnter takes the gate if it is free. Callers that get true must
// call Leave.
func (g *Gate) TryEnter() bool { // A
	return g.sem.TryAcquire(1)
}

// Leave releases a gate taken with TryEnter.
func (g *Gate) Leave() { // A
	g.sem.Release(1)
}

// Write runs fn with the gate held: wait for the gate, pause for the
// pre-write delay, write, then hold the gate through the settle delay.
// A failed write releases the gate right away.
func (g *Gate) Write(ctx context.Context, fn func() error) error { // A
	actx, cancel := context.WithTimeout(ctx, g.acquireTimeout)
	err := g.sem.Acquire(actx, 1)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %s", ErrGateTimeout, g.acquireTimeout)
	}
	defer g.sem.Release(1)

	if err := sleep(ctx, g.preWrite); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	// The write already happened; a cancelled settle is not an error.
	_ = sleep(ctx, g.settle)
	return nil
}

func sleep(ctx context.Context, d time.Duration) error { // A
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
