package events

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderTail(t *testing.T) { // AC
	t.Parallel()
	r := NewRecorder()
	defer r.Stop()

	for _, msg := range []string{"a", "b", "c"} {
		r.Log(Entry{Level: LevelInfo, Message: msg})
	}

	tail := r.Tail(2)
	require.Len(t, tail, 2)
	assert.Equal(t, "b", tail[0].Message)
	assert.Equal(t, "c", tail[1].Message)
	assert.Len(t, r.Tail(0), 3)
	assert.False(t, tail[0].Timestamp.IsZero())
}

func TestRecorderCleanupByLevel(t *testing.T) { // AC
	t.Parallel()
	r := NewRecorder()
	defer r.Stop()

	base := time.Now()
	r.Log(Entry{Timestamp: base, Level: LevelDebug, Message: "debug"})
	r.Log(Entry{Timestamp: base, Level: LevelError, Message: "error"})

	r.now = func() time.Time { return base.Add(2 * time.Hour) }
	r.cleanup()

	got := r.Tail(0)
	require.Len(t, got, 1)
	assert.Equal(t, "error", got[0].Message)
}

func TestRecorderSince(t *testing.T) { // AC
	t.Parallel()
	r := NewRecorder()
	defer r.Stop()

	base := time.Now()
	r.Log(Entry{Timestamp: base.Add(-time.Minute), Level: LevelWarn, Message: "old"})
	r.Log(Entry{Timestamp: base, Level: LevelInfo, Message: "info"})
	r.Log(Entry{Timestamp: base, Level: LevelWarn, Message: "warn"})

	got := r.Since(LevelWarn, base)
	require.Len(t, got, 1)
	assert.Equal(t, "warn", got[0].Message)
}

func TestRecorderSubscribe(t *testing.T) { // A
	t.Parallel()
	r := NewRecorder()
	defer r.Stop()

	ch, cancel := r.Subscribe()
	r.PeersUpdated([]PeerSnapshot{{DeviceID: "abc"}})
	r.Notify(Notification{Title: "Clipboard", Body: "from abc"})

	ev := <-ch
	assert.Equal(t, KindPeers, ev.Kind)
	assert.Equal(t, "abc", ev.Peers[0].DeviceID)
	ev = <-ch
	assert.Equal(t, KindNotify, ev.Kind)

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	assert.Len(t, r.Peers(), 1)
	assert.Len(t, r.Notifications(), 1)
}

func TestRecorderSlowSubscriberDoesNotBlock(t *testing.T) { // A
	t.Parallel()
	r := NewRecorder()
	defer r.Stop()

	_, cancel := r.Subscribe()
	defer cancel()
	for i := 0; i < subscriberBacklog*2; i++ {
		r.Log(Entry{Message: "x"})
	}
	assert.Len(t, r.Tail(0), subscriberBacklog*2)
}

func TestHandlerTeesToSink(t *testing.T) { // A
	t.Parallel()
	r := NewRecorder()
	defer r.Stop()

	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewHandler(inner, r, slog.LevelInfo)).
		With("component", "sync").
		WithGroup("peer")

	logger.Debug("too quiet")
	logger.Info("peer joined", "id", "abc")

	entries := r.Tail(0)
	require.Len(t, entries, 1)
	assert.Equal(t, "peer joined", entries[0].Message)
	assert.Equal(t, LevelInfo, entries[0].Level)
	assert.Equal(t, "sync", entries[0].Fields["component"])
	assert.Equal(t, "abc", entries[0].Fields["peer.id"])

	assert.Contains(t, buf.String(), "too quiet")
	assert.Contains(t, buf.String(), "peer joined")
}

func TestLevelFromSlog(t *testing.T) { // H
	t.Parallel()
	assert.Equal(t, LevelDebug, LevelFromSlog(slog.LevelDebug))
	assert.Equal(t, LevelInfo, LevelFromSlog(slog.LevelInfo))
	assert.Equal(t, LevelWarn, LevelFromSlog(slog.LevelWarn+1))
	assert.Equal(t, LevelError, LevelFromSlog(slog.LevelError+4))
	assert.Equal(t, "WARN", LevelWarn.String())
}
