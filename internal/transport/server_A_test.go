package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/i5heu/clipring/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startFrameServer runs a server that publishes every complete frame.
func startFrameServer(t *testing.T, frames chan []byte) *Server { // A
	t.Helper()
	srv, err := NewServer(ServerConfig{
		ListenAddr: "127.0.0.1:0",
		Handler: func(ctx context.Context, conn net.Conn) {
			frame, err := ReadFrame(conn, 0)
			if err != nil {
				return
			}
			frames <- frame
		},
		Logger: logging.Discard(),
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(func() {
		cancel()
		srv.Stop()
	})
	return srv
}

func TestSendFrameDelivers(t *testing.T) { // A
	t.Parallel()
	frames := make(chan []byte, 1)
	srv := startFrameServer(t, frames)

	require.NoError(t, SendFrame(context.Background(), srv.Addr().String(), []byte("hi"), time.Second))
	select {
	case got := <-frames:
		assert.Equal(t, []byte("hi"), got)
	case <-time.After(5 * time.Second):
		t.Fatal("frame not delivered")
	}
}

func TestSendFrameToClosedPort(t *testing.T) { // A
	t.Parallel()
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := dead.Addr().String()
	require.NoError(t, dead.Close())

	err = SendFrame(context.Background(), addr, []byte("x"), time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), addr)
}

func TestServerDropsOversizeFrame(t *testing.T) { // A
	t.Parallel()
	frames := make(chan []byte, 1)
	srv := startFrameServer(t, frames)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte{0xff, 0xff, 0xff, 0xff})
	require.NoError(t, err)

	// The server closes the connection without waiting for a payload.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	require.Error(t, err)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("server kept the connection open")
	}
	assert.Empty(t, frames)
}

func TestServerRateLimitsPerIP(t *testing.T) { // A
	t.Parallel()
	handled := make(chan struct{}, 16)
	srv, err := NewServer(ServerConfig{
		ListenAddr:  "127.0.0.1:0",
		Handler:     func(context.Context, net.Conn) { handled <- struct{}{} },
		AcceptRate:  0.001,
		AcceptBurst: 2,
		Logger:      logging.Discard(),
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop()

	for i := 0; i < 5; i++ {
		c, err := net.Dial("tcp", srv.Addr().String())
		require.NoError(t, err)
		_ = c.Close()
	}
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, handled, 2)
}

func TestServerStartFailsOnBusyPort(t *testing.T) { // A
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	srv, err := NewServer(ServerConfig{
		ListenAddr: ln.Addr().String(),
		Handler:    func(context.Context, net.Conn) {},
		Logger:     logging.Discard(),
	})
	require.NoError(t, err)
	assert.Error(t, srv.Start(context.Background()))
}
