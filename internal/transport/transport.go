// Package transport moves opaque frames between ring members. It owns the
// length-prefixed frame codec, a rate limited TCP accept loop and the
// Transport abstraction for envelope paths such as the radio.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/i5heu/clipring/pkg/envelope"
)

// DefaultDialTimeout bounds connection setup to a peer.
const DefaultDialTimeout = 5 * time.Second

// Peer is a reachable ring member.
type Peer struct {
	DeviceID string
	Address  string
}

// Inbound is an envelope received from the network, not yet verified.
type Inbound struct {
	From     string
	Envelope *envelope.Envelope
}

// Transport carries envelopes. Received envelopes are published on the
// channel handed to the implementation at construction time.
type Transport interface {
	Start(ctx context.Context) error
	Send(ctx context.Context, peer Peer, env *envelope.Envelope) error
	Broadcast(ctx context.Context, env *envelope.Envelope) error
}

// SendFrame dials addr, writes one frame and closes the connection.
func SendFrame(
	ctx context.Context,
	addr string,
	payload []byte,
	timeout time.Duration,
) error {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := dctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline.Add(timeout))
	}
	if err := WriteFrame(conn, payload); err != nil {
		return err
	}
	return nil
}
