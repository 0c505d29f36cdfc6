package syncengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/i5heu/clipring/internal/clipboard"
	"github.com/i5heu/clipring/internal/discovery"
	"github.com/i5heu/clipring/internal/transport"
	"github.com/i5heu/clipring/pkg/envelope"
)

// Broadcast seals content once and delivers it to every known peer in
// parallel. A peer that cannot be reached is reported to the Directory,
// which drops it if it is still at that address. It returns how many
// peers accepted the frame and the joined per-peer errors.
func (e *Engine) Broadcast(ctx context.Context, content clipboard.Content) (int, error) { // A
	e.relay(ctx, content)

	peers := e.cfg.Directory.Snapshot()
	if len(peers) == 0 {
		return 0, nil
	}
	packet, err := e.channel.Seal(content.Encode())
	if err != nil {
		return 0, fmt.Errorf("seal content: %w", err)
	}

	room := e.pool.CreateRoom(len(peers))
	for _, p := range peers {
		if err := room.NewTaskWaitForFreeSlot(ctx, func() (any, error) {
			return nil, e.sendTo(ctx, p, packet)
		}); err != nil {
			break
		}
	}

	var (
		sent int
		errs []error
	)
	for _, r := range room.Collect() {
		if r.Err != nil {
			errs = append(errs, r.Err)
			continue
		}
		sent++
	}
	e.log.DebugContext(ctx, "broadcast finished",
		logKeyKind, content.Kind.String(),
		logKeyCount, sent,
		logKeyFailed, len(errs))
	return sent, errors.Join(errs...)
}

func (e *Engine) sendTo(ctx context.Context, p discovery.PeerRecord, packet []byte) error { // A
	err := transport.SendFrame(ctx, p.Address, packet, e.cfg.DialTimeout)
	if err == nil {
		return nil
	}
	e.log.WarnContext(ctx, "peer unreachable",
		logKeyPeer, p.DeviceID,
		logKeyAddress, p.Address,
		logKeyError, err.Error())
	e.cfg.Directory.ReportSendFailure(p.DeviceID, p.Address)
	return fmt.Errorf("%w: %s at %s: %v", ErrConnectFailed, p.DeviceID, p.Address, err)
}

// relay mirrors text onto the secondary path. Images stay on the LAN.
func (e *Engine) relay(ctx context.Context, content clipboard.Content) { // A
	r := e.cfg.Relay
	if r == nil || content.Kind != clipboard.KindText {
		return
	}
	env, err := envelope.Build(r.SenderID, envelope.PacketClipboardText, content.Encode(), e.cfg.Key[:], r.SigningKey)
	if err != nil {
		e.log.WarnContext(ctx, "build relay envelope", logKeyError, err.Error())
		return
	}
	if err := r.Transport.Broadcast(ctx, env); err != nil {
		e.log.DebugContext(ctx, "relay broadcast incomplete", logKeyError, err.Error())
	}
}
