package syncengine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/i5heu/clipring/internal/clipboard"
	"github.com/i5heu/clipring/internal/transport"
	"github.com/i5heu/clipring/pkg/envelope"
	"github.com/i5heu/clipring/pkg/events"
	"github.com/i5heu/clipring/pkg/securechannel"
	workerpool "github.com/i5heu/clipring/pkg/workerPool"
)

const notificationPreview = 80

// handleConn reads a single frame from a peer and applies it. Every
// failure only concerns this connection and is logged.
func (e *Engine) handleConn(ctx context.Context, conn net.Conn) { // A
	remote := conn.RemoteAddr().String()
	frame, err := transport.ReadFrame(conn, e.cfg.MaxFrameSize)
	if err != nil {
		if errors.Is(err, transport.ErrFrameTooLarge) {
			e.log.WarnContext(ctx, "rejected oversized frame",
				logKeyRemote, remote,
				logKeyError, err.Error())
			return
		}
		e.log.DebugContext(ctx, "dropping connection",
			logKeyRemote, remote,
			logKeyError, err.Error())
		return
	}

	payload, err := e.channel.Open(frame)
	if err != nil {
		msg := "rejected frame"
		if errors.Is(err, securechannel.ErrReplayRejected) {
			msg = "rejected stale frame"
		}
		e.log.WarnContext(ctx, msg,
			logKeyRemote, remote,
			logKeyError, err.Error())
		return
	}

	content, err := clipboard.DecodeContent(payload)
	if err != nil {
		e.log.WarnContext(ctx, "rejected content",
			logKeyRemote, remote,
			logKeyError, err.Error())
		return
	}
	e.ingest(ctx, remote, content)
}

// ingest records the fingerprint of content received from a peer and
// schedules its write off the calling goroutine.
func (e *Engine) ingest(ctx context.Context, from string, content clipboard.Content) { // A
	var (
		text string
		img  *clipboard.Image
		fp   clipboard.Fingerprint
		err  error
	)
	switch content.Kind {
	case clipboard.KindText:
		text, err = content.Text()
		fp = clipboard.FingerprintText(text)
	case clipboard.KindImage:
		img, err = workerpool.Run(ctx, e.pool, content.Image)
		if err == nil {
			fp = clipboard.FingerprintImage(img)
		}
	default:
		err = fmt.Errorf("%w: kind %d", clipboard.ErrMalformedContent, content.Kind)
	}
	if err != nil {
		e.log.WarnContext(ctx, "undecodable content",
			logKeyRemote, from,
			logKeyError, err.Error())
		return
	}

	if !e.claimIngest(content.Kind, fp) {
		e.log.DebugContext(ctx, "content already applied",
			logKeyRemote, from,
			logKeyFingerprint, fp.Short())
		return
	}
	e.recent.Record(fp, OriginReceived)

	e.log.InfoContext(ctx, "received clipboard content",
		logKeyRemote, from,
		logKeyKind, content.Kind.String(),
		logKeyFingerprint, fp.Short())

	e.spawn(func() {
		err := e.gate.Write(ctx, func() error {
			if content.Kind == clipboard.KindText {
				return e.cfg.Clipboard.WriteText(text)
			}
			return e.cfg.Clipboard.WriteImage(img)
		})
		if err != nil {
			e.releaseIngest(content.Kind, fp)
			e.log.WarnContext(ctx, "writing clipboard",
				logKeyKind, content.Kind.String(),
				logKeyError, err.Error())
			return
		}
		e.notify(e.notificationFor(from, content.Kind, text, img))
	})
}

func (e *Engine) notificationFor( // A
	from string,
	kind clipboard.Kind,
	text string,
	img *clipboard.Image,
) events.Notification {
	title := "Clipboard updated"
	if name := e.peerName(from); name != "" {
		title = "Clipboard from " + name
	}
	if kind == clipboard.KindImage {
		return events.Notification{
			Title: title,
			Body:  fmt.Sprintf("Image %dx%d", img.Width, img.Height),
		}
	}
	return events.Notification{Title: title, Body: preview(text, notificationPreview)}
}

// peerName finds the display name of the peer at the host of remote.
func (e *Engine) peerName(remote string) string { // A
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	for _, p := range e.cfg.Directory.Snapshot() {
		if h, _, err := net.SplitHostPort(p.Address); err == nil && h == host {
			return p.DisplayName
		}
	}
	return ""
}

func preview(s string, limit int) string { // H
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit-1]) + "…"
}

// runRelay applies envelopes from the secondary path.
func (e *Engine) runRelay(ctx context.Context) { // A
	defer e.wg.Done()
	r := e.cfg.Relay
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-r.Inbound:
			if !ok {
				return
			}
			e.applyEnvelope(ctx, in)
		}
	}
}

func (e *Engine) applyEnvelope(ctx context.Context, in transport.Inbound) { // A
	env := in.Envelope
	if env == nil || env.Header.Type != envelope.PacketClipboardText {
		return
	}
	window := e.cfg.Window
	if window == (securechannel.Window{}) {
		window = securechannel.DefaultWindow
	}
	sent := env.Header.SentAt()
	now := time.Now()
	if sent.Before(now.Add(-window.Past)) || sent.After(now.Add(window.Future)) {
		e.log.WarnContext(ctx, "rejected stale relay envelope", logKeyRemote, in.From)
		return
	}
	payload, err := envelope.Open(env, e.cfg.Key[:], e.cfg.Relay.VerifyKey)
	if err != nil {
		e.log.WarnContext(ctx, "rejected relay envelope",
			logKeyRemote, in.From,
			logKeyError, err.Error())
		return
	}
	var nonce [securechannel.NonceSize]byte
	copy(nonce[:], env.Header.Nonce[:])
	if !e.relayNonces.Record(nonce) {
		e.log.WarnContext(ctx, "rejected replayed relay envelope", logKeyRemote, in.From)
		return
	}
	content, err := clipboard.DecodeContent(payload)
	if err != nil || content.Kind != clipboard.KindText {
		e.log.WarnContext(ctx, "rejected relay content", logKeyRemote, in.From)
		return
	}
	e.ingest(ctx, in.From, content)
}
