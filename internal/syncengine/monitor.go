package syncengine

import (
	"context"
	"errors"
	"time"

	"github.com/i5heu/clipring/internal/clipboard"
	workerpool "github.com/i5heu/clipring/pkg/workerPool"
)

// errGateHeld means a write holds the clipboard; the tick is skipped.
var errGateHeld = errors.New("syncengine: clipboard gate held")

// snapshot is one read of the clipboard.
type snapshot struct {
	kind clipboard.Kind
	text string
	img  *clipboard.Image
	fp   clipboard.Fingerprint
}

// runMonitor polls until ctx is done. primed is false when Start could
// not read the clipboard; priming is then retried on each tick.
func (e *Engine) runMonitor(ctx context.Context, primed bool) { // A
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !primed {
			primed = e.prime(ctx)
			continue
		}
		e.poll(ctx)
	}
}

// prime records what is on the clipboard at startup without sending it,
// so a fresh node does not overwrite the ring with stale content. It
// reports false when the clipboard could not be read yet.
func (e *Engine) prime(ctx context.Context) bool { // A
	snap, ok, err := e.read()
	if err != nil {
		return false
	}
	if ok {
		e.swapLast(snap.kind, snap.fp)
		e.log.DebugContext(ctx, "primed clipboard",
			logKeyKind, snap.kind.String(),
			logKeyFingerprint, snap.fp.Short())
	}
	return true
}

// poll is one Monitor tick.
func (e *Engine) poll(ctx context.Context) { // A
	if e.paused.Load() {
		return
	}
	snap, ok, err := e.read()
	if err != nil || !ok {
		return
	}
	if !e.swapLast(snap.kind, snap.fp) {
		return
	}
	if e.recent.ConsumeReceived(snap.fp) {
		e.log.DebugContext(ctx, "skipping content received from a peer",
			logKeyKind, snap.kind.String(),
			logKeyFingerprint, snap.fp.Short())
		return
	}
	e.recent.Record(snap.fp, OriginSent)

	e.spawn(func() {
		content, err := e.toContent(ctx, snap)
		if err != nil {
			e.log.WarnContext(ctx, "encoding clipboard content",
				logKeyKind, snap.kind.String(),
				logKeyError, err.Error())
			return
		}
		e.log.InfoContext(ctx, "local clipboard changed",
			logKeyKind, snap.kind.String(),
			logKeyFingerprint, snap.fp.Short(),
			logKeySize, len(content.Data))
		e.Broadcast(ctx, content)
	})
}

// read takes the gate and reads text, then image. ok is false when the
// clipboard holds nothing supported. err is errGateHeld while a write is
// in progress, or ErrClipboardUnavailable.
func (e *Engine) read() (snapshot, bool, error) { // A
	if !e.gate.TryEnter() {
		return snapshot{}, false, errGateHeld
	}
	defer e.gate.Leave()

	text, err := e.cfg.Clipboard.ReadText()
	switch {
	case err == nil:
		return snapshot{kind: clipboard.KindText, text: text, fp: clipboard.FingerprintText(text)}, true, nil
	case errors.Is(err, clipboard.ErrClipboardUnavailable):
		return snapshot{}, false, err
	}

	img, err := e.cfg.Clipboard.ReadImage()
	switch {
	case err == nil && img.Valid():
		return snapshot{kind: clipboard.KindImage, img: img, fp: clipboard.FingerprintImage(img)}, true, nil
	case errors.Is(err, clipboard.ErrClipboardUnavailable):
		return snapshot{}, false, err
	}
	return snapshot{}, false, nil
}

// toContent builds the wire form. PNG encoding runs on the worker pool.
func (e *Engine) toContent(ctx context.Context, snap snapshot) (clipboard.Content, error) { // A
	if snap.kind == clipboard.KindText {
		return clipboard.TextContent(snap.text)
	}
	return workerpool.Run(ctx, e.pool, func() (clipboard.Content, error) {
		return clipboard.ImageContent(snap.img)
	})
}
