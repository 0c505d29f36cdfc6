// Package syncengine keeps the local clipboard in step with the rest of
// the ring.
//
// The Monitor polls the clipboard and broadcasts local changes to every
// peer in the Directory. The Listener accepts sealed frames from peers
// and writes their content back to the clipboard. Both go through one
// Gate so a poll never overlaps a write, and a RecentSet stops content
// that just arrived from being sent straight back out.
package syncengine

import (
	"context"
	"crypto/ed25519"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/i5heu/clipring/internal/clipboard"
	"github.com/i5heu/clipring/internal/discovery"
	"github.com/i5heu/clipring/internal/transport"
	"github.com/i5heu/clipring/pkg/events"
	"github.com/i5heu/clipring/pkg/securechannel"
	workerpool "github.com/i5heu/clipring/pkg/workerPool"
)

const (
	logKeyKind        = "kind"
	logKeyFingerprint = "fingerprint"
	logKeyRemote      = "remote"
	logKeyPeer        = "peer"
	logKeyAddress     = "address"
	logKeyError       = "error"
	logKeySize        = "size"
	logKeyCount       = "count"
	logKeyPaused      = "paused"
	logKeyFailed      = "failed"

	// DefaultPort is the fixed LAN sync port.
	DefaultPort = 5566
	// DefaultPollInterval is the Monitor tick.
	DefaultPollInterval = 500 * time.Millisecond
)

// ErrConnectFailed wraps a failed delivery to one peer.
var ErrConnectFailed = errors.New("syncengine: connect failed")

// Relay is a secondary envelope path, the radio. Text changes are
// mirrored onto it and its inbound envelopes are applied like LAN
// frames.
type Relay struct { // A
	Transport  transport.Transport
	Inbound    <-chan transport.Inbound
	SenderID   string
	SigningKey ed25519.PrivateKey
	VerifyKey  ed25519.PublicKey
}

// Config configures an Engine.
type Config struct { // A
	// Key is the ring shared secret sealing every frame.
	Key       [securechannel.KeySize]byte
	Clipboard clipboard.Clipboard
	Directory *discovery.Directory
	// ListenAddr defaults to ":5566".
	ListenAddr string

	PollInterval   time.Duration
	PreWriteDelay  time.Duration
	SettleDelay    time.Duration
	AcquireTimeout time.Duration
	DialTimeout    time.Duration
	ReadTimeout    time.Duration
	// MaxFrameSize caps inbound frames; zero means transport.MaxFrameSize.
	MaxFrameSize int
	// Window is the replay window of the secure channel.
	Window securechannel.Window

	RecentCapacity int
	RecentTTL      time.Duration

	// Pool runs image encoding and the per-peer fan-out. When nil the
	// engine starts and stops its own.
	Pool *workerpool.WorkerPool

	Notifications bool
	Relay         *Relay
	Sink          events.Sink
	Logger        *slog.Logger
}

// Engine is one running sync session: Monitor, Listener and the
// optional Relay.
type Engine struct { // A
	cfg     Config
	log     *slog.Logger
	sink    events.Sink
	channel *securechannel.Channel
	gate    *Gate
	recent  *RecentSet
	server  *transport.Server
	pool    *workerpool.WorkerPool
	ownPool bool

	paused        atomic.Bool
	notifications atomic.Bool

	// relayNonces refuses a relay envelope seen inside the window.
	relayNonces *securechannel.NonceCache

	lastMu sync.Mutex
	// last is what the Monitor last saw on the clipboard; ingested is the
	// last value written by the Listener since then.
	last     held
	ingested held

	wg sync.WaitGroup
}

// held is one clipboard value. The zero value means nothing.
type held struct {
	kind clipboard.Kind
	fp   clipboard.Fingerprint
	set  bool
}

// New validates cfg and builds an Engine. Nothing runs until Start.
func New(cfg Config) (*Engine, error) { // A
	if cfg.Clipboard == nil {
		return nil, errors.New("syncengine: missing clipboard")
	}
	if cfg.Directory == nil {
		return nil, errors.New("syncengine: missing peer directory")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":" + strconv.Itoa(DefaultPort)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PreWriteDelay == 0 {
		cfg.PreWriteDelay = DefaultPreWriteDelay
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = transport.DefaultDialTimeout
	}
	if cfg.MaxFrameSize <= 0 || cfg.MaxFrameSize > transport.MaxFrameSize {
		cfg.MaxFrameSize = transport.MaxFrameSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	channel, err := securechannel.New(securechannel.Config{
		Key:              cfg.Key,
		Window:           cfg.Window,
		RejectDuplicates: true,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		log:     logger,
		sink:    events.OrNop(cfg.Sink),
		channel: channel,
		gate:    NewGate(cfg.PreWriteDelay, cfg.SettleDelay, cfg.AcquireTimeout),
		recent:  NewRecentSet(cfg.RecentCapacity, cfg.RecentTTL),
		pool:    cfg.Pool,
	}
	if cfg.Relay != nil {
		window := cfg.Window
		if window == (securechannel.Window{}) {
			window = securechannel.DefaultWindow
		}
		e.relayNonces = securechannel.NewNonceCache(window.Past+window.Future, nil)
	}
	e.notifications.Store(cfg.Notifications)

	srv, err := transport.NewServer(transport.ServerConfig{
		ListenAddr:  cfg.ListenAddr,
		Handler:     e.handleConn,
		ReadTimeout: cfg.ReadTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	e.server = srv
	return e, nil
}

// Start binds the Listener, records what is on the clipboard and launches
// the Monitor and the Relay. Anything copied after Start returns counts as
// a local change. A bind failure is returned; everything later is logged.
// The engine runs until ctx is cancelled; Wait blocks until it has wound
// down.
func (e *Engine) Start(ctx context.Context) error { // A
	if e.pool == nil {
		e.pool = workerpool.NewWorkerPool(workerpool.Config{})
		e.ownPool = true
	}
	if err := e.server.Start(ctx); err != nil {
		if e.ownPool {
			e.pool.Stop()
		}
		return err
	}

	if r := e.cfg.Relay; r != nil {
		if err := r.Transport.Start(ctx); err != nil {
			e.log.WarnContext(ctx, "relay unavailable", logKeyError, err.Error())
		} else if r.Inbound != nil {
			e.wg.Add(1)
			go e.runRelay(ctx)
		}
	}

	primed := e.prime(ctx)
	e.wg.Add(1)
	go e.runMonitor(ctx, primed)

	go func() {
		<-ctx.Done()
		e.server.Stop()
	}()
	return nil
}

// Wait blocks until the Monitor, the Relay and every scheduled write
// have returned. Call it after cancelling the Start context.
func (e *Engine) Wait() { // A
	e.server.Stop()
	e.wg.Wait()
	if e.ownPool {
		e.pool.Stop()
	}
}

// Addr is the bound Listener address.
func (e *Engine) Addr() net.Addr { // A
	return e.server.Addr()
}

// SetPaused suspends or resumes change detection. Inbound updates keep
// being applied while paused.
func (e *Engine) SetPaused(paused bool) { // A
	e.paused.Store(paused)
	e.log.Info("monitor pause changed", logKeyPaused, paused)
}

// Paused reports whether detection is suspended.
func (e *Engine) Paused() bool { // A
	return e.paused.Load()
}

// SetNotifications toggles notification requests for received content.
func (e *Engine) SetNotifications(enabled bool) { // A
	e.notifications.Store(enabled)
}

// swapLast records that the clipboard holds fp of kind k and reports
// whether that differs from the previous value of either kind. A change
// also forgets what the Listener applied, since the clipboard has moved
// on.
func (e *Engine) swapLast(k clipboard.Kind, fp clipboard.Fingerprint) bool { // A
	next := held{kind: k, fp: fp, set: true}
	e.lastMu.Lock()
	defer e.lastMu.Unlock()
	changed := e.last != next
	e.last = next
	if changed {
		e.ingested = held{}
	}
	return changed
}

// claimIngest reports whether fp of kind k still has to be written. It
// is false when the clipboard already holds it. Until the Monitor has
// seen it, the last ingested value is what the clipboard holds.
func (e *Engine) claimIngest(k clipboard.Kind, fp clipboard.Fingerprint) bool { // A
	next := held{kind: k, fp: fp, set: true}
	e.lastMu.Lock()
	defer e.lastMu.Unlock()
	current := e.last
	if e.ingested.set {
		current = e.ingested
	}
	if current == next {
		return false
	}
	e.ingested = next
	return true
}

// releaseIngest undoes claimIngest after a failed write.
func (e *Engine) releaseIngest(k clipboard.Kind, fp clipboard.Fingerprint) { // A
	e.lastMu.Lock()
	defer e.lastMu.Unlock()
	if e.ingested == (held{kind: k, fp: fp, set: true}) {
		e.ingested = held{}
	}
}

func (e *Engine) notify(n events.Notification) { // A
	if e.notifications.Load() {
		e.sink.Notify(n)
	}
}

// spawn runs fn on its own goroutine, tracked by Wait.
func (e *Engine) spawn(fn func()) { // A
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}
