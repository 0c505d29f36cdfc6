/*
Package clipring keeps one clipboard value in sync across the devices of a
ring: every device holding the same secret phrase.
*/
package clipring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/i5heu/clipring/internal/clipboard"
	"github.com/i5heu/clipring/internal/config"
	"github.com/i5heu/clipring/internal/discovery"
	"github.com/i5heu/clipring/internal/radio"
	"github.com/i5heu/clipring/internal/syncengine"
	"github.com/i5heu/clipring/internal/transport"
	"github.com/i5heu/clipring/pkg/events"
	"github.com/i5heu/clipring/pkg/identity"
	"github.com/i5heu/clipring/pkg/logging"
	workerpool "github.com/i5heu/clipring/pkg/workerPool"
)

const (
	logKeyDevice = "deviceID"
	logKeyName   = "name"
	logKeyAddr   = "addr"
	logKeyPath   = "path"
	logKeyError  = "error"

	relayBacklog    = 32
	shutdownTimeout = 10 * time.Second
)

var (
	ErrNotStarted = errors.New("clipring: node not started")
	ErrClosed     = errors.New("clipring: node closed")
)

// Config configures a Node. Everything except Dir has a usable default.
type Config struct {
	// Dir holds identity.enc and config.yaml. Defaults to
	// os.UserConfigDir()/clipring.
	Dir string
	// ListenAddr is where the sync listener binds. Defaults to ":5566".
	ListenAddr string
	// Clipboard defaults to the OS clipboard.
	Clipboard clipboard.Clipboard
	// Backend defaults to mDNS via zeroconf.
	Backend discovery.Backend
	// Radio enables the secondary path when set.
	Radio          radio.Driver
	Fingerprinter  identity.Fingerprinter
	BrowseInterval time.Duration
	PollInterval   time.Duration
	// Sink receives log lines, peer lists and notification requests.
	Sink events.Sink
	// Logger is an optional structured logger. If nil, a tint logger at
	// LogLevel writing to stderr is used. Records are teed to Sink.
	Logger   *slog.Logger
	LogLevel slog.Level
}

// DefaultDir is os.UserConfigDir()/clipring.
func DefaultDir() (string, error) { // A
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config dir: %w", err)
	}
	return filepath.Join(dir, identity.AppDir), nil
}

// Node is a running ring member. It owns discovery and the sync engine
// and restarts both when the advertised name changes.
type Node struct {
	cfg   Config
	log   *slog.Logger
	sink  events.Sink
	vault *identity.Vault

	id       *identity.Identity
	deviceID string
	dir      *discovery.Directory
	pool     *workerpool.WorkerPool
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	settings config.Config
	session  *session
	paused   bool
	closed   bool

	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// session is one generation of discovery plus sync, torn down as a unit.
type session struct {
	cancel context.CancelFunc
	engine *syncengine.Engine
	radio  *radio.Transport
	wg     sync.WaitGroup
}

func (s *session) stop() { // A
	s.cancel()
	s.engine.Wait()
	if s.radio != nil {
		s.radio.Wait()
	}
	s.wg.Wait()
}

// New constructs a node handle. New does no I/O; call Start.
func New(conf Config) (*Node, error) { // A
	if conf.Dir == "" {
		dir, err := DefaultDir()
		if err != nil {
			return nil, err
		}
		conf.Dir = dir
	}
	if conf.ListenAddr == "" {
		conf.ListenAddr = ":" + strconv.Itoa(syncengine.DefaultPort)
	}
	if conf.Backend == nil {
		conf.Backend = discovery.Zeroconf{}
	}
	sink := events.OrNop(conf.Sink)

	var inner slog.Handler
	if conf.Logger != nil {
		inner = conf.Logger.Handler()
	} else {
		inner = logging.NewHandler(logging.Options{Level: conf.LogLevel})
	}

	return &Node{
		cfg:   conf,
		log:   slog.New(events.NewHandler(inner, sink, slog.LevelInfo)),
		sink:  sink,
		vault: identity.NewVault(filepath.Join(conf.Dir, identity.FileName), conf.Fingerprinter),
	}, nil
}

// IdentityPath is where the ring identity is stored.
func (n *Node) IdentityPath() string { // A
	return n.vault.Path()
}

// ConfigPath is where the user settings are stored.
func (n *Node) ConfigPath() string { // A
	return filepath.Join(n.cfg.Dir, config.FileName)
}

// Start loads the identity and settings, binds the listener and starts
// discovery. Only a missing or corrupt identity and a bind failure are
// returned; everything after that is logged. Start is safe to call
// multiple times; only the first call has effect.
func (n *Node) Start(ctx context.Context) error { // A
	var startErr error
	n.startOnce.Do(func() {
		startErr = n.start(ctx)
		if startErr == nil {
			n.started.Store(true)
		}
	})
	if startErr == nil && !n.started.Load() {
		return ErrClosed
	}
	return startErr
}

func (n *Node) start(ctx context.Context) error { // A
	if err := os.MkdirAll(n.cfg.Dir, 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", n.cfg.Dir, err)
	}
	id, err := n.vault.Load()
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	deviceID, err := n.vault.DeviceID()
	if err != nil {
		return fmt.Errorf("device id: %w", err)
	}
	if n.cfg.Clipboard == nil {
		sys, err := clipboard.NewSystem()
		if err != nil {
			return fmt.Errorf("open clipboard: %w", err)
		}
		n.cfg.Clipboard = sys
	}

	settings, err := config.Load(n.ConfigPath())
	if err != nil {
		n.log.WarnContext(ctx, "using default settings",
			logKeyPath, n.ConfigPath(),
			logKeyError, err.Error())
	}

	n.id = id
	n.deviceID = deviceID
	n.log = n.log.With(logKeyDevice, deviceID)
	n.dir = discovery.NewDirectory(discovery.DirectoryConfig{
		SelfID: deviceID,
		Token:  id.DiscoveryToken,
		Sink:   n.sink,
		Logger: n.log,
	})
	n.pool = workerpool.NewWorkerPool(workerpool.Config{})
	n.ctx, n.cancel = context.WithCancel(context.WithoutCancel(ctx))

	s, err := n.launch(settings, false)
	if err != nil {
		n.cancel()
		n.pool.Stop()
		return err
	}
	n.mu.Lock()
	n.settings = settings
	n.session = s
	n.mu.Unlock()

	if err := config.Watch(n.ctx, n.ConfigPath(), n.log, n.applySettings); err != nil {
		n.log.WarnContext(ctx, "settings will not reload",
			logKeyPath, n.ConfigPath(),
			logKeyError, err.Error())
	}

	n.log.InfoContext(ctx, "clipring node started",
		logKeyName, settings.DisplayName,
		logKeyAddr, s.engine.Addr().String())
	return nil
}

// launch starts one session with settings.
func (n *Node) launch(settings config.Config, paused bool) (*session, error) { // A
	ctx, cancel := context.WithCancel(n.ctx)
	s := &session{cancel: cancel}

	var relay *syncengine.Relay
	if n.cfg.Radio != nil {
		inbound := make(chan transport.Inbound, relayBacklog)
		rt, err := radio.New(radio.Config{
			Identity:   n.id,
			DeviceID:   n.deviceID,
			DeviceName: settings.DisplayName,
			Driver:     n.cfg.Radio,
			Inbound:    inbound,
			Logger:     n.log,
		})
		if err != nil {
			cancel()
			return nil, err
		}
		s.radio = rt
		relay = &syncengine.Relay{
			Transport:  rt,
			Inbound:    inbound,
			SenderID:   n.deviceID,
			SigningKey: n.id.SigningKey,
			VerifyKey:  n.id.VerifyKey,
		}
	}

	eng, err := syncengine.New(syncengine.Config{
		Key:           n.id.SharedSecret,
		Clipboard:     n.cfg.Clipboard,
		Directory:     n.dir,
		ListenAddr:    n.cfg.ListenAddr,
		PollInterval:  n.cfg.PollInterval,
		Pool:          n.pool,
		Notifications: settings.NotificationsEnabled,
		Relay:         relay,
		Sink:          n.sink,
		Logger:        n.log,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	if paused {
		eng.SetPaused(true)
	}
	if err := eng.Start(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("start sync: %w", err)
	}
	s.engine = eng

	svc, err := discovery.NewService(discovery.ServiceConfig{
		Directory:      n.dir,
		Backend:        n.cfg.Backend,
		DeviceID:       n.deviceID,
		Token:          n.id.DiscoveryToken,
		DisplayName:    settings.DisplayName,
		Port:           listenPort(eng.Addr()),
		BrowseInterval: n.cfg.BrowseInterval,
		Logger:         n.log,
	})
	if err != nil {
		s.stop()
		return nil, err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := svc.Run(ctx); err != nil {
			n.log.ErrorContext(ctx, "discovery stopped", logKeyError, err.Error())
		}
	}()
	return s, nil
}

// applySettings takes over a changed settings file. A new display name
// restarts discovery and sync; the notification switch applies live.
func (n *Node) applySettings(next config.Config) { // A
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	prev := n.settings
	n.settings = next
	if n.session != nil && !next.RequiresRestart(prev) {
		if next.NotificationsEnabled != prev.NotificationsEnabled {
			n.session.engine.SetNotifications(next.NotificationsEnabled)
		}
		return
	}

	n.log.Info("restarting sync", logKeyName, next.DisplayName)
	if n.session != nil {
		n.session.stop()
		n.session = nil
	}
	n.dir.Clear()
	s, err := n.launch(next, n.paused)
	if err != nil {
		n.log.Error("restart failed", logKeyError, err.Error())
		return
	}
	n.session = s
}

// UpdateSettings saves cfg and applies it without waiting for the file
// watcher.
func (n *Node) UpdateSettings(cfg config.Config) error { // A
	if !n.started.Load() {
		return ErrNotStarted
	}
	cfg = cfg.Normalize()
	if err := config.Save(n.ConfigPath(), cfg); err != nil {
		return err
	}
	n.applySettings(cfg)
	return nil
}

// Settings returns the settings in effect.
func (n *Node) Settings() config.Config { // A
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.settings
}

// SetPaused suspends or resumes sending local changes. Received content
// is still applied.
func (n *Node) SetPaused(paused bool) { // A
	n.mu.Lock()
	defer n.mu.Unlock()
	n.paused = paused
	if n.session != nil {
		n.session.engine.SetPaused(paused)
	}
}

// Paused reports whether sending is suspended.
func (n *Node) Paused() bool { // A
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.paused
}

// DeviceID is the id of this machine. Empty before Start.
func (n *Node) DeviceID() string { // A
	return n.deviceID
}

// Peers returns the ring members currently known.
func (n *Node) Peers() []discovery.PeerRecord { // A
	if !n.started.Load() {
		return nil
	}
	return n.dir.Snapshot()
}

// Addr is the bound sync listener address, or nil when not running.
func (n *Node) Addr() net.Addr { // A
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.session == nil {
		return nil
	}
	return n.session.engine.Addr()
}

// Run starts the node, then blocks until ctx is canceled, and finally
// performs a bounded graceful shutdown.
func (n *Node) Run(ctx context.Context) error { // A
	if err := n.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return n.Close(shutdownCtx)
}

// Close stops discovery and sync. It returns ctx.Err() when the
// background work does not wind down in time. Close is idempotent.
func (n *Node) Close(ctx context.Context) error { // A
	var closeErr error
	n.closeOnce.Do(func() {
		// A Close before Start must keep a later Start from running.
		n.startOnce.Do(func() {})
		if !n.started.Load() {
			return
		}
		n.cancel()

		n.mu.Lock()
		n.closed = true
		s := n.session
		n.session = nil
		n.mu.Unlock()

		done := make(chan struct{})
		go func() {
			defer close(done)
			if s != nil {
				s.stop()
			}
			n.pool.Stop()
		}()
		select {
		case <-done:
			n.log.Info("clipring node closed")
		case <-ctx.Done():
			closeErr = fmt.Errorf("close node: %w", ctx.Err())
		}
	})
	return closeErr
}

func listenPort(addr net.Addr) int { // H
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return syncengine.DefaultPort
}
