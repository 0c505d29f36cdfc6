package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	logKeyAddress = "address"
	logKeyRemote  = "remote"
	logKeyError   = "error"

	// DefaultReadTimeout bounds how long a connection may take to deliver
	// its frame.
	DefaultReadTimeout = 30 * time.Second
	// DefaultAcceptRate is the per-IP connection budget per second.
	DefaultAcceptRate = 20
	// DefaultAcceptBurst is the per-IP burst on top of DefaultAcceptRate.
	DefaultAcceptBurst = 40

	limiterIdle = 5 * time.Minute
)

// ConnHandler processes one accepted connection. The server closes the
// connection when the handler returns.
type ConnHandler func(ctx context.Context, conn net.Conn)

// ServerConfig configures a Server.
type ServerConfig struct {
	// ListenAddr is a host:port; port 0 picks a free port.
	ListenAddr string
	Handler    ConnHandler
	// ReadTimeout is set as the connection deadline before Handler runs.
	ReadTimeout time.Duration
	// AcceptRate and AcceptBurst limit connections per remote IP. A zero
	// rate uses the defaults; a negative rate disables limiting.
	AcceptRate  rate.Limit
	AcceptBurst int
	Logger      *slog.Logger
}

// Server accepts TCP connections and hands each to a ConnHandler on its
// own goroutine.
type Server struct {
	cfg ServerConfig
	log *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	running  bool
	stopCh   chan struct{}
	conns    map[net.Conn]struct{}
	limiters map[string]*ipLimiter

	wg sync.WaitGroup
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewServer validates cfg and returns an idle Server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Handler == nil {
		return nil, errors.New("transport: server needs a handler")
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.AcceptRate == 0 {
		cfg.AcceptRate = DefaultAcceptRate
	}
	if cfg.AcceptBurst <= 0 {
		cfg.AcceptBurst = DefaultAcceptBurst
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		log:      logger,
		conns:    make(map[net.Conn]struct{}),
		limiters: make(map[string]*ipLimiter),
	}, nil
}

// Start binds the listener and returns once it is accepting. A bind
// failure is returned to the caller; everything after that is logged.
func (s *Server) Start(ctx context.Context) error { // A
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("transport: server is already running")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}

	stopCh := make(chan struct{})
	s.listener = ln
	s.running = true
	s.stopCh = stopCh

	s.log.InfoContext(ctx, "listening",
		logKeyAddress, ln.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln, stopCh)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

// Addr returns the bound address, or nil when not running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every open connection and waits for
// their goroutines.
func (s *Server) Stop() { // A
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	if err := s.listener.Close(); err != nil {
		s.log.Warn("error closing listener",
			logKeyError, err.Error())
	}
	for c := range s.conns {
		_ = c.Close()
	}
	s.running = false
	s.listener = nil
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Server) acceptLoop( // A
	ctx context.Context,
	ln net.Listener,
	stopCh chan struct{},
) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WarnContext(ctx, "error accepting connection",
				logKeyError, err.Error())
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if !s.allow(conn.RemoteAddr()) {
			s.log.DebugContext(ctx, "connection rate limited",
				logKeyRemote, conn.RemoteAddr().String())
			_ = conn.Close()
			continue
		}

		if !s.track(conn) {
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection( // A
	ctx context.Context,
	conn net.Conn,
) {
	defer s.wg.Done()
	defer func() {
		s.untrack(conn)
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.DebugContext(ctx, "error closing connection",
				logKeyError, err.Error())
		}
	}()

	if err := conn.SetDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
		return
	}
	s.cfg.Handler(ctx, conn)
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// allow applies the per-IP token bucket. Idle buckets are pruned on the
// way.
func (s *Server) allow(addr net.Addr) bool {
	if s.cfg.AcceptRate < 0 {
		return true
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for ip, l := range s.limiters {
		if now.Sub(l.lastSeen) > limiterIdle {
			delete(s.limiters, ip)
		}
	}
	l, ok := s.limiters[host]
	if !ok {
		l = &ipLimiter{limiter: rate.NewLimiter(s.cfg.AcceptRate, s.cfg.AcceptBurst)}
		s.limiters[host] = l
	}
	l.lastSeen = now
	return l.limiter.AllowN(now, 1)
}
