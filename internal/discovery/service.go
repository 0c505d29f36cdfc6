package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultBrowseInterval is the length of one browse round.
	DefaultBrowseInterval = 30 * time.Second
	staleFactor           = 3
)

// Backend is the mDNS implementation. Zeroconf is the production one.
type Backend interface {
	// Advertise publishes this device until the returned stop is called.
	Advertise(instance string, port int, txt []string) (stop func(), err error)
	// Browse resolves ring candidates until ctx is done, sending each
	// observation to out. It returns nil when ctx ends normally.
	Browse(ctx context.Context, out chan<- Presence) error
}

// ServiceConfig configures a Service.
type ServiceConfig struct { // A
	Directory   *Directory
	Backend     Backend
	DeviceID    string
	Token       string
	DisplayName string
	Port        int
	// BrowseInterval is the length of one browse round; each round starts
	// a fresh query so live peers are seen again and refreshed.
	BrowseInterval time.Duration
	// StaleAfter removes peers not seen for this long. Zero means three
	// browse intervals.
	StaleAfter time.Duration
	Logger     *slog.Logger
}

// Service advertises the local device and feeds browse results into a
// Directory until its context is cancelled.
type Service struct { // A
	cfg ServiceConfig
	log *slog.Logger
}

// NewService validates cfg.
func NewService(cfg ServiceConfig) (*Service, error) { // A
	if cfg.Directory == nil || cfg.Backend == nil {
		return nil, errors.New("discovery: service needs a directory and a backend")
	}
	if cfg.DeviceID == "" || cfg.Token == "" {
		return nil, errors.New("discovery: service needs a device id and a ring token")
	}
	if cfg.BrowseInterval <= 0 {
		cfg.BrowseInterval = DefaultBrowseInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = staleFactor * cfg.BrowseInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cfg: cfg, log: logger}, nil
}

// Run advertises, browses in rounds and sweeps stale peers. It blocks
// until ctx is done. Only a failure to advertise is returned; browse
// errors are retried with exponential backoff.
func (s *Service) Run(ctx context.Context) error { // A
	instance := InstanceName(s.cfg.DeviceID)
	stop, err := s.cfg.Backend.Advertise(
		instance,
		s.cfg.Port,
		TXTRecords(s.cfg.Token, s.cfg.DisplayName, s.cfg.DeviceID),
	)
	if err != nil {
		return fmt.Errorf("advertise %s: %w", instance, err)
	}
	defer stop()

	s.log.InfoContext(ctx, "advertising",
		logKeyDevice, s.cfg.DeviceID,
		logKeyName, s.cfg.DisplayName)

	go s.cfg.Directory.sweepLoop(ctx, s.cfg.BrowseInterval, s.cfg.StaleAfter)

	presences := make(chan Presence, 32)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case p := <-presences:
				s.cfg.Directory.Resolve(p)
			}
		}
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = s.cfg.BrowseInterval
	bo.MaxElapsedTime = 0

	for round := 1; ctx.Err() == nil; round++ {
		err := s.browseRound(ctx, presences)
		if err == nil {
			bo.Reset()
			continue
		}
		wait := bo.NextBackOff()
		s.log.WarnContext(ctx, "browse failed",
			logKeyRound, round,
			logKeyError, err.Error())
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return nil
}

func (s *Service) browseRound(ctx context.Context, out chan<- Presence) error { // A
	rctx, cancel := context.WithTimeout(ctx, s.cfg.BrowseInterval)
	defer cancel()
	err := s.cfg.Backend.Browse(rctx, out)
	if err != nil && rctx.Err() == nil {
		return err
	}
	return nil
}
