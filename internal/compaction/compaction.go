// Package compaction runs the time-driven side of room maintenance:
// compacting rooms whose pending fragments have aged past the interval,
// retrying snapshots that failed to save, and evicting idle rooms.
// Count and size thresholds are handled inline by the room manager.
package compaction

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Rooms is the part of the room manager the service drives.
type Rooms interface {
	CompactDue(maxAge time.Duration) int
	EvictIdle(ctx context.Context, idle time.Duration) int
}

type Config struct {
	// Interval is how often the service wakes up.
	Interval time.Duration
	// MaxPendingAge compacts rooms whose oldest pending fragment is at
	// least this old.
	MaxPendingAge time.Duration
	// IdleTimeout evicts rooms with no sessions idle for this long.
	// Zero disables eviction.
	IdleTimeout time.Duration
	// EvictTimeout bounds the flush performed by one eviction pass.
	EvictTimeout time.Duration

	Logger *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		Interval:      30 * time.Second,
		MaxPendingAge: time.Minute,
		IdleTimeout:   10 * time.Minute,
		EvictTimeout:  30 * time.Second,
	}
}

type Service struct {
	rooms  Rooms
	config Config
	logger *slog.Logger
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func New(rooms Rooms, config Config) *Service {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.MaxPendingAge <= 0 {
		config.MaxPendingAge = defaults.MaxPendingAge
	}
	if config.EvictTimeout <= 0 {
		config.EvictTimeout = defaults.EvictTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		rooms:  rooms,
		config: config,
		logger: logger.With("component", "compaction"),
		stop:   make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("compaction service started",
		"interval", s.config.Interval,
		"max_pending_age", s.config.MaxPendingAge,
		"idle_timeout", s.config.IdleTimeout)
}

func (s *Service) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.logger.Info("compaction service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// RunOnce performs a single maintenance pass.
func (s *Service) RunOnce() {
	if n := s.rooms.CompactDue(s.config.MaxPendingAge); n > 0 {
		s.logger.Debug("scheduled aged compactions", "rooms", n)
	}

	if s.config.IdleTimeout <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.config.EvictTimeout)
	defer cancel()
	if n := s.rooms.EvictIdle(ctx, s.config.IdleTimeout); n > 0 {
		s.logger.Info("evicted idle rooms", "rooms", n)
	}
}
