package request

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Sweeper periodically expires open requests past their TTL.
type Sweeper struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a request expiry sweeper.
func NewSweeper(service *Service, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		service:  service,
		interval: 30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the expiry loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeExpire(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeExpire(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in request sweeper", "panic", fmt.Sprint(r))
		}
	}()

	expired, err := s.service.ExpireOverdue(ctx, 100)
	if err != nil {
		s.logger.Warn("failed to expire requests", "error", err)
		return
	}
	if expired > 0 {
		s.logger.Info("expired stale trade requests", "count", expired)
	}
}
