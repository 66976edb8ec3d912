package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Sweeper is the backstop behind the countdown scheduler: it periodically
// refunds trades whose deadline passed without a countdown firing (missed
// rearm, scheduler outage). A trade that already moved on is left alone.
type Sweeper struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates an overdue-trade sweeper.
func NewSweeper(service *Service, store Store, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		service:  service,
		store:    store,
		interval: 30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
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
			s.safeSweep(ctx)
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

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in trade sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.sweep(ctx)
}

func (s *Sweeper) sweep(ctx context.Context) {
	now := time.Now()
	overdue, err := s.store.ListOverdue(ctx,
		now.Add(-s.service.paymentWindow),
		now.Add(-s.service.confirmWindow),
		100)
	if err != nil {
		s.logger.Warn("failed to list overdue trades", "error", err)
		return
	}

	for _, t := range overdue {
		var terr error
		switch t.EscrowStatus {
		case StatusPending, StatusProofSubmitted:
			_, terr = s.service.PaymentTimeout(ctx, t.ID)
		case StatusPaymentClaimed:
			_, terr = s.service.ConfirmationTimeout(ctx, t.ID)
		default:
			continue
		}
		if terr != nil {
			// A user transition or countdown beat us to it.
			if errors.Is(terr, ErrInvalidStatus) || errors.Is(terr, ErrAlreadyResolved) {
				continue
			}
			s.logger.Warn("failed to refund overdue trade", "tradeId", t.ID, "error", terr)
			continue
		}
		s.logger.Info("refunded overdue trade by sweep",
			"tradeId", t.ID, "status", t.EscrowStatus)
	}
}
