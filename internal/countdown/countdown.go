// Package countdown issues per-trade deadline countdowns.
//
// A countdown is armed once and resolves exactly one way: it fires at its
// deadline or it is cancelled first. Cancellation racing a fire is reported
// as ErrAlreadyFired rather than silently dropped, so callers always learn
// which side won.
package countdown

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tradehub-ng/tradehub/internal/metrics"
)

var (
	// ErrAlreadyFired is returned by Cancel when the countdown fired first.
	ErrAlreadyFired = errors.New("countdown already fired")
	// ErrStopped is returned by Schedule after the scheduler has been stopped.
	ErrStopped = errors.New("countdown scheduler stopped")
)

// Purpose identifies what a countdown guards.
type Purpose string

const (
	PurposePaymentWindow      Purpose = "payment_window"
	PurposeConfirmationWindow Purpose = "confirmation_window"
)

// Deadline is delivered to the fire callback when a countdown elapses.
type Deadline struct {
	TradeID string
	Purpose Purpose
	FiredAt time.Time
}

// handle states
const (
	stateArmed = iota
	stateFired
	stateCancelled
)

// Handle identifies a scheduled countdown.
type Handle struct {
	tradeID string
	purpose Purpose

	mu    sync.Mutex
	state int
	timer *time.Timer
}

// TradeID returns the trade the countdown belongs to.
func (h *Handle) TradeID() string { return h.tradeID }

// Purpose returns what the countdown guards.
func (h *Handle) Purpose() Purpose { return h.purpose }

// Fired reports whether the countdown has fired.
func (h *Handle) Fired() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == stateFired
}

// resolve transitions armed -> to. Returns false if the handle was already
// resolved; the loser of a cancel/fire race gets false and must not act.
func (h *Handle) resolve(to int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != stateArmed {
		return false
	}
	h.state = to
	if to == stateCancelled && h.timer != nil {
		h.timer.Stop()
	}
	return true
}

// Scheduler arms and cancels countdowns. At most one countdown per
// (trade, purpose) pair is armed at a time; scheduling again replaces
// the previous one.
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	active  map[string]*Handle // key: tradeID + "/" + purpose
	stopped bool
	wg      sync.WaitGroup // one unit per unresolved handle
}

// NewScheduler creates a countdown scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		logger: logger,
		active: make(map[string]*Handle),
	}
}

func key(tradeID string, p Purpose) string {
	return tradeID + "/" + string(p)
}

// Schedule arms a countdown that calls fire once after d, unless cancelled.
// An armed countdown for the same trade and purpose is replaced.
func (s *Scheduler) Schedule(tradeID string, p Purpose, d time.Duration, fire func(Deadline)) (*Handle, error) {
	h := &Handle{tradeID: tradeID, purpose: p}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	prev := s.active[key(tradeID, p)]
	s.active[key(tradeID, p)] = h
	s.wg.Add(1)
	s.mu.Unlock()

	if prev != nil && prev.resolve(stateCancelled) {
		s.wg.Done()
		metrics.CountdownsCancelledTotal.WithLabelValues(string(p)).Inc()
	}

	h.mu.Lock()
	h.timer = time.AfterFunc(d, func() {
		if !h.resolve(stateFired) {
			return
		}
		defer s.wg.Done()
		// The fired handle stays in its slot so a later cancel still
		// learns the deadline won; Cancel removes it on observation.
		metrics.CountdownsFiredTotal.WithLabelValues(string(p)).Inc()
		s.logger.Info("countdown fired", "tradeId", tradeID, "purpose", p)
		fire(Deadline{TradeID: tradeID, Purpose: p, FiredAt: time.Now()})
	})
	h.mu.Unlock()

	metrics.CountdownsScheduledTotal.WithLabelValues(string(p)).Inc()
	s.logger.Debug("countdown scheduled", "tradeId", tradeID, "purpose", p, "duration", d)
	return h, nil
}

// Cancel disarms a countdown. Returns ErrAlreadyFired if the deadline won
// the race; cancelling an already-cancelled countdown is a no-op.
func (s *Scheduler) Cancel(h *Handle) error {
	if h == nil {
		return nil
	}

	if !h.resolve(stateCancelled) {
		if h.Fired() {
			s.forget(h)
			return ErrAlreadyFired
		}
		return nil
	}

	s.wg.Done()
	s.forget(h)
	metrics.CountdownsCancelledTotal.WithLabelValues(string(h.purpose)).Inc()
	s.logger.Debug("countdown cancelled", "tradeId", h.tradeID, "purpose", h.purpose)
	return nil
}

// CancelFor disarms the countdown for one trade and purpose. Returns
// ErrAlreadyFired if the deadline won the race; a missing slot is a no-op.
func (s *Scheduler) CancelFor(tradeID string, p Purpose) error {
	s.mu.Lock()
	h := s.active[key(tradeID, p)]
	s.mu.Unlock()
	return s.Cancel(h)
}

// CancelAllFor disarms every countdown guarding the given trade.
func (s *Scheduler) CancelAllFor(tradeID string) {
	s.mu.Lock()
	var handles []*Handle
	for _, p := range []Purpose{PurposePaymentWindow, PurposeConfirmationWindow} {
		if h, ok := s.active[key(tradeID, p)]; ok {
			handles = append(handles, h)
		}
	}
	s.mu.Unlock()

	for _, h := range handles {
		_ = s.Cancel(h)
	}
}

// Stop cancels all armed countdowns and refuses further scheduling.
// Blocks until in-flight fire callbacks finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	handles := make([]*Handle, 0, len(s.active))
	for _, h := range s.active {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		_ = s.Cancel(h)
	}
	s.wg.Wait()
}

// Active reports the number of armed countdowns.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.active))
	for _, h := range s.active {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	n := 0
	for _, h := range handles {
		h.mu.Lock()
		if h.state == stateArmed {
			n++
		}
		h.mu.Unlock()
	}
	return n
}

// forget removes a resolved handle from the active map, but only if it is
// still the current handle for its slot (it may have been replaced).
func (s *Scheduler) forget(h *Handle) {
	s.mu.Lock()
	if cur, ok := s.active[key(h.tradeID, h.purpose)]; ok && cur == h {
		delete(s.active, key(h.tradeID, h.purpose))
	}
	s.mu.Unlock()
}
