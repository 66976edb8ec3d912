package trade

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tradehub-ng/tradehub/internal/countdown"
	"github.com/tradehub-ng/tradehub/internal/idgen"
	"github.com/tradehub-ng/tradehub/internal/metrics"
	"github.com/tradehub-ng/tradehub/internal/traces"
)

// CreateParams carries everything needed to open a trade from a claimed
// request. RequesterID and CounterpartyID plus Direction determine who
// pays fiat and who releases the asset.
type CreateParams struct {
	RequestID      string
	RequesterID    string
	CounterpartyID string
	Direction      Direction
	CoinType       string
	Amount         decimal.Decimal
	FiatAmount     decimal.Decimal
	Rate           decimal.Decimal
	PaymentMethod  string
}

// State is a point-in-time snapshot used by observers to resync after
// missed or duplicated events.
type State struct {
	Trade    *Trade            `json:"trade"`
	Deadline *time.Time        `json:"deadline,omitempty"`
	Purpose  countdown.Purpose `json:"deadlinePurpose,omitempty"`
}

// Service implements the escrow state machine.
type Service struct {
	store     Store
	events    EventStore
	countdown *countdown.Scheduler
	logger    *slog.Logger

	paymentWindow time.Duration
	confirmWindow time.Duration

	sinks []EventSink
	locks sync.Map // per-trade ID locks to prevent race conditions
}

// NewService creates a trade service.
func NewService(store Store, events EventStore, sched *countdown.Scheduler, paymentWindow, confirmWindow time.Duration, logger *slog.Logger) *Service {
	return &Service{
		store:         store,
		events:        events,
		countdown:     sched,
		logger:        logger,
		paymentWindow: paymentWindow,
		confirmWindow: confirmWindow,
	}
}

// WithSink adds an event sink (realtime bus, notifications).
func (s *Service) WithSink(sink EventSink) *Service {
	s.sinks = append(s.sinks, sink)
	return s
}

// tradeLock returns a mutex for the given trade ID.
// This prevents concurrent state transitions (e.g. confirm + timeout racing).
func (s *Service) tradeLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// CreateFromRequest opens a trade in pending for a freshly claimed request
// and arms the payment window countdown.
func (s *Service) CreateFromRequest(ctx context.Context, p CreateParams) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.create",
		traces.RequestID(p.RequestID), traces.ActorID(p.CounterpartyID))
	defer span.End()

	if p.RequesterID == p.CounterpartyID {
		return nil, ErrUnauthorized
	}

	if existing, err := s.store.GetByRequest(ctx, p.RequestID); err == nil && existing != nil {
		return nil, ErrInvalidStatus
	}

	// The seller releases the asset; the buyer pays fiat.
	buyerID, sellerID := p.RequesterID, p.CounterpartyID
	if p.Direction == DirectionSell {
		buyerID, sellerID = p.CounterpartyID, p.RequesterID
	}

	now := time.Now()
	trade := &Trade{
		ID:            idgen.WithPrefix("trd_"),
		RequestID:     p.RequestID,
		BuyerID:       buyerID,
		SellerID:      sellerID,
		Direction:     p.Direction,
		CoinType:      p.CoinType,
		Amount:        p.Amount,
		FiatAmount:    p.FiatAmount,
		Rate:          p.Rate,
		PaymentMethod: p.PaymentMethod,
		EscrowStatus:  StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.store.Create(ctx, trade); err != nil {
		return nil, fmt.Errorf("failed to create trade record: %w", err)
	}

	s.emit(ctx, trade, "", p.CounterpartyID, CauseUserAction, "")
	s.schedulePaymentWindow(trade, s.paymentWindow)

	s.logger.Info("trade opened",
		"tradeId", trade.ID, "requestId", p.RequestID,
		"buyerId", buyerID, "sellerId", sellerID)
	return trade, nil
}

// SubmitProof attaches a payment proof. From pending this advances to
// proof_submitted; a second upload while still in proof_submitted replaces
// the artifact without a transition. The payment window keeps running.
func (s *Service) SubmitProof(ctx context.Context, id, actorID string, proof Proof) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.submit_proof",
		traces.TradeID(id), traces.ActorID(actorID))
	defer span.End()

	mu := s.tradeLock(id)
	mu.Lock()
	defer mu.Unlock()

	trade, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := proofGate(trade, actorID); err != nil {
		return nil, err
	}

	switch trade.EscrowStatus {
	case StatusPending:
		now := time.Now()
		from := trade.EscrowStatus
		proof.UploadedAt = now
		trade.Proof = &proof
		trade.EscrowStatus = StatusProofSubmitted
		trade.UpdatedAt = now

		if err := s.store.Update(ctx, trade); err != nil {
			return nil, err
		}
		s.emit(ctx, trade, from, actorID, CauseUserAction, "")
		return trade, nil

	default:
		// StatusProofSubmitted: replace the artifact; no transition, no event.
		proof.UploadedAt = time.Now()
		trade.Proof = &proof
		if err := s.store.Update(ctx, trade); err != nil {
			return nil, err
		}
		return trade, nil
	}
}

// proofGate verifies the actor may attach a proof to the trade in its
// current state. Shared by SubmitProof and AcceptsProof so the pre-upload
// check and the transition can never disagree.
func proofGate(t *Trade, actorID string) error {
	if actorID != t.PayerID() {
		return ErrUnauthorized
	}
	if t.IsTerminal() {
		return ErrAlreadyResolved
	}
	if t.EscrowStatus != StatusPending && t.EscrowStatus != StatusProofSubmitted {
		return ErrInvalidStatus
	}
	return nil
}

// AcceptsProof reports whether a proof submission by the actor would be
// accepted right now. Handlers call this before the artifact touches
// storage, so a doomed upload is rejected while it is still just bytes
// instead of leaving an orphaned blob behind.
func (s *Service) AcceptsProof(ctx context.Context, id, actorID string) error {
	mu := s.tradeLock(id)
	mu.Lock()
	defer mu.Unlock()

	trade, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return proofGate(trade, actorID)
}

// MarkPaid is the payer's declaration that the fiat payment was sent.
// Requires an attached proof; stops the payment window and starts the
// confirmation window.
func (s *Service) MarkPaid(ctx context.Context, id, actorID string) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.mark_paid",
		traces.TradeID(id), traces.ActorID(actorID))
	defer span.End()

	mu := s.tradeLock(id)
	mu.Lock()
	defer mu.Unlock()

	trade, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if actorID != trade.PayerID() {
		return nil, ErrUnauthorized
	}

	if trade.IsTerminal() {
		return nil, ErrAlreadyResolved
	}

	switch trade.EscrowStatus {
	case StatusProofSubmitted:
		if trade.Proof == nil {
			return nil, ErrProofRequired
		}
	case StatusPending:
		// No proof attached yet.
		return nil, ErrProofRequired
	default:
		// Covers double mark-paid: payment_claimed is not a valid source.
		return nil, ErrInvalidStatus
	}

	now := time.Now()
	from := trade.EscrowStatus
	trade.EscrowStatus = StatusPaymentClaimed
	trade.UpdatedAt = now

	if err := s.store.Update(ctx, trade); err != nil {
		return nil, err
	}

	s.emit(ctx, trade, from, actorID, CauseUserAction, "")
	s.cancelCountdown(trade.ID, countdown.PurposePaymentWindow)
	s.scheduleConfirmationWindow(trade, s.confirmWindow)
	return trade, nil
}

// ConfirmReceipt is the payee's answer to "did the fiat payment arrive".
// A positive answer settles the trade (receipt_confirmed, then settled).
// A negative answer changes nothing; the payee either waits or disputes.
func (s *Service) ConfirmReceipt(ctx context.Context, id, actorID string, received bool) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.confirm_receipt",
		traces.TradeID(id), traces.ActorID(actorID))
	defer span.End()

	mu := s.tradeLock(id)
	mu.Lock()
	defer mu.Unlock()

	trade, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if actorID != trade.PayeeID() {
		return nil, ErrUnauthorized
	}

	if trade.IsTerminal() {
		return nil, ErrAlreadyResolved
	}

	if trade.EscrowStatus != StatusPaymentClaimed {
		return nil, ErrInvalidStatus
	}

	if !received {
		// Explicit non-confirmation leaves the trade in payment_claimed.
		return trade, nil
	}

	now := time.Now()
	trade.EscrowStatus = StatusReceiptConfirmed
	trade.UpdatedAt = now
	s.emit(ctx, trade, StatusPaymentClaimed, actorID, CauseUserAction, "")

	// Settlement follows confirmation immediately; the asset release is a
	// single step from the parties' point of view. The settled event must
	// carry a strictly later timestamp than the confirmation: the audit
	// listing orders on occurred_at, and a tie would leave the pair's order
	// to a tiebreak on random event ids.
	settledAt := now.Add(time.Microsecond)
	trade.EscrowStatus = StatusSettled
	trade.UpdatedAt = settledAt
	trade.ResolvedAt = &settledAt

	if err := s.store.Update(ctx, trade); err != nil {
		// Retry once — the confirmation event is already recorded.
		if retryErr := s.store.Update(ctx, trade); retryErr != nil {
			// CRITICAL: settlement decided but the record is stale. Log for
			// manual resolution rather than inventing a rollback.
			log.Printf("CRITICAL: trade %s settled but status update failed: %v",
				trade.ID, retryErr)
			return nil, fmt.Errorf("failed to update trade after settlement (requires manual resolution): %w", err)
		}
	}

	s.emit(ctx, trade, StatusReceiptConfirmed, actorID, CauseUserAction, "")
	s.cancelCountdown(trade.ID, countdown.PurposeConfirmationWindow)

	metrics.TradesTotal.WithLabelValues(string(StatusSettled)).Inc()
	metrics.TradeDuration.Observe(now.Sub(trade.CreatedAt).Seconds())
	s.logger.Info("trade settled", "tradeId", trade.ID)
	return trade, nil
}

// RaiseDispute freezes the trade for out-of-band resolution. Either party
// may dispute from any non-terminal status.
func (s *Service) RaiseDispute(ctx context.Context, id, actorID, reason string) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.raise_dispute",
		traces.TradeID(id), traces.ActorID(actorID))
	defer span.End()

	mu := s.tradeLock(id)
	mu.Lock()
	defer mu.Unlock()

	trade, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !trade.IsParty(actorID) {
		return nil, ErrUnauthorized
	}

	if trade.IsTerminal() {
		return nil, ErrAlreadyResolved
	}

	now := time.Now()
	from := trade.EscrowStatus
	trade.EscrowStatus = StatusDisputed
	trade.DisputeReason = reason
	trade.DisputedBy = actorID
	trade.ResolvedAt = &now
	trade.UpdatedAt = now

	if err := s.store.Update(ctx, trade); err != nil {
		return nil, err
	}

	s.emit(ctx, trade, from, actorID, CauseUserAction, reason)
	s.countdown.CancelAllFor(trade.ID)

	metrics.TradesTotal.WithLabelValues(string(StatusDisputed)).Inc()
	s.logger.Warn("trade disputed", "tradeId", trade.ID, "by", actorID, "reason", reason)
	return trade, nil
}

// PaymentTimeout refunds a trade whose payer never claimed payment within
// the window. Valid from pending and proof_submitted; anything later means
// a transition won the race and this is a no-op failure.
func (s *Service) PaymentTimeout(ctx context.Context, id string) (*Trade, error) {
	return s.timeout(ctx, id, countdown.PurposePaymentWindow, StatusPending, StatusProofSubmitted)
}

// ConfirmationTimeout refunds a trade whose payee never confirmed receipt.
// Valid only from payment_claimed.
func (s *Service) ConfirmationTimeout(ctx context.Context, id string) (*Trade, error) {
	return s.timeout(ctx, id, countdown.PurposeConfirmationWindow, StatusPaymentClaimed)
}

func (s *Service) timeout(ctx context.Context, id string, purpose countdown.Purpose, validFrom ...Status) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.timeout",
		traces.TradeID(id), traces.Purpose(string(purpose)))
	defer span.End()

	mu := s.tradeLock(id)
	mu.Lock()
	defer mu.Unlock()

	trade, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if trade.IsTerminal() {
		return nil, ErrAlreadyResolved
	}

	valid := false
	for _, st := range validFrom {
		if trade.EscrowStatus == st {
			valid = true
			break
		}
	}
	if !valid {
		return nil, ErrInvalidStatus
	}

	now := time.Now()
	from := trade.EscrowStatus
	trade.EscrowStatus = StatusRefunded
	trade.ResolvedAt = &now
	trade.UpdatedAt = now

	if err := s.store.Update(ctx, trade); err != nil {
		return nil, err
	}

	s.emit(ctx, trade, from, "", CauseTimeout, string(purpose))
	s.countdown.CancelAllFor(trade.ID)

	metrics.TradesTotal.WithLabelValues(string(StatusRefunded)).Inc()
	s.logger.Info("trade refunded on timeout", "tradeId", trade.ID, "purpose", purpose, "from", from)
	return trade, nil
}

// Get returns a trade to one of its parties.
func (s *Service) Get(ctx context.Context, id, actorID string) (*Trade, error) {
	trade, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !trade.IsParty(actorID) {
		return nil, ErrUnauthorized
	}
	return trade, nil
}

// ListByUser returns the trades a user participates in, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Trade, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// Events returns a trade's transition history to one of its parties.
func (s *Service) Events(ctx context.Context, id, actorID string, limit int) ([]*Event, error) {
	trade, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !trade.IsParty(actorID) {
		return nil, ErrUnauthorized
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.events.ListByTrade(ctx, id, limit)
}

// CurrentState returns an authoritative snapshot for resync. The active
// deadline is derived from the record, never from timer state, so it
// survives restarts.
func (s *Service) CurrentState(ctx context.Context, id, actorID string) (*State, error) {
	trade, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !trade.IsParty(actorID) {
		return nil, ErrUnauthorized
	}

	state := &State{Trade: trade}
	if deadline, purpose, ok := activeDeadline(trade, s.paymentWindow, s.confirmWindow); ok {
		state.Deadline = &deadline
		state.Purpose = purpose
	}
	return state, nil
}

// IsParty reports whether userID participates in the given trade.
// Used by the realtime bus to scope subscriptions.
func (s *Service) IsParty(ctx context.Context, tradeID, userID string) (bool, error) {
	trade, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return false, err
	}
	return trade.IsParty(userID), nil
}

// Counterparty returns the other party's id, or ErrUnauthorized when
// userID is not a party. Used by trade chat to address messages.
func (s *Service) Counterparty(ctx context.Context, tradeID, userID string) (string, error) {
	trade, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return "", err
	}
	other := trade.Counterparty(userID)
	if other == "" {
		return "", ErrUnauthorized
	}
	return other, nil
}

// activeDeadline derives the running window from the trade record.
// The payment window is anchored at creation and spans both pending and
// proof_submitted; the confirmation window is anchored at the transition
// into payment_claimed.
func activeDeadline(t *Trade, paymentWindow, confirmWindow time.Duration) (time.Time, countdown.Purpose, bool) {
	switch t.EscrowStatus {
	case StatusPending, StatusProofSubmitted:
		return t.CreatedAt.Add(paymentWindow), countdown.PurposePaymentWindow, true
	case StatusPaymentClaimed:
		return t.UpdatedAt.Add(confirmWindow), countdown.PurposeConfirmationWindow, true
	}
	return time.Time{}, "", false
}

// emit appends one transition event and fans it out to the sinks.
// Event persistence is best-effort: the state change already landed, so a
// failed append is logged loudly instead of failing the operation.
func (s *Service) emit(ctx context.Context, trade *Trade, from Status, actorID string, cause Cause, reason string) {
	event := &Event{
		ID:         idgen.WithPrefix("evt_"),
		TradeID:    trade.ID,
		FromStatus: from,
		ToStatus:   trade.EscrowStatus,
		ActorID:    actorID,
		Cause:      cause,
		Reason:     reason,
		OccurredAt: trade.UpdatedAt,
	}

	if err := s.events.Append(ctx, event); err != nil {
		log.Printf("CRITICAL: trade %s transition %s->%s applied but event append failed: %v",
			trade.ID, from, trade.EscrowStatus, err)
	}

	for _, sink := range s.sinks {
		sink.TradeEvent(trade, event)
	}
}

func (s *Service) schedulePaymentWindow(trade *Trade, d time.Duration) {
	if s.countdown == nil {
		return
	}
	_, err := s.countdown.Schedule(trade.ID, countdown.PurposePaymentWindow, d, func(dl countdown.Deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := s.PaymentTimeout(ctx, dl.TradeID); err != nil {
			s.logger.Debug("payment timeout skipped", "tradeId", dl.TradeID, "reason", err)
		}
	})
	if err != nil {
		s.logger.Warn("failed to arm payment window", "tradeId", trade.ID, "error", err)
	}
}

func (s *Service) scheduleConfirmationWindow(trade *Trade, d time.Duration) {
	if s.countdown == nil {
		return
	}
	_, err := s.countdown.Schedule(trade.ID, countdown.PurposeConfirmationWindow, d, func(dl countdown.Deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := s.ConfirmationTimeout(ctx, dl.TradeID); err != nil {
			s.logger.Debug("confirmation timeout skipped", "tradeId", dl.TradeID, "reason", err)
		}
	})
	if err != nil {
		s.logger.Warn("failed to arm confirmation window", "tradeId", trade.ID, "error", err)
	}
}

func (s *Service) cancelCountdown(tradeID string, purpose countdown.Purpose) {
	if s.countdown == nil {
		return
	}
	if err := s.countdown.CancelFor(tradeID, purpose); err != nil {
		// The deadline won the race; the timeout path holds the same trade
		// lock we hold, so it will observe the new status and no-op.
		s.logger.Info("countdown fired before cancel", "tradeId", tradeID, "purpose", purpose)
	}
}

// Rearm reconstructs countdowns for in-flight trades after a restart.
// Deadlines already in the past are applied immediately.
func (s *Service) Rearm(ctx context.Context) error {
	trades, err := s.store.ListActive(ctx, 1000)
	if err != nil {
		return fmt.Errorf("failed to list active trades: %w", err)
	}

	now := time.Now()
	rearmed, expired := 0, 0
	for _, t := range trades {
		deadline, purpose, ok := activeDeadline(t, s.paymentWindow, s.confirmWindow)
		if !ok {
			continue
		}
		if remaining := deadline.Sub(now); remaining > 0 {
			if purpose == countdown.PurposePaymentWindow {
				s.schedulePaymentWindow(t, remaining)
			} else {
				s.scheduleConfirmationWindow(t, remaining)
			}
			rearmed++
			continue
		}
		var terr error
		if purpose == countdown.PurposePaymentWindow {
			_, terr = s.PaymentTimeout(ctx, t.ID)
		} else {
			_, terr = s.ConfirmationTimeout(ctx, t.ID)
		}
		if terr == nil {
			expired++
		}
	}

	s.logger.Info("countdowns rearmed", "rearmed", rearmed, "expiredOnStartup", expired)
	return nil
}
