package trade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tradehub-ng/tradehub/internal/countdown"
	"github.com/tradehub-ng/tradehub/internal/logging"
)

// captureSink records fanned-out events for verification.
type captureSink struct {
	mu     sync.Mutex
	events []*Event
}

func (c *captureSink) TradeEvent(trade *Trade, event *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := *event
	c.events = append(c.events, &e)
}

func (c *captureSink) all() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Event, len(c.events))
	copy(out, c.events)
	return out
}

func newTestService(t *testing.T, paymentWindow, confirmWindow time.Duration) (*Service, *MemoryStore, *MemoryEventStore, *captureSink, *countdown.Scheduler) {
	t.Helper()
	store := NewMemoryStore()
	events := NewMemoryEventStore()
	sched := countdown.NewScheduler(logging.Discard())
	t.Cleanup(sched.Stop)
	sink := &captureSink{}
	svc := NewService(store, events, sched, paymentWindow, confirmWindow, logging.Discard()).WithSink(sink)
	return svc, store, events, sink, sched
}

func testParams(requestID string, direction Direction) CreateParams {
	return CreateParams{
		RequestID:      requestID,
		RequesterID:    "usr_requester",
		CounterpartyID: "usr_counterparty",
		Direction:      direction,
		CoinType:       "BTC",
		Amount:         decimal.RequireFromString("0.005"),
		FiatAmount:     decimal.RequireFromString("8500000"),
		Rate:           decimal.RequireFromString("1700000000"),
		PaymentMethod:  "bank_transfer",
	}
}

var reqSeq atomic.Int64

func openTrade(t *testing.T, svc *Service, direction Direction) *Trade {
	t.Helper()
	requestID := fmt.Sprintf("req_%d", reqSeq.Add(1))
	trade, err := svc.CreateFromRequest(context.Background(), testParams(requestID, direction))
	if err != nil {
		t.Fatalf("CreateFromRequest failed: %v", err)
	}
	return trade
}

func testProof() Proof {
	return Proof{URL: "https://blobs.local/payment-proofs/p.png", MIMEType: "image/png", SizeBytes: 2048}
}

func TestCreateFromRequest_RolesFollowDirection(t *testing.T) {
	svc, _, _, _, _ := newTestService(t, time.Hour, time.Hour)
	ctx := context.Background()

	// Requester sells the asset: counterparty pays fiat.
	sell, err := svc.CreateFromRequest(ctx, testParams("req_s", DirectionSell))
	if err != nil {
		t.Fatalf("CreateFromRequest failed: %v", err)
	}
	if sell.SellerID != "usr_requester" || sell.BuyerID != "usr_counterparty" {
		t.Errorf("Sell direction roles wrong: buyer=%s seller=%s", sell.BuyerID, sell.SellerID)
	}

	// Requester buys the asset: requester pays fiat.
	buy, err := svc.CreateFromRequest(ctx, testParams("req_b", DirectionBuy))
	if err != nil {
		t.Fatalf("CreateFromRequest failed: %v", err)
	}
	if buy.BuyerID != "usr_requester" || buy.SellerID != "usr_counterparty" {
		t.Errorf("Buy direction roles wrong: buyer=%s seller=%s", buy.BuyerID, buy.SellerID)
	}

	if sell.EscrowStatus != StatusPending {
		t.Errorf("New trade should be pending, got %s", sell.EscrowStatus)
	}
}

func TestCreateFromRequest_RejectsSelfTrade(t *testing.T) {
	svc, _, _, _, _ := newTestService(t, time.Hour, time.Hour)

	p := testParams("req_self", DirectionBuy)
	p.CounterpartyID = p.RequesterID
	if _, err := svc.CreateFromRequest(context.Background(), p); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized for self trade, got %v", err)
	}
}

func TestCreateFromRequest_RejectsDuplicateRequest(t *testing.T) {
	svc, _, _, _, _ := newTestService(t, time.Hour, time.Hour)
	ctx := context.Background()

	if _, err := svc.CreateFromRequest(ctx, testParams("req_dup", DirectionBuy)); err != nil {
		t.Fatalf("CreateFromRequest failed: %v", err)
	}
	if _, err := svc.CreateFromRequest(ctx, testParams("req_dup", DirectionBuy)); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus for duplicate request, got %v", err)
	}
}

func TestHappyPathSettles(t *testing.T) {
	svc, _, events, sink, _ := newTestService(t, time.Hour, time.Hour)
	ctx := context.Background()

	trade := openTrade(t, svc, DirectionSell)
	payer, payee := trade.PayerID(), trade.PayeeID()

	if _, err := svc.SubmitProof(ctx, trade.ID, payer, testProof()); err != nil {
		t.Fatalf("SubmitProof failed: %v", err)
	}
	if _, err := svc.MarkPaid(ctx, trade.ID, payer); err != nil {
		t.Fatalf("MarkPaid failed: %v", err)
	}
	final, err := svc.ConfirmReceipt(ctx, trade.ID, payee, true)
	if err != nil {
		t.Fatalf("ConfirmReceipt failed: %v", err)
	}

	if final.EscrowStatus != StatusSettled {
		t.Errorf("Expected settled, got %s", final.EscrowStatus)
	}
	if final.ResolvedAt == nil {
		t.Error("ResolvedAt should be set on settlement")
	}

	// One event per hop, in lattice order.
	wantHops := []Status{StatusPending, StatusProofSubmitted, StatusPaymentClaimed, StatusReceiptConfirmed, StatusSettled}
	recorded, err := events.ListByTrade(ctx, trade.ID, 100)
	if err != nil {
		t.Fatalf("ListByTrade failed: %v", err)
	}
	if len(recorded) != len(wantHops) {
		t.Fatalf("Expected %d events, got %d", len(wantHops), len(recorded))
	}
	for i, e := range recorded {
		if e.ToStatus != wantHops[i] {
			t.Errorf("Event %d: expected to=%s, got %s", i, wantHops[i], e.ToStatus)
		}
		if e.Cause != CauseUserAction {
			t.Errorf("Event %d: expected user_action cause, got %s", i, e.Cause)
		}
	}
	if got := len(sink.all()); got != len(wantHops) {
		t.Errorf("Sink received %d events, want %d", got, len(wantHops))
	}
}

func TestSubmitProof_PayeeUnauthorized(t *testing.T) {
	svc, _, _, _, _ := newTestService(t, time.Hour, time.Hour)

	trade := openTrade(t, svc, DirectionSell)
	if _, err := svc.SubmitProof(context.Background(), trade.ID, trade.PayeeID(), testProof()); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}
}

func TestSubmitProof_ReuploadReplacesWithoutEvent(t *testing.T) {
	svc, _, events, _, _ := newTestService(t, time.Hour, time.Hour)
	ctx := context.Background()

	trade := openTrade(t, svc, DirectionSell)
	payer := trade.PayerID()

	if _, err := svc.SubmitProof(ctx, trade.ID, payer, testProof()); err != nil {
		t.Fatalf("SubmitProof failed: %v", err)
	}

	second := Proof{URL: "https://blobs.local/payment-proofs/p2.pdf", MIMEType: "application/pdf", SizeBytes: 4096}
	updated, err := svc.SubmitProof(ctx, trade.ID, payer, second)
	if err != nil {
		t.Fatalf("Proof re-upload failed: %v", err)
	}
	if updated.EscrowStatus != StatusProofSubmitted {
		t.Errorf("Re-upload should not transition, got %s", updated.EscrowStatus)
	}
	if updated.Proof == nil || updated.Proof.URL != second.URL {
		t.Errorf("Re-upload should replace the artifact, got %+v", updated.Proof)
	}

	recorded, _ := events.ListByTrade(ctx, trade.ID, 100)
	if len(recorded) != 2 { // open + proof_submitted
		t.Errorf("Re-upload must not emit an event, got %d events", len(recorded))
	}
}

func TestMarkPaid_WithoutProofRequiresProof(t *testing.T) {
	svc, _, _, _, _ := newTestService(t, time.Hour, time.Hour)

	trade := openTrade(t, svc, DirectionSell)
	if _, err := svc.MarkPaid(context.Background(), trade.ID, trade.PayerID()); !errors.Is(err, ErrProofRequired) {
		t.Errorf("Expected ErrProofRequired, got %v", err)
	}
}

func TestMarkPaid_ByPayeeUnauthorized(t *testing.T) {
	svc, _, _, _, _ := newTestService(t, time.Hour, time.Hour)
	ctx := context.Background()

	trade := openTrade(t, svc, DirectionSell)
	if _, err := svc.SubmitProof(ctx, trade.ID, trade.PayerID(), testProof()); err != nil {
		t.Fatalf("SubmitProof failed: %v", err)
	}
	if _, err := svc.MarkPaid(ctx, trade.ID, trade.PayeeID()); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}
}

func TestMarkPaid_DoubleClaimRejected(t *testing.T) {
	svc, _, events, _, _ := newTestService(t, time.Hour, time.Hour)
	ctx := context.Background()

	trade := openTrade(t, svc, DirectionSell)
	payer := trade.PayerID()
	if _, err := svc.SubmitProof(ctx, trade.ID, payer, testProof()); err != nil {
		t.Fatalf("SubmitProof failed: %v", err)
	}
	if _, err := svc.MarkPaid(ctx, trade.ID, payer); err != nil {
		t.Fatalf("MarkPaid failed: %v", err)
	}

	before, _ := events.ListByTrade(ctx, trade.ID, 100)
	if _, err := svc.MarkPaid(ctx, trade.ID, payer); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus for double mark-paid, got %v", err)
	}
	after, _ := events.ListByTrade(ctx, trade.ID, 100)
	if len(after) != len(before) {
		t.Errorf("Rejected transition emitted events: %d -> %d", len(before), len(after))
	}
}

func TestConfirmReceipt_ByPayerUnauthorized(t *testing.T) {
	svc, _, _, _, _ := newTestService(t, time.Hour, time.Hour)
	ctx := context.Background()

	trade := openTrade(t, svc, DirectionSell)
	payer := trade.PayerID()
	if _, err := svc.SubmitProof(ctx, trade.ID, payer, testProof()); err != nil {
		t.Fatalf("SubmitProof failed: %v", err)
	}
	if _, err := svc.MarkPaid(ctx, trade.ID, payer); err != nil {
		t.Fatalf("MarkPaid failed: %v", err)
	}
	if _, err := svc.ConfirmReceipt(ctx, trade.ID, payer, true); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}
}

func TestConfirmReceipt_NegativeIsNoOp(t *testing.T) {
	svc, store, events, _, _ := newTestService(t, time.Hour, time.Hour)
	ctx := context.Background()

	trade := openTrade(t, svc, DirectionSell)
	payer, payee := trade.PayerID(), trade.PayeeID()
	if _, err := svc.SubmitProof(ctx, trade.ID, payer, testProof()); err != nil {
		t.Fatalf("SubmitProof failed: %v", err)
	}
	claimed, err := svc.MarkPaid(ctx, trade.ID, payer)
	if err != nil {
		t.Fatalf("MarkPaid failed: %v", err)
	}

	before, _ := events.ListByTrade(ctx, trade.ID, 100)
	result, err := svc.ConfirmReceipt(ctx, trade.ID, payee, false)
	if err != nil {
		t.Fatalf("Negative confirmation should not error: %v", err)
	}
	if result.EscrowStatus != StatusPaymentClaimed {
		t.Errorf("Negative confirmation must stay payment_claimed, got %s", result.EscrowStatus)
	}

	stored, _ := store.Get(ctx, trade.ID)
	if !stored.UpdatedAt.Equal(claimed.UpdatedAt) {
		t.Error("Negative confirmation must not refresh updatedAt")
	}
	after, _ := events.ListByTrade(ctx, trade.ID, 100)
	if len(after) != len(before) {
		t.Errorf("Negative confirmation emitted events: %d -> %d", len(before), len(after))
	}
}

func TestConfirmReceipt_OutOfOrderRejected(t *testing.T) {
	svc, _, _, _, _ := newTestService(t, time.Hour, time.Hour)

	// Straight from pending: the lattice has no such edge.
	trade := openTrade(t, svc, DirectionSell)
	if _, err := svc.ConfirmReceipt(context.Background(), trade.ID, trade.PayeeID(), true); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus, got %v", err)
	}
}

func TestRaiseDispute(t *testing.T) {
	svc, _, events, _, _ := newTestService(t, time.Hour, time.Hour)
	ctx := context.Background()

	t.Run("either party from any non-terminal state", func(t *testing.T) {
		trade := openTrade(t, svc, DirectionSell)
		disputed, err := svc.RaiseDispute(ctx, trade.ID, trade.PayeeID(), "buyer unreachable")
		if err != nil {
			t.Fatalf("RaiseDispute failed: %v", err)
		}
		if disputed.EscrowStatus != StatusDisputed {
			t.Errorf("Expected disputed, got %s", disputed.EscrowStatus)
		}
		if disputed.DisputedBy != trade.PayeeID() || disputed.DisputeReason != "buyer unreachable" {
			t.Errorf("Dispute metadata wrong: %+v", disputed)
		}

		recorded, _ := events.ListByTrade(ctx, trade.ID, 100)
		last := recorded[len(recorded)-1]
		if last.ToStatus != StatusDisputed || last.Reason != "buyer unreachable" {
			t.Errorf("Dispute event wrong: %+v", last)
		}
	})

	t.Run("non-party rejected", func(t *testing.T) {
		trade := openTrade(t, svc, DirectionBuy)
		if _, err := svc.RaiseDispute(ctx, trade.ID, "usr_stranger", "nope"); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("Expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("terminal state rejected", func(t *testing.T) {
		trade := openTrade(t, svc, DirectionSell)
		payer, payee := trade.PayerID(), trade.PayeeID()
		if _, err := svc.SubmitProof(ctx, trade.ID, payer, testProof()); err != nil {
			t.Fatal(err)
		}
		if _, err := svc.MarkPaid(ctx, trade.ID, payer); err != nil {
			t.Fatal(err)
		}
		if _, err := svc.ConfirmReceipt(ctx, trade.ID, payee, true); err != nil {
			t.Fatal(err)
		}
		if _, err := svc.RaiseDispute(ctx, trade.ID, payer, "too late"); !errors.Is(err, ErrAlreadyResolved) {
			t.Errorf("Expected ErrAlreadyResolved, got %v", err)
		}
	})
}

func TestTimeouts(t *testing.T) {
	svc, _, events, _, _ := newTestService(t, time.Hour, time.Hour)
	ctx := context.Background()

	t.Run("payment timeout from pending", func(t *testing.T) {
		trade := openTrade(t, svc, DirectionSell)
		refunded, err := svc.PaymentTimeout(ctx, trade.ID)
		if err != nil {
			t.Fatalf("PaymentTimeout failed: %v", err)
		}
		if refunded.EscrowStatus != StatusRefunded {
			t.Errorf("Expected refunded, got %s", refunded.EscrowStatus)
		}

		recorded, _ := events.ListByTrade(ctx, trade.ID, 100)
		last := recorded[len(recorded)-1]
		if last.Cause != CauseTimeout || last.ActorID != "" {
			t.Errorf("Timeout event should have timeout cause and no actor: %+v", last)
		}
	})

	t.Run("payment timeout from proof_submitted", func(t *testing.T) {
		trade := openTrade(t, svc, DirectionBuy)
		if _, err := svc.SubmitProof(ctx, trade.ID, trade.PayerID(), testProof()); err != nil {
			t.Fatal(err)
		}
		refunded, err := svc.PaymentTimeout(ctx, trade.ID)
		if err != nil {
			t.Fatalf("PaymentTimeout failed: %v", err)
		}
		if refunded.EscrowStatus != StatusRefunded {
			t.Errorf("Expected refunded, got %s", refunded.EscrowStatus)
		}
	})

	t.Run("payment timeout after claim rejected", func(t *testing.T) {
		svc2, _, _, _, _ := newTestService(t, time.Hour, time.Hour)
		trade := openTrade(t, svc2, DirectionSell)
		payer := trade.PayerID()
		if _, err := svc2.SubmitProof(ctx, trade.ID, payer, testProof()); err != nil {
			t.Fatal(err)
		}
		if _, err := svc2.MarkPaid(ctx, trade.ID, payer); err != nil {
			t.Fatal(err)
		}
		if _, err := svc2.PaymentTimeout(ctx, trade.ID); !errors.Is(err, ErrInvalidStatus) {
			t.Errorf("Expected ErrInvalidStatus, got %v", err)
		}
	})

	t.Run("confirmation timeout from payment_claimed", func(t *testing.T) {
		svc2, _, _, _, _ := newTestService(t, time.Hour, time.Hour)
		trade := openTrade(t, svc2, DirectionSell)
		payer := trade.PayerID()
		if _, err := svc2.SubmitProof(ctx, trade.ID, payer, testProof()); err != nil {
			t.Fatal(err)
		}
		if _, err := svc2.MarkPaid(ctx, trade.ID, payer); err != nil {
			t.Fatal(err)
		}
		refunded, err := svc2.ConfirmationTimeout(ctx, trade.ID)
		if err != nil {
			t.Fatalf("ConfirmationTimeout failed: %v", err)
		}
		if refunded.EscrowStatus != StatusRefunded {
			t.Errorf("Expected refunded, got %s", refunded.EscrowStatus)
		}
	})

	t.Run("timeout on terminal trade rejected", func(t *testing.T) {
		trade := openTrade(t, svc, DirectionBuy)
		if _, err := svc.RaiseDispute(ctx, trade.ID, trade.PayerID(), "stuck"); err != nil {
			t.Fatal(err)
		}
		if _, err := svc.PaymentTimeout(ctx, trade.ID); !errors.Is(err, ErrAlreadyResolved) {
			t.Errorf("Expected ErrAlreadyResolved, got %v", err)
		}
	})
}

func TestCountdownCancelledByTransition(t *testing.T) {
	// Short payment window, long confirmation window. Claiming payment in
	// time must disarm the payment countdown for good.
	svc, store, events, _, _ := newTestService(t, 200*time.Millisecond, time.Hour)
	ctx := context.Background()

	trade := openTrade(t, svc, DirectionSell)
	payer := trade.PayerID()
	if _, err := svc.SubmitProof(ctx, trade.ID, payer, testProof()); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.MarkPaid(ctx, trade.ID, payer); err != nil {
		t.Fatal(err)
	}

	// Wait well past the original payment deadline.
	time.Sleep(450 * time.Millisecond)

	stored, err := store.Get(ctx, trade.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.EscrowStatus != StatusPaymentClaimed {
		t.Errorf("Cancelled countdown still refunded the trade: %s", stored.EscrowStatus)
	}
	recorded, _ := events.ListByTrade(ctx, trade.ID, 100)
	for _, e := range recorded {
		if e.Cause == CauseTimeout {
			t.Errorf("Timeout event emitted after cancellation: %+v", e)
		}
	}
}

func TestCountdownFiresWhenIgnored(t *testing.T) {
	svc, store, _, _, _ := newTestService(t, 30*time.Millisecond, time.Hour)
	ctx := context.Background()

	trade := openTrade(t, svc, DirectionSell)

	deadline := time.Now().Add(time.Second)
	for {
		stored, err := store.Get(ctx, trade.ID)
		if err != nil {
			t.Fatal(err)
		}
		if stored.EscrowStatus == StatusRefunded {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Trade never refunded, status %s", stored.EscrowStatus)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCurrentState(t *testing.T) {
	svc, _, _, _, _ := newTestService(t, 15*time.Minute, 30*time.Minute)
	ctx := context.Background()

	trade := openTrade(t, svc, DirectionSell)
	payer := trade.PayerID()

	state, err := svc.CurrentState(ctx, trade.ID, payer)
	if err != nil {
		t.Fatalf("CurrentState failed: %v", err)
	}
	if state.Purpose != countdown.PurposePaymentWindow {
		t.Errorf("Expected payment window deadline, got %s", state.Purpose)
	}
	want := trade.CreatedAt.Add(15 * time.Minute)
	if state.Deadline == nil || !state.Deadline.Equal(want) {
		t.Errorf("Payment deadline should anchor at creation: got %v, want %v", state.Deadline, want)
	}

	// The payment window does not restart on proof submission.
	if _, err := svc.SubmitProof(ctx, trade.ID, payer, testProof()); err != nil {
		t.Fatal(err)
	}
	state, err = svc.CurrentState(ctx, trade.ID, payer)
	if err != nil {
		t.Fatal(err)
	}
	if state.Deadline == nil || !state.Deadline.Equal(want) {
		t.Errorf("Proof submission must not move the payment deadline: got %v, want %v", state.Deadline, want)
	}

	// Claiming payment starts the confirmation window from updatedAt.
	claimed, err := svc.MarkPaid(ctx, trade.ID, payer)
	if err != nil {
		t.Fatal(err)
	}
	state, err = svc.CurrentState(ctx, trade.ID, payer)
	if err != nil {
		t.Fatal(err)
	}
	if state.Purpose != countdown.PurposeConfirmationWindow {
		t.Errorf("Expected confirmation window deadline, got %s", state.Purpose)
	}
	wantConfirm := claimed.UpdatedAt.Add(30 * time.Minute)
	if state.Deadline == nil || !state.Deadline.Equal(wantConfirm) {
		t.Errorf("Confirmation deadline wrong: got %v, want %v", state.Deadline, wantConfirm)
	}

	if _, err := svc.CurrentState(ctx, trade.ID, "usr_stranger"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized for non-party, got %v", err)
	}
}

func TestGetAndList_PartyScoped(t *testing.T) {
	svc, _, _, _, _ := newTestService(t, time.Hour, time.Hour)
	ctx := context.Background()

	trade := openTrade(t, svc, DirectionSell)

	if _, err := svc.Get(ctx, trade.ID, "usr_stranger"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}
	if _, err := svc.Get(ctx, trade.ID, trade.BuyerID); err != nil {
		t.Errorf("Party read failed: %v", err)
	}

	trades, err := svc.ListByUser(ctx, trade.SellerID, 10)
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	if len(trades) != 1 {
		t.Errorf("Expected 1 trade for seller, got %d", len(trades))
	}
}

func TestRearm(t *testing.T) {
	store := NewMemoryStore()
	events := NewMemoryEventStore()
	sched := countdown.NewScheduler(logging.Discard())
	defer sched.Stop()
	svc := NewService(store, events, sched, 15*time.Minute, 30*time.Minute, logging.Discard())
	ctx := context.Background()

	now := time.Now()
	overdue := &Trade{
		ID: "trd_overdue", RequestID: "req_1", BuyerID: "usr_b", SellerID: "usr_s",
		Direction: DirectionSell, CoinType: "BTC",
		EscrowStatus: StatusPending,
		CreatedAt:    now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour),
	}
	fresh := &Trade{
		ID: "trd_fresh", RequestID: "req_2", BuyerID: "usr_b", SellerID: "usr_s",
		Direction: DirectionSell, CoinType: "BTC",
		EscrowStatus: StatusPending,
		CreatedAt:    now, UpdatedAt: now,
	}
	if err := store.Create(ctx, overdue); err != nil {
		t.Fatal(err)
	}
	if err := store.Create(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	if err := svc.Rearm(ctx); err != nil {
		t.Fatalf("Rearm failed: %v", err)
	}

	got, _ := store.Get(ctx, "trd_overdue")
	if got.EscrowStatus != StatusRefunded {
		t.Errorf("Overdue trade should refund on rearm, got %s", got.EscrowStatus)
	}
	got, _ = store.Get(ctx, "trd_fresh")
	if got.EscrowStatus != StatusPending {
		t.Errorf("Fresh trade should stay pending, got %s", got.EscrowStatus)
	}
	if sched.Active() != 1 {
		t.Errorf("Expected 1 rearmed countdown, got %d", sched.Active())
	}
}

func TestSweeperRefundsOverdue(t *testing.T) {
	store := NewMemoryStore()
	events := NewMemoryEventStore()
	svc := NewService(store, events, nil, 15*time.Minute, 30*time.Minute, logging.Discard())
	sweeper := NewSweeper(svc, store, logging.Discard())
	ctx := context.Background()

	now := time.Now()
	stale := &Trade{
		ID: "trd_stale", RequestID: "req_1", BuyerID: "usr_b", SellerID: "usr_s",
		Direction: DirectionSell, CoinType: "ETH",
		EscrowStatus: StatusPaymentClaimed,
		CreatedAt:    now.Add(-2 * time.Hour), UpdatedAt: now.Add(-time.Hour),
	}
	if err := store.Create(ctx, stale); err != nil {
		t.Fatal(err)
	}

	sweeper.sweep(ctx)

	got, _ := store.Get(ctx, "trd_stale")
	if got.EscrowStatus != StatusRefunded {
		t.Errorf("Sweep should refund the stale trade, got %s", got.EscrowStatus)
	}
}

func TestConcurrentTransitionsSingleWinner(t *testing.T) {
	svc, store, events, _, _ := newTestService(t, time.Hour, time.Hour)
	ctx := context.Background()

	trade := openTrade(t, svc, DirectionSell)
	payer, payee := trade.PayerID(), trade.PayeeID()
	if _, err := svc.SubmitProof(ctx, trade.ID, payer, testProof()); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.MarkPaid(ctx, trade.ID, payer); err != nil {
		t.Fatal(err)
	}

	// Confirmation racing the confirmation timeout: exactly one resolves
	// the trade.
	var wg sync.WaitGroup
	var confirmErr, timeoutErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, confirmErr = svc.ConfirmReceipt(ctx, trade.ID, payee, true)
	}()
	go func() {
		defer wg.Done()
		_, timeoutErr = svc.ConfirmationTimeout(ctx, trade.ID)
	}()
	wg.Wait()

	if (confirmErr == nil) == (timeoutErr == nil) {
		t.Fatalf("Exactly one of confirm/timeout must win: confirmErr=%v timeoutErr=%v", confirmErr, timeoutErr)
	}

	stored, _ := store.Get(ctx, trade.ID)
	if !stored.IsTerminal() {
		t.Errorf("Trade should be terminal, got %s", stored.EscrowStatus)
	}

	recorded, _ := events.ListByTrade(ctx, trade.ID, 100)
	terminalEvents := 0
	for _, e := range recorded {
		if e.ToStatus == StatusSettled || e.ToStatus == StatusRefunded {
			terminalEvents++
		}
	}
	if terminalEvents != 1 {
		t.Errorf("Expected exactly 1 terminal event, got %d", terminalEvents)
	}
}

func TestSettlementEventTimestampsStrictlyOrdered(t *testing.T) {
	svc, _, events, _, _ := newTestService(t, time.Hour, time.Hour)
	ctx := context.Background()

	trade := openTrade(t, svc, DirectionSell)
	payer, payee := trade.PayerID(), trade.PayeeID()

	if _, err := svc.SubmitProof(ctx, trade.ID, payer, testProof()); err != nil {
		t.Fatalf("SubmitProof failed: %v", err)
	}
	if _, err := svc.MarkPaid(ctx, trade.ID, payer); err != nil {
		t.Fatalf("MarkPaid failed: %v", err)
	}
	final, err := svc.ConfirmReceipt(ctx, trade.ID, payee, true)
	if err != nil {
		t.Fatalf("ConfirmReceipt failed: %v", err)
	}

	recorded, err := events.ListByTrade(ctx, trade.ID, 100)
	if err != nil {
		t.Fatalf("ListByTrade failed: %v", err)
	}
	if len(recorded) < 2 {
		t.Fatalf("Expected at least 2 events, got %d", len(recorded))
	}
	confirmed := recorded[len(recorded)-2]
	settled := recorded[len(recorded)-1]
	if confirmed.ToStatus != StatusReceiptConfirmed || settled.ToStatus != StatusSettled {
		t.Fatalf("Last two events should be receipt_confirmed then settled, got %s then %s",
			confirmed.ToStatus, settled.ToStatus)
	}

	// A listing sorted on occurred_at must reproduce emission order even
	// with random ids as tiebreak, so the settled event may never share
	// the confirmation's timestamp.
	if !settled.OccurredAt.After(confirmed.OccurredAt) {
		t.Errorf("Settled event must occur strictly after confirmation: %v vs %v",
			settled.OccurredAt, confirmed.OccurredAt)
	}
	if final.ResolvedAt == nil || !final.ResolvedAt.Equal(settled.OccurredAt) {
		t.Errorf("ResolvedAt should match the settled event's timestamp")
	}
}

func TestAcceptsProofMirrorsSubmitGate(t *testing.T) {
	svc, _, _, _, _ := newTestService(t, time.Hour, time.Hour)
	ctx := context.Background()

	trade := openTrade(t, svc, DirectionSell)
	payer, payee := trade.PayerID(), trade.PayeeID()

	if err := svc.AcceptsProof(ctx, trade.ID, payer); err != nil {
		t.Errorf("Payer should be allowed to submit from pending: %v", err)
	}
	if err := svc.AcceptsProof(ctx, trade.ID, payee); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Payee pre-check should be ErrUnauthorized, got %v", err)
	}
	if err := svc.AcceptsProof(ctx, "trd_missing", payer); !errors.Is(err, ErrTradeNotFound) {
		t.Errorf("Missing trade pre-check should be ErrTradeNotFound, got %v", err)
	}

	// Re-upload while proof_submitted stays allowed.
	if _, err := svc.SubmitProof(ctx, trade.ID, payer, testProof()); err != nil {
		t.Fatalf("SubmitProof failed: %v", err)
	}
	if err := svc.AcceptsProof(ctx, trade.ID, payer); err != nil {
		t.Errorf("Re-upload pre-check should pass in proof_submitted: %v", err)
	}

	// Past mark-paid the window is closed.
	if _, err := svc.MarkPaid(ctx, trade.ID, payer); err != nil {
		t.Fatalf("MarkPaid failed: %v", err)
	}
	if err := svc.AcceptsProof(ctx, trade.ID, payer); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Pre-check after mark-paid should be ErrInvalidStatus, got %v", err)
	}
	if _, err := svc.ConfirmReceipt(ctx, trade.ID, payee, true); err != nil {
		t.Fatalf("ConfirmReceipt failed: %v", err)
	}
	if err := svc.AcceptsProof(ctx, trade.ID, payer); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("Pre-check on settled trade should be ErrAlreadyResolved, got %v", err)
	}
}
