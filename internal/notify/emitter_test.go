package notify

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tradehub-ng/tradehub/internal/logging"
	"github.com/tradehub-ng/tradehub/internal/message"
	"github.com/tradehub-ng/tradehub/internal/trade"
)

func testTrade() *trade.Trade {
	return &trade.Trade{
		ID:            "trd_1",
		BuyerID:       "usr_buyer",
		SellerID:      "usr_seller",
		CoinType:      "BTC",
		Amount:        decimal.NewFromFloat(0.005),
		FiatAmount:    decimal.NewFromInt(850000),
		PaymentMethod: "bank_transfer",
	}
}

func emitEvent(e *Emitter, to trade.Status) {
	e.TradeEvent(testTrade(), &trade.Event{
		TradeID:    "trd_1",
		ToStatus:   to,
		Cause:      trade.CauseUserAction,
		OccurredAt: time.Now(),
	})
}

func inboxTypes(t *testing.T, svc *Service, userID string) []Type {
	t.Helper()
	inbox, err := svc.ListByUser(context.Background(), userID, false, 50)
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	types := make([]Type, len(inbox))
	for i, n := range inbox {
		types[i] = n.Type
	}
	return types
}

func TestEmitter_TradeLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	emitter := NewEmitter(svc, logging.Discard())

	emitEvent(emitter, trade.StatusPending)
	emitEvent(emitter, trade.StatusPaymentClaimed)
	emitEvent(emitter, trade.StatusSettled)

	buyer := inboxTypes(t, svc, "usr_buyer")
	if len(buyer) != 2 {
		t.Fatalf("Buyer should get 2 notifications, got %d: %v", len(buyer), buyer)
	}
	seller := inboxTypes(t, svc, "usr_seller")
	if len(seller) != 3 {
		t.Fatalf("Seller should get 3 notifications, got %d: %v", len(seller), seller)
	}

	wantSeller := map[Type]bool{TypeTradeAccepted: true, TypePaymentReceived: true, TypeTradeCompleted: true}
	for _, typ := range seller {
		if !wantSeller[typ] {
			t.Errorf("Unexpected seller notification type %s", typ)
		}
	}
	wantBuyer := map[Type]bool{TypePaymentRequired: true, TypeTradeCompleted: true}
	for _, typ := range buyer {
		if !wantBuyer[typ] {
			t.Errorf("Unexpected buyer notification type %s", typ)
		}
	}
}

func TestEmitter_TerminalFailures(t *testing.T) {
	svc, _ := newTestService(t)
	emitter := NewEmitter(svc, logging.Discard())

	emitEvent(emitter, trade.StatusRefunded)
	emitEvent(emitter, trade.StatusDisputed)

	for _, userID := range []string{"usr_buyer", "usr_seller"} {
		types := inboxTypes(t, svc, userID)
		if len(types) != 2 {
			t.Fatalf("%s should get 2 notifications, got %d", userID, len(types))
		}
		for _, typ := range types {
			if typ != TypeTradeUpdate {
				t.Errorf("Expected trade_update, got %s", typ)
			}
		}
	}
}

func TestEmitter_MessageSent(t *testing.T) {
	svc, _ := newTestService(t)
	emitter := NewEmitter(svc, logging.Discard())

	emitter.MessageSent(&message.Message{
		ID:         "msg_1",
		TradeID:    "trd_1",
		SenderID:   "usr_buyer",
		ReceiverID: "usr_seller",
		Content:    "sent it",
	})
	// System notices never generate inbox entries.
	emitter.MessageSent(&message.Message{
		ID:         "msg_2",
		TradeID:    "trd_1",
		SenderID:   message.SystemSender,
		ReceiverID: "usr_seller",
		Content:    "escrow settled",
	})

	types := inboxTypes(t, svc, "usr_seller")
	if len(types) != 1 || types[0] != TypeNewMessage {
		t.Fatalf("Expected one new_message notification, got %v", types)
	}
}

func TestEmitter_NilServiceIsNoOp(t *testing.T) {
	emitter := NewEmitter(nil, logging.Discard())
	emitEvent(emitter, trade.StatusSettled)
	emitter.MessageSent(&message.Message{ReceiverID: "usr_seller", SenderID: "usr_buyer"})
}
