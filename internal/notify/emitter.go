package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tradehub-ng/tradehub/internal/message"
	"github.com/tradehub-ng/tradehub/internal/trade"
)

var (
	notificationsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradehub",
			Subsystem: "notify",
			Name:      "emitted_total",
			Help:      "Notifications emitted by type",
		},
		[]string{"type"},
	)
	notificationEmitFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tradehub",
			Subsystem: "notify",
			Name:      "emit_failures_total",
			Help:      "Notifications that could not be stored",
		},
	)
)

func init() {
	prometheus.MustRegister(notificationsEmittedTotal, notificationEmitFailures)
}

// Emitter turns trade lifecycle events and chat messages into inbox
// notifications. It is safe to use with a nil service: every emit becomes
// a no-op, so callers never need to guard.
type Emitter struct {
	service *Service
	logger  *slog.Logger
}

// NewEmitter creates a notification emitter.
func NewEmitter(service *Service, logger *slog.Logger) *Emitter {
	return &Emitter{service: service, logger: logger}
}

// TradeEvent translates an accepted escrow transition into notifications
// for the affected parties.
func (e *Emitter) TradeEvent(t *trade.Trade, event *trade.Event) {
	if e == nil || e.service == nil {
		return
	}

	data := map[string]interface{}{
		"tradeId":  t.ID,
		"status":   string(event.ToStatus),
		"coinType": t.CoinType,
	}

	switch event.ToStatus {
	case trade.StatusPending:
		e.emit(t.SellerID, TypeTradeAccepted, "Trade Request Accepted!",
			fmt.Sprintf("Your %s trade for %s %s has been matched", t.CoinType, t.Amount, t.CoinType), data)
		e.emit(t.BuyerID, TypePaymentRequired, "Payment Required",
			fmt.Sprintf("Send ₦%s via %s to complete your %s trade", t.FiatAmount, t.PaymentMethod, t.CoinType), data)

	case trade.StatusPaymentClaimed:
		e.emit(t.SellerID, TypePaymentReceived, "Payment Confirmation",
			fmt.Sprintf("The buyer marked ₦%s as paid. Confirm receipt to release the %s", t.FiatAmount, t.CoinType), data)

	case trade.StatusSettled:
		msg := fmt.Sprintf("Your %s trade has settled", t.CoinType)
		e.emit(t.BuyerID, TypeTradeCompleted, "Trade Completed!", msg, data)
		e.emit(t.SellerID, TypeTradeCompleted, "Trade Completed!", msg, data)

	case trade.StatusDisputed:
		msg := "Your trade is under dispute and has been escalated for review"
		e.emit(t.BuyerID, TypeTradeUpdate, "Trade Disputed", msg, data)
		e.emit(t.SellerID, TypeTradeUpdate, "Trade Disputed", msg, data)

	case trade.StatusRefunded:
		msg := fmt.Sprintf("Your %s trade timed out and the escrow was refunded", t.CoinType)
		e.emit(t.BuyerID, TypeTradeUpdate, "Trade Refunded", msg, data)
		e.emit(t.SellerID, TypeTradeUpdate, "Trade Refunded", msg, data)
	}
}

// MessageSent notifies the receiver of a new chat message.
func (e *Emitter) MessageSent(m *message.Message) {
	if e == nil || e.service == nil {
		return
	}
	if m.SenderID == message.SystemSender {
		return
	}
	e.emit(m.ReceiverID, TypeNewMessage, "New Message",
		"You have a new message in your trade chat",
		map[string]interface{}{"tradeId": m.TradeID, "messageId": m.ID})
}

func (e *Emitter) emit(userID string, typ Type, title, body string, data map[string]interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := e.service.Notify(ctx, userID, typ, title, body, data); err != nil {
		notificationEmitFailures.Inc()
		e.logger.Warn("failed to emit notification",
			"user_id", userID,
			"type", string(typ),
			"error", err)
		return
	}
	notificationsEmittedTotal.WithLabelValues(string(typ)).Inc()
}

var (
	_ trade.EventSink = (*Emitter)(nil)
	_ message.Sink    = (*Emitter)(nil)
)
