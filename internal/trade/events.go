package trade

import (
	"context"
	"time"
)

// Cause classifies what drove a transition.
type Cause string

const (
	CauseUserAction     Cause = "user_action"
	CauseTimeout        Cause = "timeout"
	CauseExternalSignal Cause = "external_signal"
)

// Event records a single accepted escrow transition. Rejected operations
// never produce one; accepted operations produce exactly one per hop.
type Event struct {
	ID         string    `json:"id"`
	TradeID    string    `json:"tradeId"`
	FromStatus Status    `json:"fromStatus"`
	ToStatus   Status    `json:"toStatus"`
	ActorID    string    `json:"actorId,omitempty"` // empty for timer-driven transitions
	Cause      Cause     `json:"cause"`
	Reason     string    `json:"reason,omitempty"` // dispute reason, timeout purpose
	OccurredAt time.Time `json:"occurredAt"`
}

// EventStore persists the transition audit trail.
type EventStore interface {
	Append(ctx context.Context, event *Event) error
	ListByTrade(ctx context.Context, tradeID string, limit int) ([]*Event, error)
}

// EventSink receives accepted transitions after they are persisted.
// Implementations must not block; delivery is fire-and-forget.
type EventSink interface {
	TradeEvent(trade *Trade, event *Event)
}
