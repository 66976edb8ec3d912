// Package notify stores and emits user-facing notifications.
package notify

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotificationNotFound = errors.New("notification not found")
	ErrUnauthorized         = errors.New("not authorized for this notification")
)

// Type classifies a notification for client rendering.
type Type string

const (
	TypeTradeAccepted   Type = "trade_accepted"
	TypePaymentRequired Type = "payment_required"
	TypePaymentReceived Type = "payment_received"
	TypeTradeCompleted  Type = "trade_completed"
	TypeTradeUpdate     Type = "trade_update"
	TypeNewMessage      Type = "new_message"
)

// Notification is one entry in a user's inbox.
type Notification struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"userId"`
	Type      Type                   `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Read      bool                   `json:"read"`
	CreatedAt time.Time              `json:"createdAt"`
}

// Store persists notifications.
type Store interface {
	Create(ctx context.Context, notification *Notification) error
	Get(ctx context.Context, id string) (*Notification, error)
	ListByUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*Notification, error)
	MarkRead(ctx context.Context, id string) error
	// MarkAllRead flags every unread notification for the user. Returns
	// the number updated.
	MarkAllRead(ctx context.Context, userID string) (int, error)
	CountUnread(ctx context.Context, userID string) (int, error)
}

// Sink receives stored notifications for fan-out (realtime bus).
// Implementations must not block.
type Sink interface {
	NotificationCreated(notification *Notification)
}
